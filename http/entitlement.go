package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"inviqa/entitlement-pipeline/entitlement"
	"inviqa/entitlement-pipeline/log"

	"github.com/pkg/errors"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTraceID        = "X-Trace-Id"

	maxBodyBytes = 1 << 20
)

type commandProcessor interface {
	Execute(ctx context.Context, action, key string, body []byte) (int, []byte)
	ListByUser(ctx context.Context, userID string) (*entitlement.List, error)
}

type entitlementHandler struct {
	processor commandProcessor
}

// EntitlementRoutes registers the grant, revoke and listing endpoints.
func EntitlementRoutes(p commandProcessor) func(mux *http.ServeMux) {
	h := entitlementHandler{processor: p}

	return func(mux *http.ServeMux) {
		mux.HandleFunc("POST /v1/entitlements/grants", h.command(entitlement.ActionGrant))
		mux.HandleFunc("POST /v1/entitlements/revokes", h.command(entitlement.ActionRevoke))
		mux.HandleFunc("GET /v1/users/{user_id}/entitlements", h.list)
	}
}

func (h entitlementHandler) command(a entitlement.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, entitlement.ErrorResponse{Code: entitlement.CodeBadRequest, Message: "unreadable request body"})
			return
		}

		ctx := entitlement.WithTraceID(req.Context(), req.Header.Get(HeaderTraceID))
		code, resp := h.processor.Execute(ctx, a.String(), req.Header.Get(HeaderIdempotencyKey), body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if _, err := w.Write(resp); err != nil {
			log.Logger.WithError(err).Debug("unable to write the command response")
		}
	}
}

func (h entitlementHandler) list(w http.ResponseWriter, req *http.Request) {
	list, err := h.processor.ListByUser(req.Context(), req.PathValue("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

func writeError(w http.ResponseWriter, err error) {
	var e *entitlement.Error
	if errors.As(err, &e) && errors.Is(err, entitlement.ErrBadRequest) {
		writeJSON(w, http.StatusBadRequest, entitlement.ErrorResponse{Code: e.Code, Message: e.Message})
		return
	}

	log.Logger.WithError(err).Error("an error occurred serving a read request")
	writeJSON(w, http.StatusInternalServerError, entitlement.ErrorResponse{Code: entitlement.CodeInternalError, Message: "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.WithError(err).Debug("unable to write the JSON response")
	}
}
