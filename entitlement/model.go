package entitlement

import (
	"fmt"
	"strings"
	"time"

	"inviqa/entitlement-pipeline/event"

	"github.com/pkg/errors"
)

type Status string

type Action string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"

	ActionGrant  Action = "GRANT"
	ActionRevoke Action = "REVOKE"

	CodeBadRequest             = "BAD_REQUEST"
	CodeIdempotencyKeyConflict = "IDEMPOTENCY_KEY_CONFLICT"
	CodeStateConflict          = "ENTITLEMENT_STATE_CONFLICT"
	CodeInternalError          = "INTERNAL_ERROR"
)

var (
	ErrBadRequest          = errors.New("entitlement: bad request")
	ErrIdempotencyConflict = errors.New("entitlement: idempotency key was reused for a different request")
	ErrTransitionConflict  = errors.New("entitlement: entitlement is already in the requested state")
)

// Request is the body of a grant or revoke command. Reason and PurchaseID are
// stored as the entitlement's source and source_id.
type Request struct {
	UserID           string `json:"user_id"`
	StockKeepingUnit string `json:"stock_keeping_unit"`
	Reason           string `json:"reason"`
	PurchaseID       string `json:"purchase_id"`
}

type Response struct {
	UserID           string    `json:"user_id"`
	StockKeepingUnit string    `json:"stock_keeping_unit"`
	Status           Status    `json:"status"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Summary struct {
	StockKeepingUnit string    `json:"stock_keeping_unit"`
	Status           Status    `json:"status"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type List struct {
	UserID       string    `json:"user_id"`
	Entitlements []Summary `json:"entitlements"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Entitlement is the stored state of one user's right to one SKU.
type Entitlement struct {
	UserID           string
	StockKeepingUnit string
	Status           Status
	Version          int64
	UpdatedAt        time.Time
}

type Audit struct {
	ID               string
	OccurredAt       time.Time
	UserID           string
	StockKeepingUnit string
	Action           Action
	Source           string
	SourceID         string
	RequestID        string
	Detail           []byte
}

// Error is a command failure the caller can act on. It matches the sentinel
// for its code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeBadRequest:
		return target == ErrBadRequest
	case CodeIdempotencyKeyConflict:
		return target == ErrIdempotencyConflict
	case CodeStateConflict:
		return target == ErrTransitionConflict
	}

	return false
}

func badRequest(msg string) error {
	return &Error{Code: CodeBadRequest, Message: msg}
}

// ParseAction accepts the action names case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionGrant, ActionRevoke:
		return a, nil
	}

	return "", badRequest(fmt.Sprintf("unsupported action %q", s))
}

// Validate reports the first missing field.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return badRequest("user_id is required")
	case strings.TrimSpace(r.StockKeepingUnit) == "":
		return badRequest("stock_keeping_unit is required")
	case strings.TrimSpace(r.Reason) == "":
		return badRequest("reason is required")
	case strings.TrimSpace(r.PurchaseID) == "":
		return badRequest("purchase_id is required")
	}

	return nil
}

func (a Action) targetStatus() Status {
	if a == ActionRevoke {
		return StatusRevoked
	}

	return StatusActive
}

func (a Action) eventType() string {
	if a == ActionRevoke {
		return event.TypeEntitlementRevoked
	}

	return event.TypeEntitlementGranted
}

func (a Action) String() string {
	return string(a)
}

func (s Status) String() string {
	return string(s)
}

func (e Entitlement) response() Response {
	return Response{
		UserID:           e.UserID,
		StockKeepingUnit: e.StockKeepingUnit,
		Status:           e.Status,
		Version:          e.Version,
		UpdatedAt:        e.UpdatedAt.UTC(),
	}
}
