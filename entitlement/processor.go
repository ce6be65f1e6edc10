package entitlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/data"
	"inviqa/entitlement-pipeline/event"
	"inviqa/entitlement-pipeline/idempotency"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/outbox"
	"inviqa/entitlement-pipeline/prometheus"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	resultApplied             = "applied"
	resultReplayed            = "replayed"
	resultStateConflict       = "state_conflict"
	resultIdempotencyConflict = "idempotency_conflict"
	resultBadRequest          = "bad_request"
	resultError               = "error"
)

type ledger interface {
	Lock(ctx context.Context, q data.Querier, key string, now time.Time) error
	Find(ctx context.Context, q data.Querier, key string, now time.Time) (*idempotency.Record, error)
	Save(ctx context.Context, q data.Querier, rec idempotency.Record, now time.Time) error
}

type outboxWriter interface {
	Insert(ctx context.Context, q data.Querier, e *outbox.Event) error
}

type traceIDKey struct{}

// WithTraceID attaches the caller's trace id to ctx for Execute.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func TraceIDFrom(ctx context.Context) string {
	traceID, _ := ctx.Value(traceIDKey{}).(string)
	return traceID
}

// Processor applies grant and revoke commands exactly once per idempotency key.
// The entitlement change, its outbox event, its audit record and the stored
// response commit in one transaction, serialised per key by a transaction
// scoped lock.
type Processor struct {
	db     *sql.DB
	store  Store
	ledger ledger
	outbox outboxWriter
	clock  clock.Clock
	ttl    time.Duration
}

func NewProcessor(db *sql.DB, cfg *config.Config, ob outboxWriter) Processor {
	return NewProcessorWith(db, NewStore(db, cfg.DBDriver), idempotency.NewLedger(db, cfg.DBDriver), ob, clock.System{}, cfg.IdempotencyTTL)
}

func NewProcessorWith(db *sql.DB, st Store, l ledger, ob outboxWriter, clk clock.Clock, ttl time.Duration) Processor {
	return Processor{
		db:     db,
		store:  st,
		ledger: l,
		outbox: ob,
		clock:  clk,
		ttl:    ttl,
	}
}

// Execute runs a command from its raw parts and returns the HTTP status and
// JSON body to answer with. A replayed key answers with the stored response.
func (p Processor) Execute(ctx context.Context, action, key string, body []byte) (int, []byte) {
	a, err := ParseAction(action)
	if err != nil {
		return p.errorResult("unknown", err)
	}

	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return p.errorResult(a.String(), badRequest("malformed request body"))
	}

	if err := validate(key, r); err != nil {
		return p.errorResult(a.String(), err)
	}

	code, resp, err := p.execute(ctx, a, key, r, TraceIDFrom(ctx))
	if err != nil {
		return p.errorResult(a.String(), err)
	}

	return code, resp
}

func (p Processor) Grant(ctx context.Context, key string, r Request, traceID string) (*Response, error) {
	return p.command(ctx, ActionGrant, key, r, traceID)
}

func (p Processor) Revoke(ctx context.Context, key string, r Request, traceID string) (*Response, error) {
	return p.command(ctx, ActionRevoke, key, r, traceID)
}

func (p Processor) ListByUser(ctx context.Context, userID string) (*List, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, badRequest("user_id is required")
	}

	entitlements, err := p.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	list := &List{UserID: userID, Entitlements: []Summary{}}
	for _, e := range entitlements {
		list.Entitlements = append(list.Entitlements, Summary{
			StockKeepingUnit: e.StockKeepingUnit,
			Status:           e.Status,
			Version:          e.Version,
			UpdatedAt:        e.UpdatedAt.UTC(),
		})
	}

	return list, nil
}

func (p Processor) command(ctx context.Context, a Action, key string, r Request, traceID string) (*Response, error) {
	if err := validate(key, r); err != nil {
		prometheus.RecordCommand(a.String(), resultBadRequest)
		return nil, err
	}

	code, body, err := p.execute(ctx, a, key, r, traceID)
	if err != nil {
		prometheus.RecordCommand(a.String(), result(err))
		return nil, err
	}

	return decodeResult(code, body)
}

func (p Processor) execute(ctx context.Context, a Action, key string, r Request, traceID string) (int, []byte, error) {
	hash, err := RequestHash(a, r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "entitlement: unable to hash request")
	}

	if traceID == "" {
		traceID = uuid.New().String()
	}

	now := p.clock.Now()
	fields := logrus.Fields{
		"action":             a.String(),
		"user_id":            r.UserID,
		"stock_keeping_unit": r.StockKeepingUnit,
		"idempotency_key":    key,
		"trace_id":           traceID,
	}

	var code int
	var body []byte
	err = data.InTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.ledger.Lock(ctx, tx, key, now); err != nil {
			return err
		}

		rec, err := p.ledger.Find(ctx, tx, key, now)
		switch {
		case err == nil:
			if rec.RequestHash != hash {
				return &Error{Code: CodeIdempotencyKeyConflict, Message: "Idempotency-Key conflict"}
			}
			code, body, err = replay(rec)
			if err == nil {
				prometheus.RecordCommand(a.String(), resultReplayed)
				log.Logger.WithFields(fields).Debug("replaying stored response for idempotency key")
			}
			return err
		case !errors.Is(err, idempotency.ErrNotFound):
			return err
		}

		e, err := p.store.Apply(ctx, tx, a, r, now)
		if err != nil {
			return err
		}

		if e == nil {
			code = http.StatusConflict
			body, err = json.Marshal(ErrorResponse{Code: CodeStateConflict, Message: "already " + a.targetStatus().String()})
			if err != nil {
				return err
			}
			prometheus.RecordCommand(a.String(), resultStateConflict)
			log.Logger.WithFields(fields).Info("entitlement already in the requested state")
		} else {
			if err := p.stage(ctx, tx, a, key, r, e, traceID, now); err != nil {
				return err
			}
			code = http.StatusOK
			body, err = json.Marshal(e.response())
			if err != nil {
				return err
			}
			prometheus.RecordCommand(a.String(), resultApplied)
			log.Logger.WithFields(fields).WithField("version", e.Version).Info("entitlement changed")
		}

		return p.ledger.Save(ctx, tx, idempotency.Record{
			Key:          key,
			RequestHash:  hash,
			ResponseCode: code,
			ResponseBody: body,
			ExpiresAt:    now.Add(p.ttl),
		}, now)
	})
	if err != nil {
		return 0, nil, err
	}

	return code, body, nil
}

// stage writes the outbox event and the audit record of an applied change.
func (p Processor) stage(ctx context.Context, tx *sql.Tx, a Action, key string, r Request, e *Entitlement, traceID string, now time.Time) error {
	eventID := uuid.New()
	payload, err := event.Entitlement{
		EventID:          eventID.String(),
		EventType:        a.eventType(),
		OccurredAt:       now.UTC().Format(time.RFC3339Nano),
		UserID:           e.UserID,
		StockKeepingUnit: e.StockKeepingUnit,
		Source:           r.Reason,
		SourceID:         r.PurchaseID,
		Version:          e.Version,
		TraceID:          traceID,
	}.Marshal()
	if err != nil {
		return errors.Wrap(err, "entitlement: unable to encode event payload")
	}

	err = p.outbox.Insert(ctx, tx, &outbox.Event{
		Id:           eventID,
		Type:         a.eventType(),
		AggregateKey: event.AggregateKey(e.UserID, e.StockKeepingUnit),
		Payload:      payload,
		CreatedAt:    now,
	})
	if err != nil {
		return err
	}

	detail, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "entitlement: unable to encode audit detail")
	}

	return p.store.InsertAudit(ctx, tx, Audit{
		ID:               uuid.New().String(),
		OccurredAt:       now,
		UserID:           e.UserID,
		StockKeepingUnit: e.StockKeepingUnit,
		Action:           a,
		Source:           r.Reason,
		SourceID:         r.PurchaseID,
		RequestID:        key,
		Detail:           detail,
	})
}

func (p Processor) errorResult(action string, err error) (int, []byte) {
	prometheus.RecordCommand(action, result(err))

	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		log.Logger.WithError(err).WithField("action", action).Error("entitlement command failed")
		cmdErr = &Error{Code: CodeInternalError, Message: "internal error"}
	}

	body, _ := json.Marshal(ErrorResponse{Code: cmdErr.Code, Message: cmdErr.Message})

	return statusFor(cmdErr.Code), body
}

// replay re-encodes a stored response. Postgres keeps response bodies as JSONB,
// which does not preserve the original bytes.
func replay(rec *idempotency.Record) (int, []byte, error) {
	var v interface{}
	switch rec.ResponseCode {
	case http.StatusOK:
		v = &Response{}
	case http.StatusConflict:
		v = &ErrorResponse{}
	default:
		return 0, nil, errors.Errorf("entitlement: unsupported stored response code %d for key %q", rec.ResponseCode, rec.Key)
	}

	if err := json.Unmarshal(rec.ResponseBody, v); err != nil {
		return 0, nil, errors.Wrapf(err, "entitlement: unable to decode stored response for key %q", rec.Key)
	}

	body, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}

	return rec.ResponseCode, body, nil
}

func decodeResult(code int, body []byte) (*Response, error) {
	if code == http.StatusOK {
		resp := &Response{}
		if err := json.Unmarshal(body, resp); err != nil {
			return nil, errors.Wrap(err, "entitlement: unable to decode response")
		}
		return resp, nil
	}

	er := ErrorResponse{}
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, errors.Wrap(err, "entitlement: unable to decode error response")
	}

	return nil, &Error{Code: er.Code, Message: er.Message}
}

func validate(key string, r Request) error {
	if strings.TrimSpace(key) == "" {
		return badRequest("Idempotency-Key is required")
	}

	return r.Validate()
}

func statusFor(code string) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeIdempotencyKeyConflict, CodeStateConflict:
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

func result(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return resultBadRequest
	case errors.Is(err, ErrIdempotencyConflict):
		return resultIdempotencyConflict
	case errors.Is(err, ErrTransitionConflict):
		return resultStateConflict
	}

	return resultError
}
