package outbox

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Batch is the set of events stamped by one claim. LockedBy and Id together
// act as the lease token every resolution is conditional on.
type Batch struct {
	Id       uuid.UUID
	LockedBy string
	Events   []*Event
}

type Event struct {
	Id           uuid.UUID
	Type         string
	AggregateKey string
	Payload      []byte
	Status       Status
	AttemptCount int
	NextRetryAt  sql.NullTime
	LockedBy     sql.NullString
	LeaseUntil   sql.NullTime
	BatchId      uuid.NullUUID
	LastError    sql.NullString
	CreatedAt    time.Time
}

// Resolution is the outcome of a failed publish attempt.
type Resolution struct {
	Status       Status
	AttemptCount int
	NextRetryAt  sql.NullTime
	LastError    string
}

func (s Status) String() string {
	return string(s)
}
