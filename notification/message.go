package notification

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

// Batch is the set of notifications stamped by one claim.
type Batch struct {
	Id            uuid.UUID
	LockedBy      string
	Notifications []*Notification
}

type Notification struct {
	Id           uuid.UUID
	EventId      uuid.UUID
	UserId       string
	Type         string
	OccurredAt   time.Time
	Payload      []byte
	Status       Status
	AttemptCount int
	NextRetryAt  sql.NullTime
	LockedBy     sql.NullString
	LeaseUntil   sql.NullTime
	BatchId      uuid.NullUUID
	LastError    sql.NullString
	CreatedAt    time.Time
	SentAt       sql.NullTime
}

// Resolution is the outcome of a failed delivery attempt.
type Resolution struct {
	Status       Status
	AttemptCount int
	NextRetryAt  sql.NullTime
	LastError    string
}

// DeadLetter is the copy of a notification kept after its last attempt failed.
type DeadLetter struct {
	Id             uuid.UUID
	NotificationId uuid.UUID
	EventId        uuid.UUID
	Payload        []byte
	ErrorMessage   string
	CreatedAt      time.Time
}

func (s Status) String() string {
	return string(s)
}
