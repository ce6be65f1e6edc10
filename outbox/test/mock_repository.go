package test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"inviqa/entitlement-pipeline/data"
	"inviqa/entitlement-pipeline/outbox"

	"github.com/google/uuid"
)

type MockRepository struct {
	sync.RWMutex
	getBatchCallCount   int
	mockQueueSize       uint
	mockTotalSize       uint
	mockFailedCount     uint
	oldestPending       sql.NullTime
	batchesToReturn     []*outbox.Batch
	inserted            []*outbox.Event
	published           map[uuid.UUID]bool
	failures            map[uuid.UUID]outbox.Resolution
	lostLeases          map[uuid.UUID]bool
	returnError         bool
	deletedRowsCount    int64
	returnNoEventsError bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		batchesToReturn: []*outbox.Batch{},
		published:       map[uuid.UUID]bool{},
		failures:        map[uuid.UUID]outbox.Resolution{},
		lostLeases:      map[uuid.UUID]bool{},
	}
}

func (mr *MockRepository) Insert(ctx context.Context, q data.Querier, e *outbox.Event) error {
	mr.Lock()
	defer mr.Unlock()

	if mr.returnError {
		return errors.New("oops")
	}
	mr.inserted = append(mr.inserted, e)

	return nil
}

func (mr *MockRepository) Inserted() []*outbox.Event {
	mr.RLock()
	defer mr.RUnlock()
	return mr.inserted
}

func (mr *MockRepository) GetBatch(ctx context.Context, now time.Time) (*outbox.Batch, error) {
	mr.Lock()
	defer mr.Unlock()
	mr.getBatchCallCount++

	if mr.returnNoEventsError {
		return nil, outbox.ErrNoEvents
	}

	if mr.returnError {
		return nil, errors.New("oops")
	}

	b := mr.popBatch()
	if b == nil {
		return nil, outbox.ErrNoEvents
	}

	return b, nil
}

func (mr *MockRepository) MarkPublished(ctx context.Context, b *outbox.Batch, e *outbox.Event, now time.Time) (bool, error) {
	mr.Lock()
	defer mr.Unlock()

	if mr.returnError {
		return false, errors.New("oops")
	}

	if mr.lostLeases[e.Id] {
		return false, nil
	}

	mr.published[e.Id] = true

	return true, nil
}

func (mr *MockRepository) MarkFailure(ctx context.Context, b *outbox.Batch, e *outbox.Event, res outbox.Resolution) (bool, error) {
	mr.Lock()
	defer mr.Unlock()

	if mr.returnError {
		return false, errors.New("oops")
	}

	if mr.lostLeases[e.Id] {
		return false, nil
	}

	mr.failures[e.Id] = res

	return true, nil
}

func (mr *MockRepository) AddBatch(batch *outbox.Batch) {
	mr.Lock()
	defer mr.Unlock()
	mr.batchesToReturn = append(mr.batchesToReturn, batch)
}

func (mr *MockRepository) EventWasPublished(e *outbox.Event) bool {
	mr.RLock()
	defer mr.RUnlock()

	return mr.published[e.Id]
}

// FailureFor returns the resolution recorded for e, if any.
func (mr *MockRepository) FailureFor(e *outbox.Event) (outbox.Resolution, bool) {
	mr.RLock()
	defer mr.RUnlock()
	res, ok := mr.failures[e.Id]

	return res, ok
}

func (mr *MockRepository) LoseLease(e *outbox.Event) {
	mr.Lock()
	defer mr.Unlock()
	mr.lostLeases[e.Id] = true
}

func (mr *MockRepository) DeletePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	if mr.returnError {
		return 0, errors.New("oops")
	}
	return mr.deletedRowsCount, nil
}

func (mr *MockRepository) CountFailed(ctx context.Context) (uint, error) {
	if mr.returnError {
		return 0, errors.New("oops")
	}

	return mr.mockFailedCount, nil
}

func (mr *MockRepository) GetQueueSize(ctx context.Context) (uint, error) {
	if mr.returnError {
		return 0, errors.New("oops")
	}

	return mr.mockQueueSize, nil
}

func (mr *MockRepository) GetTotalSize(ctx context.Context) (uint, error) {
	if mr.returnError {
		return 0, errors.New("oops")
	}

	return mr.mockTotalSize, nil
}

func (mr *MockRepository) GetOldestPending(ctx context.Context) (sql.NullTime, error) {
	if mr.returnError {
		return sql.NullTime{}, errors.New("oops")
	}

	return mr.oldestPending, nil
}

func (mr *MockRepository) GetBatchCallCount() int {
	mr.RLock()
	defer mr.RUnlock()
	return mr.getBatchCallCount
}

func (mr *MockRepository) ReturnErrors() {
	mr.returnError = true
}

func (mr *MockRepository) ReturnNoEventsError() {
	mr.returnNoEventsError = true
}

func (mr *MockRepository) SetQueueSize(size uint) {
	mr.mockQueueSize = size
}

func (mr *MockRepository) SetTotalSize(size uint) {
	mr.mockTotalSize = size
}

func (mr *MockRepository) SetFailedCount(count uint) {
	mr.mockFailedCount = count
}

func (mr *MockRepository) SetOldestPending(t time.Time) {
	mr.oldestPending = sql.NullTime{Time: t, Valid: true}
}

func (mr *MockRepository) popBatch() *outbox.Batch {
	if len(mr.batchesToReturn) == 0 {
		return nil
	}

	var b *outbox.Batch
	b, mr.batchesToReturn = mr.batchesToReturn[0], mr.batchesToReturn[1:]

	return b
}

func (mr *MockRepository) SetDeletedRowsCount(c int64) {
	mr.deletedRowsCount = c
}
