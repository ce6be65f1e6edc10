package test

import (
	"context"
	"errors"
	"sync"
	"time"

	"inviqa/entitlement-pipeline/notification"

	"github.com/google/uuid"
)

type MockStore struct {
	sync.RWMutex
	batchesToReturn []*notification.Batch
	sent            map[uuid.UUID]bool
	retries         map[uuid.UUID]notification.Resolution
	failures        map[uuid.UUID]notification.Resolution
	deadLetters     map[uuid.UUID]notification.DeadLetter
	lostLeases      map[uuid.UUID]bool
	returnError     bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		batchesToReturn: []*notification.Batch{},
		sent:            map[uuid.UUID]bool{},
		retries:         map[uuid.UUID]notification.Resolution{},
		failures:        map[uuid.UUID]notification.Resolution{},
		deadLetters:     map[uuid.UUID]notification.DeadLetter{},
		lostLeases:      map[uuid.UUID]bool{},
	}
}

func (ms *MockStore) GetBatch(ctx context.Context, now time.Time) (*notification.Batch, error) {
	ms.Lock()
	defer ms.Unlock()

	if ms.returnError {
		return nil, errors.New("oops")
	}

	if len(ms.batchesToReturn) == 0 {
		return nil, notification.ErrNoNotifications
	}

	var b *notification.Batch
	b, ms.batchesToReturn = ms.batchesToReturn[0], ms.batchesToReturn[1:]

	return b, nil
}

func (ms *MockStore) MarkSent(ctx context.Context, b *notification.Batch, n *notification.Notification, now time.Time) (bool, error) {
	ms.Lock()
	defer ms.Unlock()

	if ms.returnError {
		return false, errors.New("oops")
	}
	if ms.lostLeases[n.Id] {
		return false, nil
	}
	ms.sent[n.Id] = true

	return true, nil
}

func (ms *MockStore) MarkRetry(ctx context.Context, b *notification.Batch, n *notification.Notification, r notification.Resolution) (bool, error) {
	ms.Lock()
	defer ms.Unlock()

	if ms.returnError {
		return false, errors.New("oops")
	}
	if ms.lostLeases[n.Id] {
		return false, nil
	}
	ms.retries[n.Id] = r

	return true, nil
}

func (ms *MockStore) FailWithDeadLetter(ctx context.Context, b *notification.Batch, n *notification.Notification, r notification.Resolution, dl notification.DeadLetter) (bool, error) {
	ms.Lock()
	defer ms.Unlock()

	if ms.returnError {
		return false, errors.New("oops")
	}
	if ms.lostLeases[n.Id] {
		return false, nil
	}
	ms.failures[n.Id] = r
	ms.deadLetters[n.Id] = dl

	return true, nil
}

func (ms *MockStore) AddBatch(b *notification.Batch) {
	ms.Lock()
	defer ms.Unlock()
	ms.batchesToReturn = append(ms.batchesToReturn, b)
}

func (ms *MockStore) WasSent(n *notification.Notification) bool {
	ms.RLock()
	defer ms.RUnlock()
	return ms.sent[n.Id]
}

func (ms *MockStore) RetryFor(n *notification.Notification) (notification.Resolution, bool) {
	ms.RLock()
	defer ms.RUnlock()
	r, ok := ms.retries[n.Id]
	return r, ok
}

func (ms *MockStore) FailureFor(n *notification.Notification) (notification.Resolution, notification.DeadLetter, bool) {
	ms.RLock()
	defer ms.RUnlock()
	r, ok := ms.failures[n.Id]
	return r, ms.deadLetters[n.Id], ok
}

func (ms *MockStore) LoseLease(n *notification.Notification) {
	ms.Lock()
	defer ms.Unlock()
	ms.lostLeases[n.Id] = true
}

func (ms *MockStore) ReturnErrors() {
	ms.Lock()
	defer ms.Unlock()
	ms.returnError = true
}
