package test

import (
	"context"
	"errors"
	"sync"

	"inviqa/entitlement-pipeline/notification"

	"github.com/google/uuid"
)

type MockSender struct {
	sync.RWMutex
	sent   []*notification.Notification
	errors map[uuid.UUID]error
}

func NewMockSender() *MockSender {
	return &MockSender{errors: map[uuid.UUID]error{}}
}

func (s *MockSender) Send(ctx context.Context, n *notification.Notification) error {
	s.Lock()
	defer s.Unlock()

	if err, ok := s.errors[n.Id]; ok {
		return err
	}
	s.sent = append(s.sent, n)

	return nil
}

func (s *MockSender) ErrorFor(n *notification.Notification, msg string) {
	s.Lock()
	defer s.Unlock()
	s.errors[n.Id] = errors.New(msg)
}

func (s *MockSender) SentCount() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.sent)
}
