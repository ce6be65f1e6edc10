package test

import (
	"context"
	"errors"
	"sync"

	"inviqa/entitlement-pipeline/broker"
)

type mockPublisher struct {
	sync.RWMutex
	publishedMessages []*broker.Message
	errors            map[string]error
	nilAcks           map[string]bool
	duplicates        map[string]bool
	closed            bool
}

func NewMockPublisher() *mockPublisher {
	return &mockPublisher{
		publishedMessages: []*broker.Message{},
		errors:            map[string]error{},
		nilAcks:           map[string]bool{},
		duplicates:        map[string]bool{},
	}
}

func (p *mockPublisher) Publish(ctx context.Context, m *broker.Message) (*broker.PubAck, error) {
	p.Lock()
	defer p.Unlock()
	if err, ok := p.errors[m.DedupID]; ok {
		return nil, err
	}

	if p.nilAcks[m.DedupID] {
		return nil, nil
	}

	p.publishedMessages = append(p.publishedMessages, m)

	return &broker.PubAck{
		Stream:    "ENTITLEMENT_EVENTS",
		Sequence:  uint64(len(p.publishedMessages)),
		Duplicate: p.duplicates[m.DedupID],
	}, nil
}

// PublishedMessage returns the message published with the given dedup id.
func (p *mockPublisher) PublishedMessage(dedupID string) (*broker.Message, bool) {
	p.RLock()
	defer p.RUnlock()
	for _, m := range p.publishedMessages {
		if m.DedupID == dedupID {
			return m, true
		}
	}

	return nil, false
}

func (p *mockPublisher) PublishedCount() int {
	p.RLock()
	defer p.RUnlock()

	return len(p.publishedMessages)
}

func (p *mockPublisher) ErrorForMessage(dedupID string) {
	p.Lock()
	defer p.Unlock()
	p.errors[dedupID] = errors.New("nats: timeout")
}

func (p *mockPublisher) NilAckForMessage(dedupID string) {
	p.Lock()
	defer p.Unlock()
	p.nilAcks[dedupID] = true
}

func (p *mockPublisher) DuplicateForMessage(dedupID string) {
	p.Lock()
	defer p.Unlock()
	p.duplicates[dedupID] = true
}

func (p *mockPublisher) Close() error {
	p.Lock()
	defer p.Unlock()
	p.closed = true

	return nil
}

func (p *mockPublisher) WasClosed() bool {
	p.RLock()
	defer p.RUnlock()

	return p.closed
}
