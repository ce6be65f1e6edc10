package jetstream

import (
	"context"
	"testing"

	"inviqa/entitlement-pipeline/broker"

	"github.com/sirupsen/logrus"
)

func TestSubscriber_SettleMapsOutcomes(t *testing.T) {
	tests := []struct {
		name                       string
		outcome                    broker.Outcome
		expAcks, expNaks, expTerms int
	}{
		{"ack", broker.Ack, 1, 0, 0},
		{"nak", broker.Nak, 0, 1, 0},
		{"term", broker.Term, 0, 0, 1},
		{"unknown outcomes are redelivered", broker.Outcome(9), 0, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []byte
			h := broker.HandlerFunc(func(ctx context.Context, raw []byte) broker.Outcome {
				got = raw
				return tt.outcome
			})
			s := NewSubscriber(newFakeJetStream(), "entitlement.events", "ENTITLEMENT_EVENTS", "notification-entitlement", h)

			m := &fakeMsg{}
			s.settle(context.Background(), []byte(`{"event_id":"e-1"}`), m, logrus.Fields{})

			if string(got) != `{"event_id":"e-1"}` {
				t.Errorf("handler received %q", got)
			}
			if m.acks != tt.expAcks || m.naks != tt.expNaks || m.terms != tt.expTerms {
				t.Errorf("expected ack/nak/term %d/%d/%d, got %d/%d/%d",
					tt.expAcks, tt.expNaks, tt.expTerms, m.acks, m.naks, m.terms)
			}
		})
	}
}

func TestSubscriber_SettleSurvivesSettleErrors(t *testing.T) {
	h := broker.HandlerFunc(func(ctx context.Context, raw []byte) broker.Outcome { return broker.Ack })
	s := NewSubscriber(newFakeJetStream(), "entitlement.events", "ENTITLEMENT_EVENTS", "notification-entitlement", h)

	m := &fakeMsg{err: errOops}
	s.settle(context.Background(), nil, m, logrus.Fields{})

	if m.acks != 1 {
		t.Errorf("expected one ack attempt, got %d", m.acks)
	}
}

func TestSubscriber_StartAndStop(t *testing.T) {
	js := newFakeJetStream()
	h := broker.HandlerFunc(func(ctx context.Context, raw []byte) broker.Outcome { return broker.Ack })
	s := NewSubscriber(js, "entitlement.events", "ENTITLEMENT_EVENTS", "notification-entitlement", h)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(js.subscribed) != 1 || js.subscribed[0] != "entitlement.events|notification-entitlement" {
		t.Errorf("expected a single queue subscription, got %v", js.subscribed)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if s.ctx.Err() == nil {
		t.Error("expected the subscriber context to be cancelled")
	}
	if err := s.Start(context.Background()); err != broker.ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestSubscriber_StartFailureCanBeRetried(t *testing.T) {
	js := newFakeJetStream()
	js.subscribeErr = errOops
	h := broker.HandlerFunc(func(ctx context.Context, raw []byte) broker.Outcome { return broker.Ack })
	s := NewSubscriber(js, "entitlement.events", "ENTITLEMENT_EVENTS", "notification-entitlement", h)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected an error but got nil")
	}

	js.subscribeErr = nil
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if s.lifecycle.State() != broker.Running {
		t.Errorf("expected the subscriber to be running, got %s", s.lifecycle.State())
	}
}
