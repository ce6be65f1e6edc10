package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"inviqa/entitlement-pipeline/backoff"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/notification"
	"inviqa/entitlement-pipeline/notification/test"

	"github.com/go-test/deep"
	"github.com/google/uuid"
)

var (
	now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	testOptions = Options{
		MaxAttempts:           3,
		ErrorMessageMaxLength: 30,
		Backoff: backoff.Policy{
			Base:      time.Second,
			Max:       time.Minute,
			Exponent:  2,
			JitterMin: 1,
			JitterMax: 1,
			Min:       500 * time.Millisecond,
		},
	}
)

func TestWorker_Deliver(t *testing.T) {
	st := test.NewMockStore()
	s := test.NewMockSender()
	w := NewWorker(st, s, clock.Fixed(now), testOptions, nil)

	n1, n2 := newNotification("U1", 0), newNotification("U2", 1)
	w.Deliver(context.Background(), newBatch(n1, n2))

	if !st.WasSent(n1) || !st.WasSent(n2) {
		t.Error("expected every notification of the batch to be marked as sent")
	}
	if s.SentCount() != 2 {
		t.Errorf("expected 2 notifications to be sent, got %d", s.SentCount())
	}
}

func TestWorker_DeliverSchedulesRetry(t *testing.T) {
	st := test.NewMockStore()
	s := test.NewMockSender()
	w := NewWorker(st, s, clock.Fixed(now), testOptions, nil)

	n1, n2 := newNotification("U1", 1), newNotification("U2", 0)
	s.ErrorFor(n1, "smtp: connection refused")

	w.Deliver(context.Background(), newBatch(n1, n2))

	res, ok := st.RetryFor(n1)
	if !ok {
		t.Fatal("expected a retry to be scheduled")
	}

	exp := notification.Resolution{
		Status:       notification.StatusPending,
		AttemptCount: 2,
		LastError:    "smtp: connection refused",
	}
	exp.NextRetryAt.Time = now.Add(2 * time.Second)
	exp.NextRetryAt.Valid = true

	if diff := deep.Equal(exp, res); diff != nil {
		t.Error(diff)
	}

	if !st.WasSent(n2) {
		t.Error("expected the failure of one notification not to stop the rest of the batch")
	}
}

func TestWorker_DeliverDeadLettersOnLastAttempt(t *testing.T) {
	st := test.NewMockStore()
	s := test.NewMockSender()
	w := NewWorker(st, s, clock.Fixed(now), testOptions, nil)

	n := newNotification("U1", 2)
	s.ErrorFor(n, strings.Repeat("x", 40))

	w.Deliver(context.Background(), newBatch(n))

	res, dl, ok := st.FailureFor(n)
	if !ok {
		t.Fatal("expected the notification to be dead-lettered")
	}
	if res.Status != notification.StatusFailed || res.AttemptCount != 3 || res.NextRetryAt.Valid {
		t.Errorf("unexpected resolution %+v", res)
	}
	if _, retried := st.RetryFor(n); retried {
		t.Error("expected no retry for a dead-lettered notification")
	}

	if dl.NotificationId != n.Id || dl.EventId != n.EventId || string(dl.Payload) != string(n.Payload) {
		t.Errorf("dead letter does not describe the notification: %+v", dl)
	}
	if dl.ErrorMessage != strings.Repeat("x", 30) {
		t.Errorf("expected the error message to be truncated, got %q", dl.ErrorMessage)
	}
	if !dl.CreatedAt.Equal(now) {
		t.Errorf("expected the dead letter to be created at %s, got %s", now, dl.CreatedAt)
	}
}

func TestWorker_DeliverToleratesLostLeases(t *testing.T) {
	st := test.NewMockStore()
	s := test.NewMockSender()
	w := NewWorker(st, s, clock.Fixed(now), testOptions, nil)

	sent, retried, failed := newNotification("U1", 0), newNotification("U2", 0), newNotification("U3", 2)
	rest := newNotification("U4", 0)
	for _, n := range []*notification.Notification{sent, retried, failed} {
		st.LoseLease(n)
	}
	s.ErrorFor(retried, "oops")
	s.ErrorFor(failed, "oops")

	w.Deliver(context.Background(), newBatch(sent, retried, failed, rest))

	if st.WasSent(sent) {
		t.Error("expected the sent notification with a lost lease not to be marked")
	}
	if _, ok := st.RetryFor(retried); ok {
		t.Error("expected the retry with a lost lease not to be recorded")
	}
	if _, _, ok := st.FailureFor(failed); ok {
		t.Error("expected the dead letter with a lost lease not to be recorded")
	}
	if !st.WasSent(rest) {
		t.Error("expected the rest of the batch to be delivered")
	}
}

func TestWorker_DeliverContinuesOnStoreErrors(t *testing.T) {
	st := test.NewMockStore()
	st.ReturnErrors()
	s := test.NewMockSender()
	w := NewWorker(st, s, clock.Fixed(now), testOptions, nil)

	w.Deliver(context.Background(), newBatch(newNotification("U1", 0), newNotification("U2", 0)))

	if s.SentCount() != 2 {
		t.Errorf("expected both notifications to be sent, got %d", s.SentCount())
	}
}

func TestWorker_ListenAndProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := test.NewMockStore()
	w := NewWorker(st, test.NewMockSender(), clock.Fixed(now), testOptions, nil)
	ch := make(chan *notification.Batch)
	go w.ListenAndProcess(ctx, ch, make(chan struct{}, 8))

	b := newBatch(newNotification("U1", 0))
	ch <- nil
	ch <- &notification.Batch{Id: uuid.New()}
	ch <- b

	deadline := time.Now().Add(time.Second)
	for !st.WasSent(b.Notifications[0]) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !st.WasSent(b.Notifications[0]) {
		t.Error("expected the batch to be delivered")
	}
}

func TestWorker_WithFailureInjectingSender(t *testing.T) {
	st := test.NewMockStore()
	s := notification.NewSender("ci-fail-")
	w := NewWorker(st, s, clock.Fixed(now), testOptions, nil)

	ok, failing := newNotification("U1", 0), newNotification("ci-fail-U2", 0)
	w.Deliver(context.Background(), newBatch(ok, failing))

	if !st.WasSent(ok) {
		t.Error("expected the regular notification to be sent")
	}

	res, retried := st.RetryFor(failing)
	if !retried {
		t.Fatal("expected the injected failure to schedule a retry")
	}
	if !strings.HasPrefix(res.LastError, "notification delivery failure") {
		t.Errorf("unexpected last error %q", res.LastError)
	}
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		max  int
		exp  string
	}{
		{"nil error", nil, 10, "unknown error"},
		{"empty message", errors.New(""), 10, "unknown error"},
		{"no limit", errors.New("oops"), 0, "oops"},
		{"long message", errors.New("abcdefghij"), 4, "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateError(tt.err, tt.max); got != tt.exp {
				t.Errorf("expected %q, got %q", tt.exp, got)
			}
		})
	}
}

func newBatch(ns ...*notification.Notification) *notification.Batch {
	return &notification.Batch{
		Id:            uuid.New(),
		LockedBy:      "worker-1",
		Notifications: ns,
	}
}

func newNotification(user string, attempts int) *notification.Notification {
	return &notification.Notification{
		Id:           uuid.New(),
		EventId:      uuid.New(),
		UserId:       user,
		Type:         "EntitlementGranted",
		OccurredAt:   now.Add(-time.Minute),
		Payload:      []byte(`{"user_id":"` + user + `"}`),
		Status:       notification.StatusProcessing,
		AttemptCount: attempts,
		CreatedAt:    now.Add(-time.Minute),
	}
}
