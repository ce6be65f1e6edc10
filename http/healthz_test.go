package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"inviqa/entitlement-pipeline/broker"
)

func TestHealthzHandler_ServeHTTP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen for the dependency: %s", err)
	}
	defer ln.Close()
	reachable := ln.Addr().String()

	running := &fakeSubscriber{state: broker.Running}
	stopped := &fakeSubscriber{state: broker.Stopped}
	notStarted := &fakeSubscriber{state: broker.NotStarted}

	tests := []struct {
		name         string
		url          string
		dependencies []string
		dbErr        error
		readiness    []Readiness
		want         int
	}{
		{"liveness with a reachable database", "/healthz", nil, nil, nil, http.StatusOK},
		{"liveness when the database ping fails", "/healthz", nil, errors.New("connection refused"), nil, http.StatusServiceUnavailable},
		{"liveness ignores stopped subscribers", "/healthz", nil, nil, []Readiness{SubscribersRunning(stopped)}, http.StatusOK},
		{"readiness with everything up", "/healthz?readiness=1", []string{reachable}, nil, []Readiness{SubscribersRunning(running)}, http.StatusOK},
		{"readiness when the database ping fails", "/healthz?readiness=1", []string{reachable}, errors.New("connection refused"), nil, http.StatusServiceUnavailable},
		{"readiness when a dependency cannot be dialled", "/healthz?readiness=1", []string{reachable, "127.0.0.1:1"}, nil, nil, http.StatusServiceUnavailable},
		{"readiness when a subscriber was stopped", "/healthz?readiness=1", []string{reachable}, nil, []Readiness{SubscribersRunning(running, stopped)}, http.StatusServiceUnavailable},
		{"readiness before the subscriber has started", "/healthz?readiness=1", nil, nil, []Readiness{SubscribersRunning(notStarted)}, http.StatusServiceUnavailable},
		{"readiness when a custom check fails", "/healthz?readiness=1", nil, nil, []Readiness{{Name: "publisher", Ready: func() bool { return false }}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h := NewHealthzHandler(tt.dependencies, &mockPinger{err: tt.dbErr}, tt.readiness...)
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if rec.Code != tt.want {
				t.Errorf("expected %d response code, but got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestSubscribersRunning_WithNoSubscribers(t *testing.T) {
	if !SubscribersRunning().Ready() {
		t.Error("expected an empty subscriber list to be ready")
	}
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping() error {
	return m.err
}

type fakeSubscriber struct {
	state broker.State
}

func (f *fakeSubscriber) Start(context.Context) error { return nil }
func (f *fakeSubscriber) Stop() error                 { return nil }
func (f *fakeSubscriber) State() broker.State         { return f.state }
