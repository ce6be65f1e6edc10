package broker

import (
	"sync"

	"github.com/pkg/errors"
)

type State int

const (
	NotStarted State = iota
	Running
	Stopped
)

var ErrStopped = errors.New("broker: subscriber was stopped and cannot be restarted")

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}

	return "unknown"
}

// Lifecycle guards a subscriber's start and stop transitions. Both are
// idempotent; a failed start leaves the lifecycle NotStarted so it can be
// retried.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// Start runs fn when moving from NotStarted to Running. Calling it while
// Running is a no-op.
func (l *Lifecycle) Start(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Running:
		return nil
	case Stopped:
		return ErrStopped
	}

	if err := fn(); err != nil {
		return err
	}
	l.state = Running

	return nil
}

// Stop runs fn when moving from Running to Stopped. Stopping a lifecycle that
// never started only marks it Stopped.
func (l *Lifecycle) Stop(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	l.state = Stopped
	if prev != Running {
		return nil
	}

	return fn()
}
