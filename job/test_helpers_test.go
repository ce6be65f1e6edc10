package job

import (
	"context"
	"sync"
	"time"
)

type fakeDeleter struct {
	sync.Mutex
	rows         int64
	stale        uint
	staleErr     error
	at           time.Time
	calls        int
	countedStale bool
}

func (d *fakeDeleter) delete(at time.Time) (int64, error) {
	d.Lock()
	defer d.Unlock()
	d.at = at
	d.calls++
	return d.rows, nil
}

func (d *fakeDeleter) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return d.delete(now)
}

func (d *fakeDeleter) DeleteBefore(_ context.Context, olderThan time.Time) (int64, error) {
	return d.delete(olderThan)
}

func (d *fakeDeleter) DeleteResolved(_ context.Context, olderThan time.Time) (int64, error) {
	return d.delete(olderThan)
}

func (d *fakeDeleter) CountStale(context.Context, time.Time) (uint, error) {
	d.Lock()
	defer d.Unlock()
	d.countedStale = true
	return d.stale, d.staleErr
}

func (d *fakeDeleter) callCount() int {
	d.Lock()
	defer d.Unlock()
	return d.calls
}
