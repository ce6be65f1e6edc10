package prometheus

import (
	"context"
	"testing"
	"time"

	"inviqa/entitlement-pipeline/outbox/test"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTotalSize(t *testing.T) {
	repo1 := test.NewMockRepository()
	repo1.SetTotalSize(76)
	repo2 := test.NewMockRepository()
	repo2.SetTotalSize(10)

	ctx, cancel := context.WithCancel(context.Background())
	go ObserveTotalSize(ctx, []TotalSizer{repo1, repo2})
	time.Sleep(time.Millisecond * 100)
	cancel()

	actual := testutil.ToFloat64(totalSize)
	if actual != 86.00 {
		t.Errorf("expected totalSize to be 86.000000, but got %f", actual)
	}
}

func TestObserveTotalSize_WithRepositoryError(t *testing.T) {
	totalSize.Set(0.0)
	repo := test.NewMockRepository()
	repo.ReturnErrors()

	ctx, cancel := context.WithCancel(context.Background())
	go ObserveTotalSize(ctx, []TotalSizer{repo})
	time.Sleep(time.Millisecond * 100)
	cancel()

	actual := testutil.ToFloat64(totalSize)
	if actual != 0.00 {
		t.Errorf("expected totalSize to be 0.000000, but got %f", actual)
	}
}
