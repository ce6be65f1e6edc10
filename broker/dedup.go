package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "broker:dedup:"

// DedupWindow remembers which message ids were already settled within a
// time window, for transports that have no broker-side duplicate detection.
type DedupWindow interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// RedisDedupWindow keeps one expiring key per settled message id. An id is
// only marked once its delivery was settled, so a consumer that crashes
// mid-handling still sees the redelivery.
type RedisDedupWindow struct {
	client redis.Cmdable
	window time.Duration
	prefix string
}

func NewRedisDedupWindow(client redis.Cmdable, window time.Duration, namespace string) *RedisDedupWindow {
	return &RedisDedupWindow{
		client: client,
		window: window,
		prefix: dedupKeyPrefix + namespace + ":",
	}
}

func (w *RedisDedupWindow) Seen(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}

	n, err := w.client.Exists(ctx, w.prefix+id).Result()
	if err != nil {
		return false, errors.Wrapf(err, "broker: error checking dedup window for %s", id)
	}

	return n > 0, nil
}

func (w *RedisDedupWindow) Mark(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	if err := w.client.SetNX(ctx, w.prefix+id, time.Now().UTC().Format(time.RFC3339Nano), w.window).Err(); err != nil {
		return errors.Wrapf(err, "broker: error marking %s in dedup window", id)
	}

	return nil
}

// NewRedisClient connects to addr and pings it before returning.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "broker: could not reach redis at %s", addr)
	}

	return rdb, nil
}
