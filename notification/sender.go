package notification

import (
	"context"
	"strings"

	"inviqa/entitlement-pipeline/log"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sender hands one notification to the end-user channel.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// LocalSender only logs the notification.
type LocalSender struct{}

func (LocalSender) Send(_ context.Context, n *Notification) error {
	log.Logger.WithFields(logrus.Fields{
		"notification_id": n.Id,
		"event_id":        n.EventId,
		"user_id":         n.UserId,
		"type":            n.Type,
	}).Info("sent notification")

	return nil
}

// FailureInjectingSender fails every notification whose user id starts with
// Prefix and hands the rest to Next.
type FailureInjectingSender struct {
	Prefix string
	Next   Sender
}

func NewSender(failurePrefix string) Sender {
	if failurePrefix == "" {
		return LocalSender{}
	}

	return FailureInjectingSender{Prefix: failurePrefix, Next: LocalSender{}}
}

func (s FailureInjectingSender) Send(ctx context.Context, n *Notification) error {
	if s.Prefix != "" && strings.HasPrefix(n.UserId, s.Prefix) {
		return errors.Errorf("notification delivery failure injection matched userId=%s", n.UserId)
	}

	return s.Next.Send(ctx, n)
}
