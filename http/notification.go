package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"inviqa/entitlement-pipeline/entitlement"
	"inviqa/entitlement-pipeline/notification"
)

type notificationLister interface {
	ListByUser(ctx context.Context, userID string) ([]*notification.Notification, error)
}

type NotificationView struct {
	NotificationID string     `json:"notification_id"`
	EventID        string     `json:"event_id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	OccurredAt     time.Time  `json:"occurred_at"`
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

type NotificationList struct {
	UserID        string             `json:"user_id"`
	Notifications []NotificationView `json:"notifications"`
}

// NotificationRoutes registers the read endpoint of the notification role.
func NotificationRoutes(l notificationLister) func(mux *http.ServeMux) {
	return func(mux *http.ServeMux) {
		mux.HandleFunc("GET /v1/users/{user_id}/notifications", func(w http.ResponseWriter, req *http.Request) {
			userID := req.PathValue("user_id")
			if strings.TrimSpace(userID) == "" {
				writeJSON(w, http.StatusBadRequest, entitlement.ErrorResponse{Code: entitlement.CodeBadRequest, Message: "user_id is required"})
				return
			}

			ns, err := l.ListByUser(req.Context(), userID)
			if err != nil {
				writeError(w, err)
				return
			}

			list := NotificationList{UserID: userID, Notifications: []NotificationView{}}
			for _, n := range ns {
				list.Notifications = append(list.Notifications, view(n))
			}

			writeJSON(w, http.StatusOK, list)
		})
	}
}

func view(n *notification.Notification) NotificationView {
	v := NotificationView{
		NotificationID: n.Id.String(),
		EventID:        n.EventId.String(),
		Type:           n.Type,
		Status:         n.Status.String(),
		AttemptCount:   n.AttemptCount,
		OccurredAt:     n.OccurredAt.UTC(),
		CreatedAt:      n.CreatedAt.UTC(),
		LastError:      n.LastError.String,
	}
	if n.SentAt.Valid {
		sentAt := n.SentAt.Time.UTC()
		v.SentAt = &sentAt
	}

	return v
}
