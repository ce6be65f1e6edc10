//go:build integration
// +build integration

package integration

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var pipelineTables = []string{
	"entitlements",
	"entitlement_audit",
	"idempotency_keys",
	"outbox_events",
	"processed_events",
	"notifications",
	"notification_dlq",
	"broker_dead_letters",
}

func purgeTables() {
	for _, t := range pipelineTables {
		if _, err := db.Exec(fmt.Sprintf("TRUNCATE TABLE %s;", t)); err != nil {
			panic(fmt.Sprintf("an error occurred cleaning the %s table for tests: %s", t, err))
		}
	}
	bus.drain()
}

func countRows(table, where string, args ...interface{}) int {
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		q += " WHERE " + where
	}

	var count int
	if err := db.QueryRow(q, args...).Scan(&count); err != nil {
		panic(fmt.Sprintf("an error occurred counting rows in %s: %s", table, err))
	}

	return count
}

type notificationRow struct {
	Status       string
	AttemptCount int
	LastError    *string
}

func notificationFor(userID string) notificationRow {
	var r notificationRow
	err := db.QueryRow("SELECT status, attempt_count, last_error FROM notifications WHERE user_id = $1", userID).
		Scan(&r.Status, &r.AttemptCount, &r.LastError)
	if err != nil {
		panic(fmt.Sprintf("no notification found for user %s: %s", userID, err))
	}

	return r
}

func insertPublishedEvent(publishedAt time.Time) uuid.UUID {
	id := uuid.New()
	_, err := db.Exec(`INSERT INTO outbox_events (event_id, event_type, aggregate_key, payload, status, attempt_count, created_at, published_at)
		VALUES ($1, 'EntitlementGranted', 'user-1:sku-1', '{}', 'PUBLISHED', 1, $2, $2)`, id, publishedAt)
	if err != nil {
		panic(fmt.Sprintf("failed to insert a published outbox event: %s", err))
	}

	return id
}

func insertIdempotencyKey(key string, expiresAt time.Time) {
	_, err := db.Exec(`INSERT INTO idempotency_keys (idem_key, request_hash, response_code, response_body, expires_at, created_at)
		VALUES ($1, $2, 200, '{}', $3, $4)`, key, fmt.Sprintf("%064d", 0), expiresAt, expiresAt.Add(-24*time.Hour))
	if err != nil {
		panic(fmt.Sprintf("failed to insert an idempotency key: %s", err))
	}
}

func insertProcessedEvent(processedAt time.Time) uuid.UUID {
	id := uuid.New()
	if _, err := db.Exec("INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2)", id, processedAt); err != nil {
		panic(fmt.Sprintf("failed to insert a processed event: %s", err))
	}

	return id
}
