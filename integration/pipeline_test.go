//go:build integration
// +build integration

package integration

import (
	"net/http"
	"testing"
	"time"

	"inviqa/entitlement-pipeline/broker"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGrantIsPublishedConsumedAndDelivered(t *testing.T) {
	Convey("Given an entitlement is granted", t, func() {
		purgeTables()
		code, _ := grant("key-delivered", "user-1", "sku-1")
		So(code, ShouldEqual, http.StatusOK)
		So(countRows("outbox_events", "status = 'PENDING'"), ShouldEqual, 1)

		Convey("When the outbox publisher polls the database", func() {
			publishOutbox()
			msgs := bus.drain()

			Convey("Then the event should have been published once and marked as published", func() {
				So(msgs, ShouldHaveLength, 1)
				So(msgs[0].Headers[broker.HeaderEventType], ShouldEqual, "EntitlementGranted")
				So(msgs[0].DedupID, ShouldNotBeEmpty)
				So(countRows("outbox_events", "status = 'PUBLISHED' AND published_at IS NOT NULL"), ShouldEqual, 1)

				Convey("And consuming it should stage exactly one pending notification", func() {
					So(consume(msgs), ShouldResemble, []broker.Outcome{broker.Ack})
					So(countRows("processed_events", ""), ShouldEqual, 1)
					So(notificationFor("user-1").Status, ShouldEqual, "PENDING")

					Convey("And the delivery worker should send it", func() {
						deliverAt(time.Now())

						n := notificationFor("user-1")
						So(n.Status, ShouldEqual, "SENT")
						So(n.AttemptCount, ShouldEqual, 1)
						So(countRows("notification_dlq", ""), ShouldEqual, 0)
					})
				})
			})
		})
	})
}

func TestRedeliveredEventsCreateOneNotification(t *testing.T) {
	Convey("Given a granted entitlement event was published", t, func() {
		purgeTables()
		code, _ := grant("key-redelivered", "user-2", "sku-1")
		So(code, ShouldEqual, http.StatusOK)
		publishOutbox()
		msgs := bus.drain()
		So(msgs, ShouldHaveLength, 1)

		Convey("When the broker delivers the same event three times", func() {
			outcomes := consume([]*broker.Message{msgs[0], msgs[0], msgs[0]})

			Convey("Then every delivery should be acknowledged", func() {
				So(outcomes, ShouldResemble, []broker.Outcome{broker.Ack, broker.Ack, broker.Ack})

				Convey("And only one notification should exist for the event", func() {
					So(countRows("notifications", "user_id = $1", "user-2"), ShouldEqual, 1)
					So(countRows("processed_events", ""), ShouldEqual, 1)
				})
			})
		})
	})
}

func TestReplayedCommandsReturnTheStoredResponse(t *testing.T) {
	Convey("Given a grant was applied under an idempotency key", t, func() {
		purgeTables()
		code, body := grant("key-replayed", "user-3", "sku-1")
		So(code, ShouldEqual, http.StatusOK)

		Convey("When the same request is sent again with the same key", func() {
			replayCode, replayBody := grant("key-replayed", "user-3", "sku-1")

			Convey("Then the stored response should be returned without a second event", func() {
				So(replayCode, ShouldEqual, code)
				So(string(replayBody), ShouldEqual, string(body))
				So(countRows("outbox_events", ""), ShouldEqual, 1)
				So(countRows("entitlement_audit", ""), ShouldEqual, 1)
			})
		})

		Convey("When a different request is sent with the same key", func() {
			conflictCode, conflictBody := grant("key-replayed", "user-3", "sku-2")

			Convey("Then it should be rejected as an idempotency key conflict", func() {
				So(conflictCode, ShouldEqual, http.StatusConflict)
				So(string(conflictBody), ShouldContainSubstring, "IDEMPOTENCY_KEY_CONFLICT")
				So(countRows("outbox_events", ""), ShouldEqual, 1)
			})
		})

		Convey("When the entitlement is granted again under a new key", func() {
			againCode, againBody := grant("key-granted-again", "user-3", "sku-1")

			Convey("Then it should report a state conflict and stage no event", func() {
				So(againCode, ShouldEqual, http.StatusConflict)
				So(string(againBody), ShouldContainSubstring, "ENTITLEMENT_STATE_CONFLICT")
				So(countRows("outbox_events", ""), ShouldEqual, 1)
			})
		})
	})
}

func TestGrantThenRevokePublishesBothEventsInOrder(t *testing.T) {
	Convey("Given an entitlement is granted and then revoked", t, func() {
		purgeTables()
		code, _ := grant("key-order-grant", "user-4", "sku-1")
		So(code, ShouldEqual, http.StatusOK)
		code, _ = revoke("key-order-revoke", "user-4", "sku-1")
		So(code, ShouldEqual, http.StatusOK)

		Convey("When the outbox publisher polls the database", func() {
			publishOutbox()
			msgs := bus.drain()

			Convey("Then both events should be published with the same aggregate key", func() {
				So(msgs, ShouldHaveLength, 2)
				So(msgs[0].Headers[broker.HeaderEventType], ShouldEqual, "EntitlementGranted")
				So(msgs[1].Headers[broker.HeaderEventType], ShouldEqual, "EntitlementRevoked")
				So(msgs[0].Key, ShouldEqual, msgs[1].Key)

				Convey("And consuming them should stage two notifications", func() {
					So(consume(msgs), ShouldResemble, []broker.Outcome{broker.Ack, broker.Ack})
					So(countRows("notifications", "user_id = $1", "user-4"), ShouldEqual, 2)
				})
			})
		})
	})
}

func TestFailingDeliveriesAreDeadLettered(t *testing.T) {
	Convey("Given a notification for a user whose deliveries always fail", t, func() {
		purgeTables()
		userID := failingUserPrefix + "user-5"
		code, _ := grant("key-failing", userID, "sku-1")
		So(code, ShouldEqual, http.StatusOK)
		publishOutbox()
		So(consume(bus.drain()), ShouldResemble, []broker.Outcome{broker.Ack})

		Convey("When the first delivery attempt fails", func() {
			deliverAt(time.Now())

			Convey("Then it should be scheduled for a retry", func() {
				n := notificationFor(userID)
				So(n.Status, ShouldEqual, "PENDING")
				So(n.AttemptCount, ShouldEqual, 1)
				So(n.LastError, ShouldNotBeNil)
				So(*n.LastError, ShouldContainSubstring, "failure injection")
				So(countRows("notifications", "user_id = $1 AND next_retry_at > now()", userID), ShouldEqual, 1)

				Convey("And once the attempts are exhausted it should fail into the dead letter queue", func() {
					deliverAt(time.Now().Add(time.Hour))

					n := notificationFor(userID)
					So(n.Status, ShouldEqual, "FAILED")
					So(n.AttemptCount, ShouldEqual, 2)
					So(countRows("notification_dlq", ""), ShouldEqual, 1)
				})
			})
		})
	})
}

func TestMalformedEventsAreTerminated(t *testing.T) {
	Convey("Given an event payload that cannot be parsed", t, func() {
		purgeTables()
		msgs := []*broker.Message{{Payload: []byte(`{"event_type":"EntitlementGranted"`)}}

		Convey("When it is consumed", func() {
			outcomes := consume(msgs)

			Convey("Then it should be terminated without any side effects", func() {
				So(outcomes, ShouldResemble, []broker.Outcome{broker.Term})
				So(countRows("processed_events", ""), ShouldEqual, 0)
				So(countRows("notifications", ""), ShouldEqual, 0)
			})
		})
	})
}
