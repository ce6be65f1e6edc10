//go:build integration
// +build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/data"
	"inviqa/entitlement-pipeline/entitlement"
	h "inviqa/entitlement-pipeline/integration/http"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/notification"
	"inviqa/entitlement-pipeline/notification/consumer"
	"inviqa/entitlement-pipeline/notification/delivery"
	"inviqa/entitlement-pipeline/outbox"
	"inviqa/entitlement-pipeline/outbox/publisher"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	failingUserPrefix = "fail-"
	dbUser            = "pipeline"
	dbPassword        = "pipeline"
	dbName            = "pipeline"
)

var (
	cfg       *config.Config
	db        *sql.DB
	server    *httptest.Server
	bus       *loopback
	repo      outbox.Repository
	processor entitlement.Processor
	outboxPub publisher.BatchPublisher
	store     notification.Store
	ledger    notification.ProcessedEventLedger
	handler   *consumer.Handler
	worker    delivery.Worker
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	server = httptest.NewServer(h.GetHttpTestHandlerFunc())

	container, host, port, err := startPostgres(ctx)
	if err != nil {
		fmt.Printf("skipping integration tests, postgres container could not be started: %s\n", err)
		os.Exit(0)
	}

	cfg = newTestConfig(host, port)
	var closeDB func()
	db, closeDB = data.NewDB(cfg)
	setupPipeline()

	code := m.Run()

	closeDB()
	server.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Logger.WithError(err).Error("could not terminate the postgres container")
	}
	os.Exit(code)
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, uint32, error) {
	port := nat.Port("5432/tcp")
	dsn := func(host string, port nat.Port) string {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPassword, host, port.Port(), dbName)
	}

	return startContainer(ctx, port, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     dbUser,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForSQL(port, "pgx", dsn).WithStartupTimeout(2 * time.Minute),
	})
}

// startContainer starts req and returns the host and mapped port to reach
// it on.
func startContainer(ctx context.Context, port nat.Port, req testcontainers.ContainerRequest) (testcontainers.Container, string, uint32, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", 0, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", 0, err
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", 0, err
	}
	p, err := strconv.ParseUint(mapped.Port(), 10, 32)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", 0, err
	}

	return container, host, uint32(p), nil
}

func newTestConfig(host string, port uint32) *config.Config {
	return &config.Config{
		Role:     config.RoleEntitlement,
		DBHost:   host,
		DBPort:   port,
		DBUser:   dbUser,
		DBPass:   dbPassword,
		DBSchema: dbName,
		DBDriver: config.Postgres,

		Subject:  "entitlement.events",
		WorkerID: "integration-worker",

		OutboxBatchSize:        50,
		OutboxMaxAttempts:      3,
		OutboxLease:            30 * time.Second,
		OutboxBackoffBase:      time.Second,
		OutboxBackoffMax:       time.Minute,
		OutboxBackoffExponent:  2,
		OutboxBackoffJitterMin: 1,
		OutboxBackoffJitterMax: 1,
		OutboxBackoffMin:       time.Second,

		DeliveryBatchSize:        50,
		DeliveryMaxAttempts:      2,
		DeliveryLease:            30 * time.Second,
		DeliveryBackoffBase:      time.Second,
		DeliveryBackoffMax:       time.Minute,
		DeliveryBackoffExponent:  2,
		DeliveryBackoffJitterMin: 1,
		DeliveryBackoffJitterMax: 1,
		DeliveryBackoffMin:       time.Second,

		ErrorMessageMaxLength:      200,
		FailureInjectionUserPrefix: failingUserPrefix,

		IdempotencyTTL:          24 * time.Hour,
		PublishedRetention:      time.Hour,
		ProcessedEventRetention: time.Hour,
		NotificationRetention:   time.Hour,

		SidecarProxyUrl: server.URL,
	}
}

func setupPipeline() {
	bus = &loopback{}
	repo = outbox.NewRepository(db, cfg)
	processor = entitlement.NewProcessor(db, cfg, repo)
	outboxPub = publisher.NewBatchPublisher(repo, bus, clock.System{}, publisher.OptionsFromConfig(cfg), nil)

	store = notification.NewStore(db, cfg)
	ledger = notification.NewProcessedEventLedger(db, cfg.DBDriver)
	handler = consumer.NewHandler(db, ledger, store, clock.System{})
	worker = delivery.NewWorker(store, notification.NewSender(cfg.FailureInjectionUserPrefix), clock.System{}, delivery.OptionsFromConfig(cfg), nil)
}

// loopback is an in-memory broker that keeps every published message so a
// test can hand them to the consumer, as many times as it likes.
type loopback struct {
	sync.Mutex
	msgs []*broker.Message
	seq  uint64
}

func (l *loopback) Publish(_ context.Context, m *broker.Message) (*broker.PubAck, error) {
	l.Lock()
	defer l.Unlock()
	l.msgs = append(l.msgs, m)
	l.seq++

	return &broker.PubAck{Stream: "loopback", Sequence: l.seq}, nil
}

func (l *loopback) Close() error {
	return nil
}

func (l *loopback) drain() []*broker.Message {
	l.Lock()
	defer l.Unlock()
	msgs := l.msgs
	l.msgs = nil

	return msgs
}

func grant(key, userID, sku string) (int, []byte) {
	body := fmt.Sprintf(`{"user_id":%q,"stock_keeping_unit":%q,"reason":"purchase","purchase_id":"p-1"}`, userID, sku)
	return processor.Execute(context.Background(), "grant", key, []byte(body))
}

func revoke(key, userID, sku string) (int, []byte) {
	body := fmt.Sprintf(`{"user_id":%q,"stock_keeping_unit":%q,"reason":"refund","purchase_id":"p-1"}`, userID, sku)
	return processor.Execute(context.Background(), "revoke", key, []byte(body))
}

// publishOutbox claims and publishes every claimable outbox event.
func publishOutbox() {
	ctx := context.Background()
	for {
		b, err := repo.GetBatch(ctx, time.Now())
		if err != nil {
			return
		}
		outboxPub.Publish(ctx, b)
	}
}

// consume hands the messages to the consumer and returns the outcomes.
func consume(msgs []*broker.Message) []broker.Outcome {
	var outcomes []broker.Outcome
	for _, m := range msgs {
		outcomes = append(outcomes, handler.Handle(context.Background(), m.Payload))
	}

	return outcomes
}

// deliverAt claims and delivers every notification that is due at now.
func deliverAt(now time.Time) {
	ctx := context.Background()
	for {
		b, err := store.GetBatch(ctx, now)
		if err != nil {
			return
		}
		worker.Deliver(ctx, b)
	}
}
