package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"inviqa/entitlement-pipeline/backoff"
	"inviqa/entitlement-pipeline/log"

	"github.com/alexflint/go-arg"
)

const (
	MySQL    DbDriver = "mysql"
	Postgres DbDriver = "postgres"

	Kafka     BrokerDriver = "kafka"
	JetStream BrokerDriver = "jetstream"

	RoleEntitlement  Role = "entitlement"
	RoleNotification Role = "notification"

	hostnameEnv     = "HOSTNAME"
	unknownHostname = "unknown-host"
)

type DbDriver string

type BrokerDriver string

// Role selects which half of the pipeline this process runs: the command side
// (idempotent commands + outbox publisher) or the consuming side (event
// consumer + delivery worker).
type Role string

var (
	supportedDbTypes = map[DbDriver]bool{
		Postgres: true,
		MySQL:    true,
	}
	supportedBrokers = map[BrokerDriver]bool{
		Kafka:     true,
		JetStream: true,
	}
	supportedRoles = map[Role]bool{
		RoleEntitlement:  true,
		RoleNotification: true,
	}
)

type Config struct {
	Role           Role     `arg:"--role,env:ROLE,required"`
	SkipMigrations bool     `arg:"--skip-migrations,env:SKIP_MIGRATIONS"`
	DBHost         string   `arg:"--db-host,env:DB_HOST,required"`
	DBPort         uint32   `arg:"--db-port,env:DB_PORT,required"`
	DBUser         string   `arg:"--db-user,env:DB_USER,required"`
	DBPass         string   `arg:"--db-pass,env:DB_PASS,required"`
	DBSchema       string   `arg:"--db-schema,env:DB_SCHEMA,required"`
	DBDriver       DbDriver `arg:"--db-driver,env:DB_DRIVER,required"`

	BrokerDriver      BrokerDriver  `arg:"--broker-driver,env:BROKER_DRIVER"`
	KafkaHost         []string      `arg:"--kafka-host,env:KAFKA_HOST"`
	TLSEnable         bool          `arg:"--kafka-tls,env:TLS_ENABLE"`
	TLSSkipVerifyPeer bool          `arg:"--kafka-tls-verify-peer,env:TLS_SKIP_VERIFY_PEER"`
	NatsURL           string        `arg:"--nats-url,env:NATS_URL"`
	RedisAddr         string        `arg:"--redis-addr,env:REDIS_ADDR"`
	RedisPassword     string        `arg:"--redis-pass,env:REDIS_PASS"`
	Subject           string        `arg:"--subject,env:BROKER_SUBJECT"`
	Stream            string        `arg:"--stream,env:BROKER_STREAM"`
	Durable           string        `arg:"--durable,env:BROKER_DURABLE"`
	AdvisoryStream    string        `arg:"--advisory-stream,env:BROKER_ADVISORY_STREAM"`
	AdvisoryDurable   string        `arg:"--advisory-durable,env:BROKER_ADVISORY_DURABLE"`
	DedupWindow       time.Duration `arg:"--dedup-window,env:BROKER_DEDUP_WINDOW"`
	AckWait           time.Duration `arg:"--ack-wait,env:BROKER_ACK_WAIT"`
	MaxDeliver        int           `arg:"--max-deliver,env:BROKER_MAX_DELIVER"`
	TopicRetention    time.Duration `arg:"--topic-retention,env:BROKER_TOPIC_RETENTION"`
	TopicPartitions   int32         `arg:"--topic-partitions,env:BROKER_TOPIC_PARTITIONS"`
	TopicReplication  int16         `arg:"--topic-replication,env:BROKER_TOPIC_REPLICATION"`

	WorkerID         string `arg:"--worker-id,env:WORKER_ID"`
	WriteConcurrency int    `arg:"--write-concurrency,env:WRITE_CONCURRENCY"`

	OutboxPollInterval     time.Duration `arg:"--outbox-poll-interval,env:OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize        int           `arg:"--outbox-batch-size,env:OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts      int           `arg:"--outbox-max-attempts,env:OUTBOX_MAX_ATTEMPTS"`
	OutboxLease            time.Duration `arg:"--outbox-lease,env:OUTBOX_LEASE"`
	OutboxBackoffBase      time.Duration `arg:"--outbox-backoff-base,env:OUTBOX_BACKOFF_BASE"`
	OutboxBackoffMax       time.Duration `arg:"--outbox-backoff-max,env:OUTBOX_BACKOFF_MAX"`
	OutboxBackoffExponent  float64       `arg:"--outbox-backoff-exponent,env:OUTBOX_BACKOFF_EXPONENT"`
	OutboxBackoffJitterMin float64       `arg:"--outbox-backoff-jitter-min,env:OUTBOX_BACKOFF_JITTER_MIN"`
	OutboxBackoffJitterMax float64       `arg:"--outbox-backoff-jitter-max,env:OUTBOX_BACKOFF_JITTER_MAX"`
	OutboxBackoffMin       time.Duration `arg:"--outbox-backoff-min,env:OUTBOX_BACKOFF_MIN"`

	DeliveryPollInterval     time.Duration `arg:"--delivery-poll-interval,env:DELIVERY_POLL_INTERVAL"`
	DeliveryBatchSize        int           `arg:"--delivery-batch-size,env:DELIVERY_BATCH_SIZE"`
	DeliveryMaxAttempts      int           `arg:"--delivery-max-attempts,env:DELIVERY_MAX_ATTEMPTS"`
	DeliveryLease            time.Duration `arg:"--delivery-lease,env:DELIVERY_LEASE"`
	DeliveryBackoffBase      time.Duration `arg:"--delivery-backoff-base,env:DELIVERY_BACKOFF_BASE"`
	DeliveryBackoffMax       time.Duration `arg:"--delivery-backoff-max,env:DELIVERY_BACKOFF_MAX"`
	DeliveryBackoffExponent  float64       `arg:"--delivery-backoff-exponent,env:DELIVERY_BACKOFF_EXPONENT"`
	DeliveryBackoffJitterMin float64       `arg:"--delivery-backoff-jitter-min,env:DELIVERY_BACKOFF_JITTER_MIN"`
	DeliveryBackoffJitterMax float64       `arg:"--delivery-backoff-jitter-max,env:DELIVERY_BACKOFF_JITTER_MAX"`
	DeliveryBackoffMin       time.Duration `arg:"--delivery-backoff-min,env:DELIVERY_BACKOFF_MIN"`

	ErrorMessageMaxLength      int    `arg:"--error-message-max-length,env:ERROR_MESSAGE_MAX_LENGTH"`
	FailureInjectionUserPrefix string `arg:"--failure-injection-user-prefix,env:FAILURE_INJECTION_USER_PREFIX"`

	IdempotencyTTL          time.Duration `arg:"--idempotency-ttl,env:IDEMPOTENCY_TTL"`
	PublishedRetention      time.Duration `arg:"--published-retention,env:PUBLISHED_RETENTION"`
	ProcessedEventRetention time.Duration `arg:"--processed-event-retention,env:PROCESSED_EVENT_RETENTION"`
	NotificationRetention   time.Duration `arg:"--notification-retention,env:NOTIFICATION_RETENTION"`
	RetentionInterval       time.Duration `arg:"--retention-interval,env:RETENTION_INTERVAL"`

	HTTPAddr        string `arg:"--http-addr,env:HTTP_ADDR"`
	RunCleanup      bool   `arg:"--cleanup,env:RUN_CLEANUP"`
	RunOptimize     bool   `arg:"--optimize,env:RUN_OPTIMIZE"`
	SidecarProxyUrl string `arg:"--sidecar-proxy-url,env:SIDECAR_PROXY_URL"`
}

func NewConfig() (*Config, error) {
	c := newDefaultConfig()
	arg.MustParse(c)

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func newDefaultConfig() *Config {
	return &Config{
		BrokerDriver:     Kafka,
		Subject:          "entitlement.events",
		Stream:           "ENTITLEMENT_EVENTS",
		Durable:          "notification-entitlement",
		AdvisoryStream:   "NOTIFICATION_ADVISORIES",
		AdvisoryDurable:  "notification-advisories",
		DedupWindow:      2 * time.Minute,
		AckWait:          30 * time.Second,
		MaxDeliver:       5,
		TopicRetention:   7 * 24 * time.Hour,
		TopicPartitions:  6,
		TopicReplication: 1,

		WriteConcurrency: 1,

		OutboxPollInterval:     500 * time.Millisecond,
		OutboxBatchSize:        50,
		OutboxMaxAttempts:      10,
		OutboxLease:            30 * time.Second,
		OutboxBackoffBase:      time.Second,
		OutboxBackoffMax:       5 * time.Minute,
		OutboxBackoffExponent:  2,
		OutboxBackoffJitterMin: 0.5,
		OutboxBackoffJitterMax: 1.5,
		OutboxBackoffMin:       500 * time.Millisecond,

		DeliveryPollInterval:     time.Second,
		DeliveryBatchSize:        50,
		DeliveryMaxAttempts:      5,
		DeliveryLease:            30 * time.Second,
		DeliveryBackoffBase:      time.Second,
		DeliveryBackoffMax:       5 * time.Minute,
		DeliveryBackoffExponent:  2,
		DeliveryBackoffJitterMin: 0.5,
		DeliveryBackoffJitterMax: 1.5,
		DeliveryBackoffMin:       500 * time.Millisecond,

		ErrorMessageMaxLength: 500,

		IdempotencyTTL:          24 * time.Hour,
		PublishedRetention:      7 * 24 * time.Hour,
		ProcessedEventRetention: 30 * 24 * time.Hour,
		NotificationRetention:   30 * 24 * time.Hour,
		RetentionInterval:       time.Hour,

		HTTPAddr: ":80",
	}
}

func (c *Config) validate() error {
	if !supportedDbTypes[c.DBDriver] {
		return fmt.Errorf("the DB_DRIVER provided (%s) is not supported", c.DBDriver)
	}

	if !supportedRoles[c.Role] {
		return fmt.Errorf("the ROLE provided (%s) is not supported", c.Role)
	}

	if !supportedBrokers[c.BrokerDriver] {
		return fmt.Errorf("the BROKER_DRIVER provided (%s) is not supported", c.BrokerDriver)
	}

	if c.BrokerDriver == Kafka && len(c.KafkaHost) == 0 {
		return fmt.Errorf("KAFKA_HOST is required when the kafka broker driver is used")
	}

	if c.BrokerDriver == JetStream && c.NatsURL == "" {
		return fmt.Errorf("NATS_URL is required when the jetstream broker driver is used")
	}

	if c.OutboxBatchSize < 1 || c.DeliveryBatchSize < 1 {
		return fmt.Errorf("batch sizes must be at least 1")
	}

	if c.OutboxMaxAttempts < 1 || c.DeliveryMaxAttempts < 1 || c.MaxDeliver < 1 {
		return fmt.Errorf("max attempts and max deliver must be at least 1")
	}

	if c.OutboxLease <= 0 || c.DeliveryLease <= 0 || c.AckWait <= 0 {
		return fmt.Errorf("leases and ack wait must be positive durations")
	}

	if c.ErrorMessageMaxLength < 1 {
		return fmt.Errorf("ERROR_MESSAGE_MAX_LENGTH must be at least 1")
	}

	if err := c.OutboxBackoff().Validate(); err != nil {
		return fmt.Errorf("outbox backoff: %w", err)
	}

	if err := c.DeliveryBackoff().Validate(); err != nil {
		return fmt.Errorf("delivery backoff: %w", err)
	}

	return nil
}

func (c *Config) OutboxBackoff() backoff.Policy {
	return backoff.Policy{
		Base:      c.OutboxBackoffBase,
		Max:       c.OutboxBackoffMax,
		Exponent:  c.OutboxBackoffExponent,
		JitterMin: c.OutboxBackoffJitterMin,
		JitterMax: c.OutboxBackoffJitterMax,
		Min:       c.OutboxBackoffMin,
	}
}

func (c *Config) DeliveryBackoff() backoff.Policy {
	return backoff.Policy{
		Base:      c.DeliveryBackoffBase,
		Max:       c.DeliveryBackoffMax,
		Exponent:  c.DeliveryBackoffExponent,
		JitterMin: c.DeliveryBackoffJitterMin,
		JitterMax: c.DeliveryBackoffJitterMax,
		Min:       c.DeliveryBackoffMin,
	}
}

// ResolveWorkerID returns the identity stamped into locked_by when claiming
// rows: the configured worker id, then $HOSTNAME, then the OS hostname.
func (c *Config) ResolveWorkerID() string {
	if c.WorkerID != "" {
		return c.WorkerID
	}

	if env := strings.TrimSpace(os.Getenv(hostnameEnv)); env != "" {
		return env
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		log.Logger.WithError(err).Warnf("failed to resolve hostname, falling back to %s", unknownHostname)
		return unknownHostname
	}

	return host
}

func (c *Config) GetDSN() string {
	switch c.DBDriver {
	case MySQL:
		tls := "false"
		if c.TLSEnable {
			if c.TLSSkipVerifyPeer {
				tls = "skip-verify"
			} else {
				tls = "true"
			}
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&tls=%s&multiStatements=true", c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBSchema, tls)
	case Postgres:
		sslMode := "disable"
		if c.TLSEnable {
			if c.TLSSkipVerifyPeer {
				sslMode = "require"
			} else {
				sslMode = "verify-full"
			}
		}
		return fmt.Sprintf("%s://%s@%s:%d/%s?sslmode=%s", c.DBDriver, url.UserPassword(c.DBUser, c.DBPass), c.DBHost, c.DBPort, c.DBSchema, sslMode)
	default:
		log.Logger.Fatalf("the DB driver configured (%s) is not supported", c.DBDriver)
		return ""
	}
}

// GetDependencySystemAddresses lists the host:port pairs the readiness probe dials.
func (c *Config) GetDependencySystemAddresses() []string {
	var addrs []string
	switch c.BrokerDriver {
	case JetStream:
		if u, err := url.Parse(c.NatsURL); err == nil && u.Host != "" {
			host := u.Host
			if u.Port() == "" {
				host = net.JoinHostPort(u.Hostname(), "4222")
			}
			addrs = append(addrs, host)
		}
	default:
		addrs = append(addrs, c.KafkaHost...)
	}

	if c.RedisAddr != "" {
		addrs = append(addrs, c.RedisAddr)
	}

	return addrs
}

func (c Config) MarshalJSON() ([]byte, error) {
	type masked Config
	m := masked(c)
	m.DBPass = "xxxxx"
	if m.RedisPassword != "" {
		m.RedisPassword = "xxxxx"
	}

	return json.Marshal(m)
}

func (d DbDriver) MySQL() bool {
	return d == MySQL
}

func (d DbDriver) Postgres() bool {
	return d == Postgres
}

func (d DbDriver) String() string {
	return string(d)
}

func (b BrokerDriver) String() string {
	return string(b)
}

func (r Role) String() string {
	return string(r)
}
