package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "KEYLOJA_DB_DSN"
	EnvDBHost = "KEYLOJA_DB_HOST"
	EnvDBUser = "KEYLOJA_DB_USER"
	EnvDBName = "KEYLOJA_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Gateway    GatewayConfig
	Split      SplitConfig
	Withdrawal WithdrawalConfig
	GCP        GCPConfig
	PubSub     PubSubConfig
	Outbox     OutboxConfig
	Poller     PollerConfig
	Features   FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KEYLOJA_APP_ENV" required:"true"`
	Port         string `envconfig:"KEYLOJA_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"KEYLOJA_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"KEYLOJA_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"KEYLOJA_DB_DSN"`
	Driver string `envconfig:"KEYLOJA_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KEYLOJA_DB_HOST"`
	LegacyPort     int    `envconfig:"KEYLOJA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KEYLOJA_DB_USER"`
	LegacyPassword string `envconfig:"KEYLOJA_DB_PASSWORD"`
	LegacyName     string `envconfig:"KEYLOJA_DB_NAME"`
	LegacySSLMode  string `envconfig:"KEYLOJA_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KEYLOJA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KEYLOJA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KEYLOJA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KEYLOJA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"KEYLOJA_REDIS_URL" required:"true"`
	Address      string        `envconfig:"KEYLOJA_REDIS_ADDR"`
	Password     string        `envconfig:"KEYLOJA_REDIS_PASSWORD"`
	DB           int           `envconfig:"KEYLOJA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KEYLOJA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KEYLOJA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KEYLOJA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KEYLOJA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KEYLOJA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// GatewayConfig carries credentials for the PIX providers. A provider is
// considered platform-enabled when its token is present; per-store enablement
// lives on the store record.
type GatewayConfig struct {
	MercadoPagoToken         string        `envconfig:"KEYLOJA_MERCADOPAGO_ACCESS_TOKEN"`
	MercadoPagoBaseURL       string        `envconfig:"KEYLOJA_MERCADOPAGO_BASE_URL" default:"https://api.mercadopago.com"`
	MercadoPagoWebhookSecret string        `envconfig:"KEYLOJA_MERCADOPAGO_WEBHOOK_SECRET"`
	PushinPayToken           string        `envconfig:"KEYLOJA_PUSHINPAY_ACCESS_TOKEN"`
	PushinPayBaseURL         string        `envconfig:"KEYLOJA_PUSHINPAY_BASE_URL" default:"https://api.pushinpay.com.br"`
	PushinPayWebhookSecret   string        `envconfig:"KEYLOJA_PUSHINPAY_WEBHOOK_SECRET"`
	RequestTimeout           time.Duration `envconfig:"KEYLOJA_GATEWAY_REQUEST_TIMEOUT" default:"15s"`
	WebhookIdempotencyTTL    time.Duration `envconfig:"KEYLOJA_GATEWAY_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

// SplitConfig holds the platform-side split parameters. The platform account
// id is injected here rather than read from ambient state at call time.
type SplitConfig struct {
	PlatformAccountID string `envconfig:"KEYLOJA_SPLIT_PLATFORM_ACCOUNT_ID" required:"true"`
	PlatformPercent   int    `envconfig:"KEYLOJA_SPLIT_PLATFORM_PERCENT" default:"5"`
	MaxTotalPercent   int    `envconfig:"KEYLOJA_SPLIT_MAX_TOTAL_PERCENT" default:"50"`
}

type WithdrawalConfig struct {
	MinAmountCents int `envconfig:"KEYLOJA_WITHDRAWAL_MIN_CENTS" default:"1000"`
	MaxAmountCents int `envconfig:"KEYLOJA_WITHDRAWAL_MAX_CENTS" default:"500000"`
	DailyLimit     int `envconfig:"KEYLOJA_WITHDRAWAL_DAILY_LIMIT" default:"3"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"KEYLOJA_GCP_PROJECT_ID" required:"true"`
}

type PubSubConfig struct {
	DomainTopic        string `envconfig:"KEYLOJA_PUBSUB_DOMAIN_TOPIC" default:"kl-domain-events"`
	DomainSubscription string `envconfig:"KEYLOJA_PUBSUB_DOMAIN_SUBSCRIPTION" required:"true"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"KEYLOJA_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"KEYLOJA_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"KEYLOJA_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// PollerConfig drives the pull-side payment reconciliation worker.
type PollerConfig struct {
	Interval          time.Duration `envconfig:"KEYLOJA_POLLER_INTERVAL" default:"2m"`
	PendingOlderThan  time.Duration `envconfig:"KEYLOJA_POLLER_PENDING_OLDER_THAN" default:"1m"`
	PendingBatchSize  int           `envconfig:"KEYLOJA_POLLER_PENDING_BATCH_SIZE" default:"100"`
	LockTTL           time.Duration `envconfig:"KEYLOJA_POLLER_LOCK_TTL" default:"5m"`
	MetricsListenAddr string        `envconfig:"KEYLOJA_POLLER_METRICS_ADDR" default:":9102"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"KEYLOJA_FEATURE_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
