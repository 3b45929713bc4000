package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Stripe       StripeConfig
	Shop         ShopConfig
	Notify       NotifyConfig
	Webhook      WebhookConfig
	FeatureFlags FeatureFlagsConfig
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
	Env          string `envconfig:"AVELINE_APP_ENV" required:"true"`
	Port         string `envconfig:"AVELINE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"AVELINE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"AVELINE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"AVELINE_DB_DSN"`
	Driver string `envconfig:"AVELINE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"AVELINE_DB_HOST"`
	LegacyPort     int    `envconfig:"AVELINE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"AVELINE_DB_USER"`
	LegacyPassword string `envconfig:"AVELINE_DB_PASSWORD"`
	LegacyName     string `envconfig:"AVELINE_DB_NAME"`
	LegacySSLMode  string `envconfig:"AVELINE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"AVELINE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"AVELINE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"AVELINE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"AVELINE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"AVELINE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"AVELINE_REDIS_ADDR"`
	Password     string        `envconfig:"AVELINE_REDIS_PASSWORD"`
	DB           int           `envconfig:"AVELINE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"AVELINE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"AVELINE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"AVELINE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"AVELINE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"AVELINE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type StripeConfig struct {
	APIKey string `envconfig:"AVELINE_STRIPE_API_KEY"`
	Secret string `envconfig:"AVELINE_STRIPE_WEBHOOK_SECRET"`
	Env    string `envconfig:"AVELINE_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// ShopConfig carries storefront values surfaced in customer notifications.
type ShopConfig struct {
	BaseURL    string `envconfig:"AVELINE_SHOP_BASE_URL" required:"true"`
	AdminEmail string `envconfig:"AVELINE_SHOP_ADMIN_EMAIL" required:"true"`
}

// OrderURL builds the customer-facing tracking link for an order.
func (s ShopConfig) OrderURL(orderNumber string) string {
	return fmt.Sprintf("%s/orders/%s", strings.TrimRight(s.BaseURL, "/"), orderNumber)
}

// AdminOrderURL builds the admin dashboard deep link for an order.
func (s ShopConfig) AdminOrderURL(orderNumber string) string {
	return fmt.Sprintf("%s/admin/orders/%s", strings.TrimRight(s.BaseURL, "/"), orderNumber)
}

// NotifyConfig points at the external notification service that renders and
// delivers emails. An empty URL means notifications are logged instead.
type NotifyConfig struct {
	URL     string        `envconfig:"AVELINE_NOTIFY_URL"`
	Timeout time.Duration `envconfig:"AVELINE_NOTIFY_TIMEOUT" default:"10s"`
}

type WebhookConfig struct {
	// EventGuardTTL bounds how long a processed gateway event id is
	// remembered before the transactional guard is the only defense.
	EventGuardTTL time.Duration `envconfig:"AVELINE_WEBHOOK_EVENT_GUARD_TTL" default:"72h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"AVELINE_AUTO_MIGRATE" default:"false"`
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
