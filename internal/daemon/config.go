package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/slotbook/paycore/internal/app/commission"
	"github.com/slotbook/paycore/internal/app/credits"
	"github.com/slotbook/paycore/internal/app/executor"
	"github.com/slotbook/paycore/internal/app/payments"
	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/events"
	"github.com/slotbook/paycore/internal/infra/provider"
	"github.com/slotbook/paycore/internal/infra/redisstate"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAYCORE_"

// Config is the full daemon configuration, read from paycore.toml.
type Config struct {
	App        AppConfig        `toml:"app"`
	API        APIConfig        `toml:"api"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Provider   ProviderConfig   `toml:"provider"`
	Webhook    WebhookConfig    `toml:"webhook"`
	Payments   PaymentsConfig   `toml:"payments"`
	Credits    CreditsConfig    `toml:"credits"`
	Commission CommissionConfig `toml:"commission"`
	Executor   ExecutorConfig   `toml:"executor"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Admins     []AdminConfig    `toml:"admins"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env      string `toml:"env"`       // "dev" selects the development logger
	LogLevel string `toml:"log_level"` // debug, info, warn, error
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AdminToken     string   `toml:"admin_token"`
	CORSOrigins    []string `toml:"cors_origins"`
	RequestTimeout string   `toml:"request_timeout"`
	MaxBodyBytes   int64    `toml:"max_body_bytes"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite or postgres
	DSN    string `toml:"dsn"`    // postgres URL
	Dir    string `toml:"dir"`    // sqlite data directory
}

// RedisConfig enables shared breaker, token and lock state. Empty Addr keeps
// that state in process memory.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// KafkaConfig enables the event publisher. No brokers means events are only
// logged.
type KafkaConfig struct {
	Brokers            []string `toml:"brokers"`
	ClientID           string   `toml:"client_id"`
	NotificationsTopic string   `toml:"notifications_topic"`
	FulfillmentTopic   string   `toml:"fulfillment_topic"`
}

// ProviderConfig holds provider credentials and resilience settings.
type ProviderConfig struct {
	BaseURL         string `toml:"base_url"`
	PublicKey       string `toml:"public_key"`
	PrivateKey      string `toml:"private_key"`
	IntegritySecret string `toml:"integrity_secret"`
	Currency        string `toml:"currency"`

	PayoutBaseURL string `toml:"payout_base_url"`
	PayoutAccount string `toml:"payout_account"`
	PayoutAPIKey  string `toml:"payout_api_key"`

	PaymentTimeout string `toml:"payment_timeout"`
	PayoutTimeout  string `toml:"payout_timeout"`
	MaxFailures    int    `toml:"max_failures"`
	Cooldown       string `toml:"cooldown"`
	RetryAttempts  int    `toml:"retry_attempts"`
	RetryBase      string `toml:"retry_base"`
	TokenTTL       string `toml:"token_ttl"`
}

// WebhookConfig holds inbound event verification settings.
type WebhookConfig struct {
	EventsSecret string `toml:"events_secret"`
	ReplayWindow string `toml:"replay_window"`
}

// PaymentsConfig holds ledger timing settings.
type PaymentsConfig struct {
	PendingGrace   string `toml:"pending_grace"`
	PendingTimeout string `toml:"pending_timeout"`
	PollAge        string `toml:"poll_age"`
	PollBatch      int    `toml:"poll_batch"`
	RetryAge       string `toml:"fulfillment_retry_age"`
}

// CreditsConfig holds store credit settings.
type CreditsConfig struct {
	CashbackPct          string `toml:"cashback_pct"`
	CashbackValidityDays int    `toml:"cashback_validity_days"`
	DefaultValidityDays  int    `toml:"default_validity_days"`
}

// CommissionConfig seeds payout settings and controls commission accrual.
// Pct and Threshold only apply when the settings row does not exist yet.
type CommissionConfig struct {
	Pct            string `toml:"pct"`
	Threshold      string `toml:"threshold"`
	ExcludeCredit  bool   `toml:"exclude_credit"`
	LockTTL        string `toml:"lock_ttl"`
	LockWait       string `toml:"lock_wait"`
	ManualLockWait string `toml:"manual_lock_wait"`
}

// ExecutorConfig bounds side-effect execution.
type ExecutorConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"`
	TaskTimeout   string `toml:"task_timeout"`
}

// SchedulerConfig sets periodic job intervals. "0" disables a job.
type SchedulerConfig struct {
	Enabled        bool   `toml:"enabled"`
	PayoutEvaluate string `toml:"payout_evaluate"`
	PollPending    string `toml:"poll_pending"`
	ExpireStale    string `toml:"expire_stale"`
	ExpireCredits  string `toml:"expire_credits"`
	Fulfillments   string `toml:"dispatch_fulfillments"`
}

// AdminConfig is one super-admin alerted on payout default.
type AdminConfig struct {
	ID    string `toml:"id"`
	Email string `toml:"email"`
	Phone string `toml:"phone"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		App: AppConfig{
			Env:      "production",
			LogLevel: "info",
		},
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: "30s",
			MaxBodyBytes:   1 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Dir:    "data",
		},
		Redis: RedisConfig{
			Prefix: "paycore:",
		},
		Kafka: KafkaConfig{
			ClientID:           "paycore",
			NotificationsTopic: events.DefaultTopics().Notifications,
			FulfillmentTopic:   events.DefaultTopics().Fulfillment,
		},
		Provider: ProviderConfig{
			Currency:       domain.DefaultCurrency,
			PaymentTimeout: "15s",
			PayoutTimeout:  "10s",
			MaxFailures:    5,
			Cooldown:       "60s",
			RetryAttempts:  3,
			RetryBase:      "500ms",
			TokenTTL:       "55m",
		},
		Webhook: WebhookConfig{
			ReplayWindow: "300s",
		},
		Payments: PaymentsConfig{
			PendingGrace:   "30m",
			PendingTimeout: "24h",
			PollAge:        "2m",
			PollBatch:      50,
			RetryAge:       "1m",
		},
		Credits: CreditsConfig{
			CashbackPct:          "0",
			CashbackValidityDays: 90,
			DefaultValidityDays:  365,
		},
		Commission: CommissionConfig{
			Pct:            "10",
			Threshold:      "500000",
			LockTTL:        "2m",
			LockWait:       "200ms",
			ManualLockWait: "5s",
		},
		Executor: ExecutorConfig{
			MaxConcurrent: 4,
			TaskTimeout:   "30s",
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			PayoutEvaluate: "15m",
			PollPending:    "1m",
			ExpireStale:    "5m",
			ExpireCredits:  "1h",
			Fulfillments:   "1m",
		},
	}
}

// LoadConfig builds the configuration: defaults, then the TOML file at path
// (skipped when it does not exist), then PAYCORE_* variables from the
// environment and an optional .env file.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: parse %s: %v", domain.ErrConfiguration, path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays PAYCORE_* variables. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"APP_ENV":                   &c.App.Env,
		"APP_LOG_LEVEL":             &c.App.LogLevel,
		"API_HOST":                  &c.API.Host,
		"API_ADMIN_TOKEN":           &c.API.AdminToken,
		"DATABASE_DRIVER":           &c.Database.Driver,
		"DATABASE_DSN":              &c.Database.DSN,
		"DATABASE_DIR":              &c.Database.Dir,
		"REDIS_ADDR":                &c.Redis.Addr,
		"REDIS_PASSWORD":            &c.Redis.Password,
		"PROVIDER_BASE_URL":         &c.Provider.BaseURL,
		"PROVIDER_PUBLIC_KEY":       &c.Provider.PublicKey,
		"PROVIDER_PRIVATE_KEY":      &c.Provider.PrivateKey,
		"PROVIDER_INTEGRITY_SECRET": &c.Provider.IntegritySecret,
		"PROVIDER_PAYOUT_BASE_URL":  &c.Provider.PayoutBaseURL,
		"PROVIDER_PAYOUT_ACCOUNT":   &c.Provider.PayoutAccount,
		"PROVIDER_PAYOUT_API_KEY":   &c.Provider.PayoutAPIKey,
		"WEBHOOK_EVENTS_SECRET":     &c.Webhook.EventsSecret,
		"CREDITS_CASHBACK_PCT":      &c.Credits.CashbackPct,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"API_PORT": &c.API.Port,
		"REDIS_DB": &c.Redis.DB,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q is not a number", domain.ErrConfiguration, EnvPrefix, key, v)
			}
			*dst = n
		}
	}

	lists := map[string]*[]string{
		"KAFKA_BROKERS":    &c.Kafka.Brokers,
		"API_CORS_ORIGINS": &c.API.CORSOrigins,
	}
	for key, dst := range lists {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that every value parses. It does not require credentials;
// see ValidateServe.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		add("database.driver %q must be sqlite or postgres", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		add("database.dsn is required for postgres")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		add("api.port %d out of range", c.API.Port)
	}

	durations := map[string]string{
		"api.request_timeout":             c.API.RequestTimeout,
		"provider.payment_timeout":        c.Provider.PaymentTimeout,
		"provider.payout_timeout":         c.Provider.PayoutTimeout,
		"provider.cooldown":               c.Provider.Cooldown,
		"provider.retry_base":             c.Provider.RetryBase,
		"provider.token_ttl":              c.Provider.TokenTTL,
		"webhook.replay_window":           c.Webhook.ReplayWindow,
		"payments.pending_grace":          c.Payments.PendingGrace,
		"payments.pending_timeout":        c.Payments.PendingTimeout,
		"payments.poll_age":               c.Payments.PollAge,
		"payments.fulfillment_retry_age":  c.Payments.RetryAge,
		"commission.lock_ttl":             c.Commission.LockTTL,
		"commission.lock_wait":            c.Commission.LockWait,
		"commission.manual_lock_wait":     c.Commission.ManualLockWait,
		"executor.task_timeout":           c.Executor.TaskTimeout,
		"scheduler.payout_evaluate":       c.Scheduler.PayoutEvaluate,
		"scheduler.poll_pending":          c.Scheduler.PollPending,
		"scheduler.expire_stale":          c.Scheduler.ExpireStale,
		"scheduler.expire_credits":        c.Scheduler.ExpireCredits,
		"scheduler.dispatch_fulfillments": c.Scheduler.Fulfillments,
	}
	for field, v := range durations {
		if _, err := parseDuration(v); err != nil {
			add("%s: %v", field, err)
		}
	}

	decimals := map[string]string{
		"credits.cashback_pct": c.Credits.CashbackPct,
		"commission.pct":       c.Commission.Pct,
		"commission.threshold": c.Commission.Threshold,
	}
	for field, v := range decimals {
		d, err := decimal.NewFromString(v)
		if err != nil {
			add("%s %q is not a number", field, v)
			continue
		}
		if d.IsNegative() {
			add("%s must not be negative", field)
		}
	}
	if pct, err := decimal.NewFromString(c.Commission.Pct); err == nil && pct.GreaterThan(decimal.NewFromInt(100)) {
		add("commission.pct must be at most 100")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateServe additionally requires the credentials the server cannot run
// without.
func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	var missing []string
	required := []struct{ name, value string }{
		{"provider.base_url", c.Provider.BaseURL},
		{"provider.public_key", c.Provider.PublicKey},
		{"provider.private_key", c.Provider.PrivateKey},
		{"provider.integrity_secret", c.Provider.IntegritySecret},
		{"webhook.events_secret", c.Webhook.EventsSecret},
		{"api.admin_token", c.API.AdminToken},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// ─── Component Configs ──────────────────────────────────────────────────────
// The methods below assume Validate has passed.

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// RequestTimeout is the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return mustDuration(c.API.RequestTimeout)
}

// ReplayWindow is the webhook freshness window.
func (c Config) ReplayWindow() time.Duration {
	return mustDuration(c.Webhook.ReplayWindow)
}

// ProviderClient returns the provider client configuration.
func (c Config) ProviderClient() provider.Config {
	p := c.Provider
	return provider.Config{
		BaseURL:         p.BaseURL,
		PublicKey:       p.PublicKey,
		PrivateKey:      p.PrivateKey,
		IntegritySecret: p.IntegritySecret,
		Currency:        p.Currency,
		PayoutBaseURL:   p.PayoutBaseURL,
		PayoutAccount:   p.PayoutAccount,
		PayoutAPIKey:    p.PayoutAPIKey,
		PaymentTimeout:  mustDuration(p.PaymentTimeout),
		PayoutTimeout:   mustDuration(p.PayoutTimeout),
		MaxFailures:     p.MaxFailures,
		Cooldown:        mustDuration(p.Cooldown),
		RetryAttempts:   p.RetryAttempts,
		RetryBase:       mustDuration(p.RetryBase),
		TokenTTL:        mustDuration(p.TokenTTL),
	}
}

// RedisOptions returns the shared-state connection options.
func (c Config) RedisOptions() redisstate.Options {
	return redisstate.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Prefix:   c.Redis.Prefix,
	}
}

// Topics returns the Kafka topic names.
func (c Config) Topics() events.Topics {
	t := events.DefaultTopics()
	if c.Kafka.NotificationsTopic != "" {
		t.Notifications = c.Kafka.NotificationsTopic
	}
	if c.Kafka.FulfillmentTopic != "" {
		t.Fulfillment = c.Kafka.FulfillmentTopic
	}
	return t
}

// PaymentsLedger returns the payment ledger configuration.
func (c Config) PaymentsLedger() payments.Config {
	return payments.Config{
		PendingGrace:   mustDuration(c.Payments.PendingGrace),
		PendingTimeout: mustDuration(c.Payments.PendingTimeout),
		PollAge:        mustDuration(c.Payments.PollAge),
		PollBatch:      c.Payments.PollBatch,
		RetryAge:       mustDuration(c.Payments.RetryAge),
		Currency:       c.Provider.Currency,
	}
}

// CreditAllocator returns the credit allocator configuration.
func (c Config) CreditAllocator() credits.Config {
	return credits.Config{
		CashbackPct:          decimal.RequireFromString(c.Credits.CashbackPct),
		CashbackValidityDays: c.Credits.CashbackValidityDays,
		DefaultValidityDays:  c.Credits.DefaultValidityDays,
	}
}

// CommissionLedger returns the commission ledger configuration.
func (c Config) CommissionLedger() commission.LedgerConfig {
	return commission.LedgerConfig{ExcludeCredit: c.Commission.ExcludeCredit}
}

// PayoutController returns the payout controller configuration.
func (c Config) PayoutController() commission.ControllerConfig {
	return commission.ControllerConfig{
		LockTTL:        mustDuration(c.Commission.LockTTL),
		LockWait:       mustDuration(c.Commission.LockWait),
		ManualLockWait: mustDuration(c.Commission.ManualLockWait),
	}
}

// PayoutSeed returns the commission percentage and threshold used to create
// the payout settings row.
func (c Config) PayoutSeed() (pct, threshold decimal.Decimal) {
	return decimal.RequireFromString(c.Commission.Pct), decimal.RequireFromString(c.Commission.Threshold)
}

// SideEffects returns the executor configuration.
func (c Config) SideEffects() executor.Config {
	return executor.Config{
		MaxConcurrent:  c.Executor.MaxConcurrent,
		DefaultTimeout: mustDuration(c.Executor.TaskTimeout),
	}
}

// SuperAdmins returns the configured admin directory.
func (c Config) SuperAdmins() domain.AdminList {
	admins := make(domain.AdminList, 0, len(c.Admins))
	for _, a := range c.Admins {
		admins = append(admins, domain.UserRef{ID: a.ID, Email: a.Email, Phone: a.Phone})
	}
	return admins
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}
