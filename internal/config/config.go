// Package config loads the billing service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/reconcile"
)

// Config is the service configuration.
type Config struct {
	Env      string `validate:"oneof=dev prod test"`
	LogLevel string `validate:"oneof=debug info warn error"`
	Port     uint16 `validate:"required"`

	// Provider selects the webhook provider mounted at /webhooks/billing.
	Provider string `validate:"oneof=stripe revenuecat"`

	Stripe     StripeConfig
	RevenueCat RevenueCatConfig

	// Plans maps provider price or product ids to plans (PLAN_PRICE_IDS).
	Plans billing.PlanMapping

	Webhook WebhookConfig
	Sweeps  SweepConfig

	DatabaseURL string `validate:"omitempty,url"`
	RedisURL    string `validate:"omitempty,url"`
	NatsURL     string `validate:"omitempty,url"`

	// AdminToken protects /admin. Empty disables the admin API.
	AdminToken string
}

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

type RevenueCatConfig struct {
	WebhookSecret string
	EnableHMAC    bool
}

type WebhookConfig struct {
	MaxRetries     int           `validate:"gte=1,lte=20"`
	HandlerTimeout time.Duration `validate:"gte=1s"`
	PollInterval   time.Duration `validate:"gte=1s"`
}

type SweepConfig struct {
	// Schedules overrides the cron spec per sweep (SWEEP_<NAME>_CRON).
	Schedules     map[string]string
	RetentionDays int `validate:"gte=1,lte=3650"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Walk up at most two directories, so examples run from their own folder
		dir, _ := os.Getwd()
		for i := 0; i < 2; i++ {
			dir = filepath.Join(dir, "..")
			if godotenv.Load(filepath.Join(dir, ".env")) == nil {
				break
			}
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}

	cfg := &Config{
		Env:      e.str("ENV", "dev"),
		LogLevel: strings.ToLower(e.str("LOG_LEVEL", "info")),
		Port:     uint16(e.integer("PORT", 8080)),
		Provider: strings.ToLower(e.str("BILLING_PROVIDER", "stripe")),
		Stripe: StripeConfig{
			APIKey:        e.str("STRIPE_API_KEY", ""),
			WebhookSecret: e.str("STRIPE_WEBHOOK_SECRET", ""),
		},
		RevenueCat: RevenueCatConfig{
			WebhookSecret: e.str("REVENUECAT_WEBHOOK_SECRET", ""),
			EnableHMAC:    e.boolean("REVENUECAT_ENABLE_HMAC", false),
		},
		Webhook: WebhookConfig{
			MaxRetries:     e.integer("WEBHOOK_MAX_RETRIES", 3),
			HandlerTimeout: e.duration("WEBHOOK_HANDLER_TIMEOUT", 30*time.Second),
			PollInterval:   e.duration("RETRY_POLL_INTERVAL", time.Minute),
		},
		Sweeps: SweepConfig{
			Schedules:     make(map[string]string),
			RetentionDays: e.integer("EVENT_RETENTION_DAYS", 30),
		},
		DatabaseURL: e.str("DATABASE_URL", ""),
		RedisURL:    e.str("REDIS_URL", ""),
		NatsURL:     e.str("NATS_URL", ""),
		AdminToken:  e.str("ADMIN_TOKEN", ""),
	}
	for name := range reconcile.DefaultSchedules() {
		key := "SWEEP_" + strings.ToUpper(name) + "_CRON"
		if spec := e.str(key, ""); spec != "" {
			cfg.Sweeps.Schedules[name] = spec
		}
	}

	plans, err := ParsePlanMapping(e.str("PLAN_PRICE_IDS", ""))
	if err != nil {
		e.errs = append(e.errs, err)
	}
	cfg.Plans = plans

	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Outside prod an unconfigured provider answers 503, which is fine for local runs
	if cfg.IsProduction() && cfg.WebhookSecret() == "" {
		return nil, fmt.Errorf("invalid configuration: webhook secret for %s must be set in prod", cfg.Provider)
	}
	return cfg, nil
}

// ParsePlanMapping parses "pro_monthly=price_x,max_yearly=price_y". Several
// ids may map to one plan.
func ParsePlanMapping(raw string) (billing.PlanMapping, error) {
	out := billing.PlanMapping{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, id, ok := strings.Cut(pair, "=")
		plan := gobilling.Plan(strings.TrimSpace(name))
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("PLAN_PRICE_IDS: malformed entry %q", pair)
		}
		if !plan.Valid() || plan == gobilling.PlanFree {
			return nil, fmt.Errorf("PLAN_PRICE_IDS: %w %q", gobilling.ErrUnknownPlan, name)
		}
		out[id] = plan
	}
	return out, nil
}

// WebhookSecret returns the signing secret of the selected provider.
func (c *Config) WebhookSecret() string {
	if c.Provider == "revenuecat" {
		return c.RevenueCat.WebhookSecret
	}
	return c.Stripe.WebhookSecret
}

// IsProduction reports whether ENV is prod.
func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

// RetryPolicy returns the webhook retry policy with the configured budget.
func (c *Config) RetryPolicy() billing.RetryPolicy {
	p := billing.DefaultRetryPolicy()
	p.MaxRetries = c.Webhook.MaxRetries
	return p
}

// ProcessorConfig returns processor settings without the injected dependencies.
func (c *Config) ProcessorConfig() billing.ProcessorConfig {
	p := billing.DefaultProcessorConfig()
	p.RetryPolicy = c.RetryPolicy()
	p.HandlerTimeout = c.Webhook.HandlerTimeout
	return p
}

// ReconcileConfig returns sweep settings without the injected dependencies.
func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		RetentionDays: c.Sweeps.RetentionDays,
		Schedules:     c.Sweeps.Schedules,
	}
}

type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// duration accepts Go durations ("90s") and bare seconds ("90").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}
