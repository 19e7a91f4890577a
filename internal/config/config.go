// Package config defines the process configuration for the billing ledger
// services. Configuration is loaded once at startup (or Lambda cold start) and
// is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"billingledger/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// subsets they require; the ledger and reconciler never see it at all.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billing-ledger"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Gateways      GatewaysConfig
	Dunning       DunningConfig
	Jobs          JobsConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	MaxWebhookBytes int64         `envconfig:"MAX_WEBHOOK_BYTES" default:"262144" validate:"min=1024"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// EventQueueURL receives emitted domain events. Empty means events are
	// only logged (local development).
	EventQueueURL string `envconfig:"SQS_BILLING_EVENTS" validate:"omitempty,url"`
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// GatewaysConfig holds per-provider credentials. Each provider is enabled
// independently; disabled providers get no webhook route.
type GatewaysConfig struct {
	HTTPTimeout  time.Duration `envconfig:"GATEWAY_HTTP_TIMEOUT" default:"20s"`
	CallTimeout  time.Duration `envconfig:"GATEWAY_CALL_TIMEOUT" default:"30s"`
	CallRetries  int           `envconfig:"GATEWAY_CALL_RETRIES" default:"2" validate:"min=0,max=5"`
	Stripe       StripeConfig
	Paddle       PaddleConfig
	LemonSqueezy LemonSqueezyConfig
	Manual       ManualConfig
}

// StripeConfig holds Stripe API and webhook credentials.
type StripeConfig struct {
	Enabled       bool         `envconfig:"STRIPE_ENABLED" default:"false"`
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required_if=Enabled true"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required_if=Enabled true"`
	BaseURL       string       `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`
}

// PaddleConfig holds Paddle Billing API and webhook credentials.
type PaddleConfig struct {
	Enabled       bool         `envconfig:"PADDLE_ENABLED" default:"false"`
	APIKey        SecretString `envconfig:"PADDLE_API_KEY" validate:"required_if=Enabled true"`
	WebhookSecret SecretString `envconfig:"PADDLE_WEBHOOK_SECRET" validate:"required_if=Enabled true"`
	Sandbox       bool         `envconfig:"PADDLE_SANDBOX" default:"false"`
	BaseURL       string       `envconfig:"PADDLE_BASE_URL" validate:"omitempty,url"`
	// SignatureTolerance bounds the age of the signed timestamp. Zero
	// disables the replay window check.
	SignatureTolerance time.Duration `envconfig:"PADDLE_SIGNATURE_TOLERANCE" default:"5m"`
}

// LemonSqueezyConfig holds LemonSqueezy API and webhook credentials.
// WebhookSecret is optional; without it webhooks are accepted unverified.
type LemonSqueezyConfig struct {
	Enabled       bool         `envconfig:"LEMONSQUEEZY_ENABLED" default:"false"`
	APIKey        SecretString `envconfig:"LEMONSQUEEZY_API_KEY" validate:"required_if=Enabled true"`
	StoreID       string       `envconfig:"LEMONSQUEEZY_STORE_ID" validate:"required_if=Enabled true"`
	WebhookSecret SecretString `envconfig:"LEMONSQUEEZY_WEBHOOK_SECRET"`
	BaseURL       string       `envconfig:"LEMONSQUEEZY_BASE_URL" default:"https://api.lemonsqueezy.com" validate:"url"`
}

// ManualConfig toggles the provider-less gateway used for invoiced or
// offline billing.
type ManualConfig struct {
	Enabled bool `envconfig:"MANUAL_GATEWAY_ENABLED" default:"true"`
}

// DunningConfig holds the reminder schedule, in whole days since the first
// failed payment.
type DunningConfig struct {
	IntervalDays []int `envconfig:"DUNNING_INTERVALS" default:"3,7,14" validate:"min=1,dive,min=1"`
}

// JobsConfig tunes the maintenance tasks.
type JobsConfig struct {
	BatchLimit          int           `envconfig:"JOB_BATCH_LIMIT" default:"50" validate:"min=1"`
	SweeperConcurrency  int           `envconfig:"SWEEPER_CONCURRENCY" default:"4" validate:"min=1,max=64"`
	WebhookLogRetention time.Duration `envconfig:"WEBHOOK_LOG_RETENTION" default:"2160h"`
	ReplayAfter         time.Duration `envconfig:"WEBHOOK_REPLAY_AFTER" default:"10m"`
}

// SecurityConfig holds admin API access settings.
type SecurityConfig struct {
	// AdminAPIKeyHash is a bcrypt hash of the admin bearer key.
	AdminAPIKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillingLedger"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// EnabledGateways lists the providers switched on in this deployment.
func (g GatewaysConfig) EnabledGateways() []types.GatewayName {
	var out []types.GatewayName
	if g.Stripe.Enabled {
		out = append(out, types.GatewayStripe)
	}
	if g.Paddle.Enabled {
		out = append(out, types.GatewayPaddle)
	}
	if g.LemonSqueezy.Enabled {
		out = append(out, types.GatewayLemonSqueezy)
	}
	if g.Manual.Enabled {
		out = append(out, types.GatewayManual)
	}
	return out
}

// PaddleBaseURL resolves the API root, honoring the sandbox flag unless an
// explicit override is configured.
func (p PaddleConfig) PaddleBaseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	if p.Sandbox {
		return "https://sandbox-api.paddle.com"
	}
	return "https://api.paddle.com"
}
