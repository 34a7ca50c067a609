// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
// Secrets (API keys, tokens) are not configured here; they are resolved
// through the secret source at startup.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Mail source
	GroupEmail     string `env:"GROUP_EMAIL"`
	GmailBaseURL   string `env:"GMAIL_BASE_URL" envDefault:"https://gmail.googleapis.com"`
	FetchLimit     int    `env:"FETCH_LIMIT" envDefault:"50"`
	MailQueryExtra string `env:"MAIL_QUERY_EXTRA"`

	// Knowledge base (Notion-shaped)
	NotionBaseURL       string        `env:"NOTION_BASE_URL" envDefault:"https://api.notion.com"`
	NotionVersion       string        `env:"NOTION_VERSION" envDefault:"2022-06-28"`
	NotionDatabaseID    string        `env:"NOTION_DATABASE_ID"`
	NotionCompaniesDBID string        `env:"NOTION_COMPANIES_DB_ID"`
	KBRateLimit         float64       `env:"KB_RATE_LIMIT" envDefault:"3"`
	SchemaCacheTTL      time.Duration `env:"SCHEMA_CACHE_TTL" envDefault:"24h"`
	DataCacheTTL        time.Duration `env:"DATA_CACHE_TTL" envDefault:"6h"`
	OnDuplicate         string        `env:"ON_DUPLICATE" envDefault:"update"`
	RelationDepth       int           `env:"RELATION_DEPTH" envDefault:"1"`

	// Knowledge-base field mapping: the five core fields plus bookkeeping
	// properties, mapped onto discovered schema property names.
	FieldPerson  string `env:"FIELD_PERSON" envDefault:"Person"`
	FieldStartup string `env:"FIELD_STARTUP" envDefault:"Startup"`
	FieldPartner string `env:"FIELD_PARTNER" envDefault:"Partner"`
	FieldDetails string `env:"FIELD_DETAILS" envDefault:"Details"`
	FieldDate    string `env:"FIELD_DATE" envDefault:"Date"`
	FieldEmailID string `env:"FIELD_EMAIL_ID" envDefault:"Email ID"`
	FieldType    string `env:"FIELD_TYPE" envDefault:"Type"`

	// LLM providers
	GeminiBaseURL    string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com"`
	GeminiModel      string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	AnthropicModel   string `env:"ANTHROPIC_MODEL" envDefault:"claude-3-5-haiku-latest"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel      string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	ProvidersFile    string `env:"PROVIDERS_FILE" envDefault:"providers.yaml"`
	Strategy         string `env:"LLM_STRATEGY" envDefault:"failover"`
	QualityRouting   bool   `env:"LLM_QUALITY_ROUTING" envDefault:"true"`

	// Secret source
	SecretServiceURL string        `env:"SECRET_SERVICE_URL"`
	SecretCacheTTL   time.Duration `env:"SECRET_CACHE_TTL" envDefault:"60s"`
	SecretEnvFile    string        `env:"SECRET_ENV_FILE" envDefault:".env"`

	// Pipeline
	Workers        int           `env:"PIPELINE_WORKERS" envDefault:"4"`
	QueueSize      int           `env:"PIPELINE_QUEUE_SIZE" envDefault:"64"`
	DaemonInterval time.Duration `env:"DAEMON_INTERVAL" envDefault:"5m"`
	StageTimeout   time.Duration `env:"STAGE_TIMEOUT" envDefault:"120s"`
	RunDeadline    time.Duration `env:"RUN_DEADLINE" envDefault:"0"`

	// Retry executor
	RetryMaxAttempts       int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseBackoff       time.Duration `env:"RETRY_BASE_BACKOFF" envDefault:"1s"`
	RetryMaxBackoff        time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"30s"`
	RetryJitterMax         time.Duration `env:"RETRY_JITTER_MAX" envDefault:"500ms"`
	RetryPerAttemptTimeout time.Duration `env:"RETRY_PER_ATTEMPT_TIMEOUT" envDefault:"60s"`
	RetryRespectRetryAfter bool          `env:"RETRY_RESPECT_RETRY_AFTER" envDefault:"true"`

	// Circuit breakers
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldown         time.Duration `env:"BREAKER_COOLDOWN" envDefault:"60s"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`

	// DLQ
	DLQMaxAge          time.Duration `env:"DLQ_MAX_AGE" envDefault:"168h"`
	DLQCleanupInterval time.Duration `env:"DLQ_CLEANUP_INTERVAL" envDefault:"24h"`

	// Daemon admin surface + observability
	AdminAddr       string `env:"ADMIN_ADDR" envDefault:":9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"collabiq"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// MailQuery builds the mail source query. The destination filter on the group
// address is mandatory; extra terms are appended verbatim.
func (c Config) MailQuery() string {
	q := "to:" + c.GroupEmail
	if c.MailQueryExtra != "" {
		q += " " + c.MailQueryExtra
	}
	return q
}

// Validate checks settings that have no usable zero value.
func (c Config) Validate() error {
	if c.GroupEmail == "" {
		return fmt.Errorf("op=config.Validate: GROUP_EMAIL is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("op=config.Validate: PIPELINE_WORKERS must be positive")
	}
	if c.OnDuplicate != "skip" && c.OnDuplicate != "update" {
		return fmt.Errorf("op=config.Validate: ON_DUPLICATE must be skip or update")
	}
	return nil
}
