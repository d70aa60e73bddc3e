package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Journal drivers.
const (
	JournalMemory   = "memory"
	JournalPostgres = "postgres"
	JournalLevelDB  = "leveldb"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	GatewayURL           string        `mapstructure:"GATEWAY_URL"`
	GatewayChannelID     string        `mapstructure:"GATEWAY_CHANNEL_ID"`
	GatewayChaincodeID   string        `mapstructure:"GATEWAY_CHAINCODE_ID"`
	GatewayInvokeTimeout time.Duration `mapstructure:"GATEWAY_INVOKE_TIMEOUT"`
	GatewayQueryTimeout  time.Duration `mapstructure:"GATEWAY_QUERY_TIMEOUT"`
	GatewayMaxBodyBytes  int64         `mapstructure:"GATEWAY_MAX_BODY_BYTES"`

	RetryAttempts  int           `mapstructure:"RETRY_ATTEMPTS"`
	RetryBaseDelay time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay  time.Duration `mapstructure:"RETRY_MAX_DELAY"`

	VerifyAttempts  int           `mapstructure:"VERIFY_ATTEMPTS"`
	VerifyBaseDelay time.Duration `mapstructure:"VERIFY_BASE_DELAY"`
	VerifyMaxDelay  time.Duration `mapstructure:"VERIFY_MAX_DELAY"`
	VerifyTimeout   time.Duration `mapstructure:"VERIFY_TIMEOUT"`

	PrescriptionValidity time.Duration `mapstructure:"PRESCRIPTION_VALIDITY"`

	JournalDriver string `mapstructure:"JOURNAL_DRIVER"`
	JournalPath   string `mapstructure:"JOURNAL_PATH"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	WebhookURL         string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret      string `mapstructure:"WEBHOOK_SECRET"`
	WebhookAllOutcomes bool   `mapstructure:"WEBHOOK_ALL_OUTCOMES"`
}

var defaults = map[string]interface{}{
	"PORT":                   "8000",
	"ENV":                    "development",
	"LOG_LEVEL":              "info",
	"GATEWAY_CHANNEL_ID":     "mychannel",
	"GATEWAY_CHAINCODE_ID":   "basic",
	"GATEWAY_INVOKE_TIMEOUT": "15s",
	"GATEWAY_QUERY_TIMEOUT":  "5s",
	"GATEWAY_MAX_BODY_BYTES": 8 << 20,
	"RETRY_ATTEMPTS":         3,
	"RETRY_BASE_DELAY":       "200ms",
	"RETRY_MAX_DELAY":        "2s",
	"VERIFY_ATTEMPTS":        6,
	"VERIFY_BASE_DELAY":      "500ms",
	"VERIFY_MAX_DELAY":       "8s",
	"VERIFY_TIMEOUT":         "2m",
	"PRESCRIPTION_VALIDITY":  "720h",
	"JOURNAL_DRIVER":         JournalMemory,
	"JOURNAL_PATH":           "./data/journal",
	"DB_MAX_CONNS":           10,
	"DB_MIN_CONNS":           2,
	"CORS_ORIGINS":           "http://localhost:3000",
	"RATE_LIMIT_RPS":         50,
	"RATE_LIMIT_BURST":       100,
	"REQUEST_TIMEOUT":        "30s",
	"BODY_LIMIT":             "1M",
	"WEBHOOK_ALL_OUTCOMES":   false,
}

var envOnly = []string{"GATEWAY_URL", "DATABASE_URL", "WEBHOOK_URL", "WEBHOOK_SECRET"}

// Load reads configuration from the environment and an optional .env file in
// the working directory. It does not validate; call Validate before use.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
		v.BindEnv(k)
	}
	for _, k := range envOnly {
		v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.JournalDriver = strings.ToLower(strings.TrimSpace(cfg.JournalDriver))
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks everything needed to talk to the ledger and store
// verification outcomes.
func (c *Config) Validate() error {
	var errs []error

	if err := validateGatewayURL(c.GatewayURL); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.GatewayChannelID) == "" {
		errs = append(errs, errors.New("GATEWAY_CHANNEL_ID is required"))
	}
	if strings.TrimSpace(c.GatewayChaincodeID) == "" {
		errs = append(errs, errors.New("GATEWAY_CHAINCODE_ID is required"))
	}
	if c.GatewayMaxBodyBytes <= 0 {
		errs = append(errs, errors.New("GATEWAY_MAX_BODY_BYTES must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"GATEWAY_INVOKE_TIMEOUT": c.GatewayInvokeTimeout,
		"GATEWAY_QUERY_TIMEOUT":  c.GatewayQueryTimeout,
		"VERIFY_TIMEOUT":         c.VerifyTimeout,
		"REQUEST_TIMEOUT":        c.RequestTimeout,
		"PRESCRIPTION_VALIDITY":  c.PrescriptionValidity,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	errs = append(errs, validateBackoff("RETRY", c.RetryAttempts, c.RetryBaseDelay, c.RetryMaxDelay)...)
	errs = append(errs, validateBackoff("VERIFY", c.VerifyAttempts, c.VerifyBaseDelay, c.VerifyMaxDelay)...)

	if err := c.ValidateJournal(); err != nil {
		errs = append(errs, err)
	}
	if c.WebhookURL != "" {
		if u, err := url.Parse(c.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL must be an absolute http(s) URL, got %q", c.WebhookURL))
		}
		if c.WebhookSecret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set"))
		}
	}
	return errors.Join(errs...)
}

// ValidateJournal checks only the journal settings, for commands that never
// reach the gateway.
func (c *Config) ValidateJournal() error {
	switch c.JournalDriver {
	case JournalMemory:
	case JournalPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when JOURNAL_DRIVER is postgres")
		}
	case JournalLevelDB:
		if strings.TrimSpace(c.JournalPath) == "" {
			return errors.New("JOURNAL_PATH is required when JOURNAL_DRIVER is leveldb")
		}
	default:
		return fmt.Errorf("JOURNAL_DRIVER must be %q, %q or %q, got %q", JournalMemory, JournalPostgres, JournalLevelDB, c.JournalDriver)
	}
	return nil
}

func validateGatewayURL(raw string) error {
	if raw == "" {
		return errors.New("GATEWAY_URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("GATEWAY_URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("GATEWAY_URL must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

func validateBackoff(prefix string, attempts int, base, max time.Duration) []error {
	var errs []error
	if attempts < 1 {
		errs = append(errs, fmt.Errorf("%s_ATTEMPTS must be at least 1, got %d", prefix, attempts))
	}
	if base < 0 {
		errs = append(errs, fmt.Errorf("%s_BASE_DELAY must not be negative", prefix))
	}
	if max < base {
		errs = append(errs, fmt.Errorf("%s_MAX_DELAY (%s) must not be less than %s_BASE_DELAY (%s)", prefix, max, prefix, base))
	}
	return errs
}
