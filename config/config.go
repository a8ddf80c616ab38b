// Package config loads runtime configuration: compiled defaults, then an
// optional JSON file, then PNEUMATIC_* environment overrides, validated
// as a whole before the process wires anything.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/Jingxuan97/Pneumatic/errors"
)

// envPrefix namespaces environment overrides (PNEUMATIC_LISTEN_ADDR, ...).
const envPrefix = "pneumatic"

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the client WebSocket listener.
	ListenAddr string `json:"listen_addr" envconfig:"LISTEN_ADDR" validate:"required,hostname_port"`
	// MetricsAddr serves /metrics and /healthz.
	MetricsAddr string `json:"metrics_addr" envconfig:"METRICS_ADDR" validate:"required,hostname_port"`

	// NATSURL is the shared transport. Empty runs the process in
	// local-only mode: full single-process fidelity, no peer fan-out.
	NATSURL string `json:"nats_url" envconfig:"NATS_URL"`

	// PresenceBucket is the JetStream KV bucket holding presence records.
	PresenceBucket     string `json:"presence_bucket" envconfig:"PRESENCE_BUCKET" validate:"required"`
	PresenceTTLSeconds int    `json:"presence_ttl_seconds" envconfig:"PRESENCE_TTL_SECONDS" validate:"min=1"`

	RateLimitPerMinute int      `json:"rate_limit_per_minute" envconfig:"RATE_LIMIT_PER_MINUTE" validate:"min=1"`
	RateLimitPerHour   int      `json:"rate_limit_per_hour" envconfig:"RATE_LIMIT_PER_HOUR" validate:"min=1"`
	RateLimitExempt    []string `json:"rate_limit_exempt" envconfig:"RATE_LIMIT_EXEMPT"`

	MaxContentBytes int `json:"max_content_bytes" envconfig:"MAX_CONTENT_BYTES" validate:"min=1"`

	// BadgerDir is the message store directory. Empty opens an in-memory
	// store that does not survive restarts.
	BadgerDir string `json:"badger_dir" envconfig:"BADGER_DIR"`

	// JWTSecretEnv names the environment variable carrying the HS256
	// secret. The secret itself never appears in config files.
	JWTSecretEnv string `json:"jwt_secret_env" envconfig:"JWT_SECRET_ENV" validate:"required"`
	JWTIssuer    string `json:"jwt_issuer" envconfig:"JWT_ISSUER"`

	LogLevel  string `json:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" envconfig:"LOG_FORMAT" validate:"oneof=json text"`

	PingIntervalSeconds int `json:"ping_interval_seconds" envconfig:"PING_INTERVAL_SECONDS" validate:"min=1"`
	SendQueueSize       int `json:"send_queue_size" envconfig:"SEND_QUEUE_SIZE" validate:"min=1"`

	// Memberships seeds the in-process membership authority:
	// conversation id -> member identities.
	Memberships map[string][]string `json:"memberships" ignored:"true"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		MetricsAddr:         ":9090",
		PresenceBucket:      "presence",
		PresenceTTLSeconds:  300,
		RateLimitPerMinute:  60,
		RateLimitPerHour:    1000,
		RateLimitExempt:     []string{"connect"},
		MaxContentBytes:     4096,
		JWTSecretEnv:        "PNEUMATIC_JWT_SECRET",
		LogLevel:            "info",
		LogFormat:           "json",
		PingIntervalSeconds: 30,
		SendQueueSize:       64,
	}
}

// Load builds the configuration. path may be empty to skip the file
// layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapValidation(err, "config", "Load", "parse config file")
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, errors.WrapValidation(err, "config", "Load", "apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return errors.WrapValidation(err, "config", "Validate", "validate configuration")
	}
	return nil
}

// PresenceTTL returns the presence TTL as a duration.
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

// PingInterval returns the liveness ping cadence as a duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// JWTSecret resolves the signing secret from the configured environment
// variable. Empty means token verification cannot be enabled.
func (c *Config) JWTSecret() []byte {
	secret := os.Getenv(c.JWTSecretEnv)
	if secret == "" {
		return nil
	}
	return []byte(secret)
}
