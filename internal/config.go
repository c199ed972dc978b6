package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/myvault/internal/ingest"
	"github.com/starford/myvault/internal/parse"
	"github.com/starford/myvault/internal/webhook"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Blob    BlobConfig        `yaml:"blob"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Auth    AuthConfig        `yaml:"auth"`
	Webhook WebhookConfig     `yaml:"webhook"`
	Ingest  IngestConfig      `yaml:"ingest"`
	Parse   ParseConfig       `yaml:"parse"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []validation.Validatable{&c.App, &c.Blob, &c.SQLite, &c.Auth, &c.Webhook, &c.Ingest, &c.Parse}
	for _, s := range sections {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	// A parse call must finish well inside the window in which a fetched
	// media URL is still usable.
	if c.Parse.RequestTimeout >= c.Ingest.FetchTimeout {
		return fmt.Errorf("parse: request_timeout (%s) must be shorter than ingest.fetch_timeout (%s)",
			c.Parse.RequestTimeout, c.Ingest.FetchTimeout)
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
	// PublicURL is the externally visible base URL of this server.
	PublicURL      string   `yaml:"public_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.PublicURL, validation.Required, is.URL),
	)
}

// BlobConfig holds the blob store root and URL signing key.
type BlobConfig struct {
	Path       string `yaml:"path"`
	SigningKey string `yaml:"signing_key"`
}

// Validate validates the blob configuration.
func (c *BlobConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.SigningKey, validation.Required, validation.Length(16, 0)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds API authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// WebhookConfig controls the inbound messaging webhook.
type WebhookConfig struct {
	// AuthToken enables request signature verification when set.
	AuthToken    string  `yaml:"auth_token"`
	ReplyFormat  string  `yaml:"reply_format"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes"`
}

// Validate validates the webhook configuration.
func (c *WebhookConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ReplyFormat, validation.Required, validation.In(webhook.FormatTwiML, webhook.FormatText)),
		validation.Field(&c.RateLimit, validation.Min(0.0)),
		validation.Field(&c.RateBurst, validation.When(c.RateLimit > 0, validation.Required, validation.Min(1))),
		validation.Field(&c.MaxBodyBytes, validation.Required, validation.Min(int64(1024))),
	)
}

// IngestConfig controls media fetching and deduplication.
type IngestConfig struct {
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	MaxBytes      int64         `yaml:"max_bytes"`
	Dedup         string        `yaml:"dedup"`
	MediaUsername string        `yaml:"media_username"`
	MediaPassword string        `yaml:"media_password"`
	MediaHosts    []string      `yaml:"media_hosts"`
	MaxParallel   int           `yaml:"max_parallel"`
}

// Validate validates the ingest configuration.
func (c *IngestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.FetchTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxBytes, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.Dedup, validation.Required, validation.In(ingest.DedupContentHash, ingest.DedupNone)),
		validation.Field(&c.MediaHosts, validation.When(c.MediaUsername != "",
			validation.Required.Error("is required when media credentials are set"))),
		validation.Field(&c.MaxParallel, validation.Min(0)),
	)
}

// ParseConfig controls the parse service client and the job pipeline.
type ParseConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	Mode           string        `yaml:"mode"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Backoff        time.Duration `yaml:"backoff"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	URLTTL         time.Duration `yaml:"url_ttl"`
	SyncWait       time.Duration `yaml:"sync_wait"`
	Workers        int           `yaml:"workers"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxResubmits   int           `yaml:"max_resubmits"`
}

// Validate validates the parse configuration.
func (c *ParseConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.Required, is.URL),
		validation.Field(&c.Mode, validation.Required, validation.In(parse.ModeAsync, parse.ModeSync)),
		validation.Field(&c.RequestTimeout, validation.Required),
		validation.Field(&c.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&c.Backoff, validation.Required),
		validation.Field(&c.URLTTL, validation.Required),
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.StaleAfter, validation.Required),
		validation.Field(&c.SweepInterval, validation.Required),
		validation.Field(&c.MaxResubmits, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.URLTTL <= c.RequestTimeout {
		return errors.New("parse: url_ttl must outlive request_timeout")
	}
	return nil
}

// PipelineConfig converts the section to the pipeline's settings.
func (c *ParseConfig) PipelineConfig() parse.Config {
	return parse.Config{
		Mode:           c.Mode,
		RequestTimeout: c.RequestTimeout,
		MaxRetries:     c.MaxRetries,
		Backoff:        c.Backoff,
		URLTTL:         c.URLTTL,
		SyncWait:       c.SyncWait,
		Workers:        c.Workers,
		StaleAfter:     c.StaleAfter,
		SweepInterval:  c.SweepInterval,
		MaxResubmits:   c.MaxResubmits,
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:      8080,
				PublicURL: "http://localhost:8080",
			},
		},
		Blob: BlobConfig{
			Path: "./data/blobs",
		},
		SQLite: SQLiteConfig{
			Path: "./data/myvault.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Webhook: WebhookConfig{
			ReplyFormat:  webhook.FormatTwiML,
			RateLimit:    1,
			RateBurst:    5,
			MaxBodyBytes: 64 << 10,
		},
		Ingest: IngestConfig{
			FetchTimeout: 30 * time.Second,
			MaxBytes:     25 << 20,
			Dedup:        ingest.DedupContentHash,
			MaxParallel:  4,
		},
		Parse: ParseConfig{
			Mode:           parse.ModeAsync,
			RequestTimeout: 20 * time.Second,
			MaxRetries:     2,
			Backoff:        time.Second,
			RateLimit:      5,
			RateBurst:      5,
			URLTTL:         15 * time.Minute,
			SyncWait:       2 * time.Minute,
			Workers:        4,
			StaleAfter:     15 * time.Minute,
			SweepInterval:  time.Minute,
			MaxResubmits:   2,
		},
	}
}
