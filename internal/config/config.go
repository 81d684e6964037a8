// Package config loads service configuration from CARDART_* environment
// variables. Command-line flags override individual fields after parsing.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

// Cache backends.
const (
	CacheFile   = "file"
	CacheBolt   = "bolt"
	CacheDynamo = "dynamodb"
)

// Config is the full service configuration.
type Config struct {
	Port int `env:"PORT" envDefault:"8080"`

	CacheBackend string `env:"CACHE_BACKEND" envDefault:"file"`
	CacheDir     string `env:"CACHE_DIR" envDefault:"./data/cache"`
	BoltPath     string `env:"BOLT_PATH" envDefault:"./data/card-art.db"`
	DynamoTable  string `env:"DYNAMO_TABLE"`

	AssetsDir       string        `env:"ASSETS_DIR" envDefault:"./data/processed"`
	AssetsURLPrefix string        `env:"ASSETS_URL_PREFIX" envDefault:"/processed"`
	AssetsBucket    string        `env:"ASSETS_BUCKET"`
	AssetsPrefix    string        `env:"ASSETS_PREFIX" envDefault:"processed"`
	AssetsPublicURL string        `env:"ASSETS_PUBLIC_URL"`
	PresignExpiry   time.Duration `env:"PRESIGN_EXPIRY" envDefault:"168h"`

	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	MaxPollAttempts int           `env:"MAX_POLL_ATTEMPTS" envDefault:"60"`

	// MaxPollElapsed caps a job's polling time. Zero derives the cap from
	// the attempt budget (see PollElapsedLimit).
	MaxPollElapsed     time.Duration `env:"MAX_POLL_ELAPSED"`
	PollRequestTimeout time.Duration `env:"POLL_REQUEST_TIMEOUT" envDefault:"30s"`
	SubmitTimeout      time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ThumbnailQuality   string        `env:"THUMBNAIL_QUALITY" envDefault:"high"`
	SplitGrid          []string      `env:"SPLIT_GRID_BACKENDS" envSeparator:","`
	Variants           int           `env:"VARIANTS" envDefault:"4"`

	FallbackEnabled     bool   `env:"FALLBACK_ENABLED" envDefault:"false"`
	PlaceholderImageURL string `env:"PLACEHOLDER_IMAGE_URL"`
	DefaultCardText     string `env:"DEFAULT_CARD_TEXT" envDefault:"A mysterious card whose story is yet to be written."`

	ImageGenBaseURL string `env:"IMAGEGEN_BASE_URL"`
	ImageGenAPIKey  string `env:"IMAGEGEN_API_KEY"`
	ImageGenModel   string `env:"IMAGEGEN_MODEL"`

	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	VisionModel      string `env:"VISION_MODEL"`
	ImagenModel      string `env:"IMAGEN_MODEL"`
	ImagenSecondary  bool   `env:"IMAGEN_SECONDARY" envDefault:"true"`
	MetadataBaseURL  string `env:"METADATA_BASE_URL"`
	MetadataAPIKey   string `env:"METADATA_API_KEY"`
	IPFSGateway      string `env:"IPFS_GATEWAY" envDefault:"https://ipfs.io/ipfs"`
	MetricsNamespace string `env:"METRICS_NAMESPACE"`

	SSMGeminiKeyParam   string `env:"SSM_GEMINI_KEY_PARAM"`
	SSMImageGenKeyParam string `env:"SSM_IMAGEGEN_KEY_PARAM"`
	SSMMetadataKeyParam string `env:"SSM_METADATA_KEY_PARAM"`
}

// Load parses CARDART_* environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CARDART_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !slices.Contains([]string{CacheFile, CacheBolt, CacheDynamo}, c.CacheBackend) {
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.CacheBackend))
	}
	if c.CacheBackend == CacheDynamo && c.DynamoTable == "" {
		errs = append(errs, errors.New("CARDART_DYNAMO_TABLE is required for the dynamodb cache backend"))
	}
	if c.ThumbnailQuality != "high" && c.ThumbnailQuality != "low" {
		errs = append(errs, fmt.Errorf("thumbnail quality must be high or low, got %q", c.ThumbnailQuality))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.MaxPollAttempts <= 0 {
		errs = append(errs, errors.New("max poll attempts must be positive"))
	}
	if c.MaxPollElapsed < 0 {
		errs = append(errs, errors.New("max poll elapsed must not be negative"))
	}
	if c.PollRequestTimeout <= 0 {
		errs = append(errs, errors.New("poll request timeout must be positive"))
	}
	if c.Variants <= 0 {
		errs = append(errs, errors.New("variants must be positive"))
	}
	return errors.Join(errs...)
}

// PollElapsedLimit is the wall-clock cap on polling one job. Unless set
// explicitly it allows every attempt a full interval plus a full request
// timeout, so the attempt ceiling is what ends a job that keeps running.
func (c Config) PollElapsedLimit() time.Duration {
	if c.MaxPollElapsed > 0 {
		return c.MaxPollElapsed
	}
	return time.Duration(c.MaxPollAttempts) * (c.PollInterval + c.PollRequestTimeout)
}

// UsesAWS reports whether any configured component needs AWS credentials.
func (c Config) UsesAWS() bool {
	return c.CacheBackend == CacheDynamo ||
		c.AssetsBucket != "" ||
		c.SSMGeminiKeyParam != "" ||
		c.SSMImageGenKeyParam != "" ||
		c.SSMMetadataKeyParam != ""
}
