package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Existing-segment policies.
const (
	ExistingSkip      = "skip"
	ExistingOverwrite = "overwrite"
)

type Config struct {
	ManifestPath string `env:"MANIFEST_PATH"`
	OutputDir    string `env:"OUTPUT_DIR"`

	Workers        int           `env:"WORKERS" envDefault:"1"`
	ExistingPolicy string        `env:"EXISTING_POLICY" envDefault:"skip"`
	RowTimeout     time.Duration `env:"ROW_TIMEOUT" envDefault:"10m"`
	RetryAttempts  int           `env:"RETRY_ATTEMPTS" envDefault:"1"`
	RetryBackoff   time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`
	MinOutputBytes int64         `env:"MIN_OUTPUT_BYTES" envDefault:"102400"`
	IntegrityCheck bool          `env:"INTEGRITY_CHECK" envDefault:"true"`

	// Output format
	SampleRate   int           `env:"SAMPLE_RATE" envDefault:"48000"`
	Channels     int           `env:"CHANNELS" envDefault:"2"`
	FadeDuration time.Duration `env:"FADE_DURATION" envDefault:"100ms"`

	// External tools
	YTDLPPath        string `env:"YTDLP_PATH"`
	FFmpegPath       string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	YTDLPAutoInstall bool   `env:"YTDLP_AUTO_INSTALL" envDefault:"false"`

	S3 S3Config `envPrefix:"S3_"`

	DatabaseURL string `env:"DATABASE_URL"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"classicap-dl"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"classicap/acquirer"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	StatusAddr     string `env:"STATUS_ADDR"`
	StatusToken    string `env:"STATUS_TOKEN"`
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// S3Config configures the optional S3 mirror of acquired segments.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Endpoint      string        `env:"ENDPOINT"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache    bool          `env:"LOCAL_CACHE" envDefault:"true"`
	UploadWorkers int           `env:"UPLOAD_WORKERS" envDefault:"2"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	ManifestPath string
	OutputDir    string
	Workers      int
	Overwrite    bool
	LogLevel     string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-zero values win)
	if overrides.ManifestPath != "" {
		cfg.ManifestPath = overrides.ManifestPath
	}
	if overrides.OutputDir != "" {
		cfg.OutputDir = overrides.OutputDir
	}
	if overrides.Workers > 0 {
		cfg.Workers = overrides.Workers
	}
	if overrides.Overwrite {
		cfg.ExistingPolicy = ExistingOverwrite
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	cfg.ExistingPolicy = strings.ToLower(strings.TrimSpace(cfg.ExistingPolicy))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	return cfg, nil
}

// Validate checks values env parsing cannot express.
func (c *Config) Validate() error {
	if c.ManifestPath == "" {
		return fmt.Errorf("manifest path is required (-manifest or MANIFEST_PATH)")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required (-output or OUTPUT_DIR)")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be >= 1, got %d", c.Workers)
	}
	switch c.ExistingPolicy {
	case ExistingSkip, ExistingOverwrite:
	default:
		return fmt.Errorf("EXISTING_POLICY must be %q or %q, got %q", ExistingSkip, ExistingOverwrite, c.ExistingPolicy)
	}
	if c.RowTimeout <= 0 {
		return fmt.Errorf("ROW_TIMEOUT must be positive, got %s", c.RowTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be >= 0, got %d", c.RetryAttempts)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("SAMPLE_RATE and CHANNELS must be positive")
	}
	if c.FadeDuration < 0 {
		return fmt.Errorf("FADE_DURATION must not be negative")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	if c.S3.Enabled() && c.S3.UploadWorkers < 1 {
		return fmt.Errorf("S3_UPLOAD_WORKERS must be >= 1")
	}
	return nil
}
