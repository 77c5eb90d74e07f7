package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CLOUDMOVER_SERVER_PORT.
const EnvPrefix = "CLOUDMOVER"

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Storage   StorageConfig  `yaml:"storage"`
	Artifacts ArtifactConfig `yaml:"artifacts"`
	Templates TemplateConfig `yaml:"templates"`
	Reaper    ReaperConfig   `yaml:"reaper"`
	Auth      AuthConfig     `yaml:"auth"`
	Log       LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port    int    `yaml:"port" envconfig:"PORT"`
	BaseURL string `yaml:"baseURL" envconfig:"BASE_URL"`
	// LookupRate is the number of code lookups per second allowed per client
	// address. Zero disables the limiter.
	LookupRate  float64 `yaml:"lookupRate" envconfig:"LOOKUP_RATE"`
	LookupBurst int     `yaml:"lookupBurst" envconfig:"LOOKUP_BURST"`
}

type StorageConfig struct {
	DataDir string `yaml:"dataDir" envconfig:"DATA_DIR"`
}

type ArtifactConfig struct {
	MaxUploadSize string        `yaml:"maxUploadSize" envconfig:"MAX_UPLOAD_SIZE"`
	TTL           time.Duration `yaml:"ttl" envconfig:"TTL"`
	MaxTTL        time.Duration `yaml:"maxTTL" envconfig:"MAX_TTL"`

	maxUploadBytes int64
}

// MaxUploadBytes is MaxUploadSize parsed by Load.
func (c ArtifactConfig) MaxUploadBytes() int64 { return c.maxUploadBytes }

type TemplateConfig struct {
	MaxSize string        `yaml:"maxSize" envconfig:"MAX_SIZE"`
	TTL     time.Duration `yaml:"ttl" envconfig:"TTL"`

	maxBytes int64
}

// MaxBytes is MaxSize parsed by Load.
func (c TemplateConfig) MaxBytes() int64 { return c.maxBytes }

type ReaperConfig struct {
	Interval    time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	OrphanGrace time.Duration `yaml:"orphanGrace" envconfig:"ORPHAN_GRACE"`
}

// AuthConfig lists operator tokens for the admin endpoints. Uploads and
// downloads need no token.
type AuthConfig struct {
	Tokens []string `yaml:"tokens" envconfig:"TOKENS"`
}

type LogConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			BaseURL:     "http://localhost:8080",
			LookupRate:  5,
			LookupBurst: 20,
		},
		Storage: StorageConfig{DataDir: "./data"},
		Artifacts: ArtifactConfig{
			MaxUploadSize: "100MiB",
			TTL:           24 * time.Hour,
			MaxTTL:        72 * time.Hour,
		},
		Templates: TemplateConfig{
			MaxSize: "100KiB",
			TTL:     7 * 24 * time.Hour,
		},
		Reaper: ReaperConfig{
			Interval:    time.Hour,
			OrphanGrace: time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path if
// path is not empty, then a .env file if present, then CLOUDMOVER_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	n, err := humanize.ParseBytes(c.Artifacts.MaxUploadSize)
	if err != nil || n == 0 {
		problems = append(problems, fmt.Sprintf("artifacts.maxUploadSize %q is not a positive size", c.Artifacts.MaxUploadSize))
	}
	c.Artifacts.maxUploadBytes = int64(n)

	n, err = humanize.ParseBytes(c.Templates.MaxSize)
	if err != nil || n == 0 {
		problems = append(problems, fmt.Sprintf("templates.maxSize %q is not a positive size", c.Templates.MaxSize))
	}
	c.Templates.maxBytes = int64(n)

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if _, err := url.ParseRequestURI(c.Server.BaseURL); err != nil {
		problems = append(problems, "server.baseURL must be a valid URL")
	}
	if c.Server.LookupRate < 0 {
		problems = append(problems, "server.lookupRate must not be negative")
	}
	if c.Storage.DataDir == "" {
		problems = append(problems, "storage.dataDir is required")
	}
	if c.Artifacts.TTL <= 0 {
		problems = append(problems, "artifacts.ttl must be positive")
	}
	if c.Artifacts.MaxTTL < c.Artifacts.TTL {
		problems = append(problems, "artifacts.maxTTL must be at least artifacts.ttl")
	}
	if c.Templates.TTL <= 0 {
		problems = append(problems, "templates.ttl must be positive")
	}
	if c.Reaper.Interval <= 0 {
		problems = append(problems, "reaper.interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
