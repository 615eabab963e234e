package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Vision    VisionConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Inventory InventoryConfig
	Log       LogConfig
	API       APIConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type OllamaConfig struct {
	BaseURL     string
	VisionModel string
}

type VisionConfig struct {
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

type StorageConfig struct {
	DataDir  string
	ImageDir string // defaults to DataDir when empty
}

type PipelineConfig struct {
	Workers      int
	MaxRetries   int
	TaskTimeout  time.Duration
	PollInterval time.Duration
	BatchLimit   int
}

type InventoryConfig struct {
	StaleAfterDays int
	SweepInterval  time.Duration
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4000,
			MaxConns: 64,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			VisionModel: "llava:13b",
		},
		Vision: VisionConfig{
			Timeout:   60 * time.Second,
			RateLimit: 1,
			Burst:     2,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			MaxRetries:   3,
			TaskTimeout:  300 * time.Second,
			PollInterval: 500 * time.Millisecond,
			BatchLimit:   50,
		},
		Inventory: InventoryConfig{
			StaleAfterDays: 7,
			SweepInterval:  time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ImageRoot is the directory capture images are stored under.
func (c Config) ImageRoot() string {
	if c.Storage.ImageDir != "" {
		return c.Storage.ImageDir
	}
	return c.Storage.DataDir
}

// StaleAfter is the unseen period after which an item's confidence is zeroed.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Inventory.StaleAfterDays) * 24 * time.Hour
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/pantry/config.json, then applies PANTRY_* environment
// overrides, and validates the result. Secrets (the API token) are only read
// from the environment.
func Load() (Config, error) {
	cfg, err := LoadUnvalidated()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without validation, for displaying configuration.
func LoadUnvalidated() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.API.Token == "" {
		errs = append(errs, errors.New("missing required config: API token. Set it via environment variable PANTRY_API_TOKEN"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("server.max_conns must be positive, got %d", c.Server.MaxConns))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir must not be empty"))
	} else if c.Storage.DataDir != ":memory:" && !filepath.IsAbs(c.Storage.DataDir) {
		errs = append(errs, fmt.Errorf("storage.data_dir %q must be an absolute path", c.Storage.DataDir))
	}
	if c.Vision.Timeout <= 0 {
		errs = append(errs, errors.New("vision.timeout must be positive"))
	}
	if c.Vision.RateLimit <= 0 {
		errs = append(errs, errors.New("vision.rate_limit must be positive"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries must not be negative, got %d", c.Pipeline.MaxRetries))
	}
	if c.Pipeline.TaskTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.task_timeout must be positive"))
	}
	if c.Inventory.StaleAfterDays <= 0 {
		errs = append(errs, fmt.Errorf("inventory.stale_after_days must be positive, got %d", c.Inventory.StaleAfterDays))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}
