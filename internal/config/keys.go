package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PANTRY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "PANTRY_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "ollama.base_url", typ: kString, env: "PANTRY_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "PANTRY_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "vision.timeout", typ: kDuration, env: "PANTRY_VISION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Vision.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Vision.Timeout },
	},
	{
		key: "vision.rate_limit", typ: kFloat, env: "PANTRY_VISION_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Vision.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Vision.RateLimit },
	},
	{
		key: "vision.burst", typ: kInt, env: "PANTRY_VISION_BURST",
		apply:   func(cfg *Config, v any) { cfg.Vision.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Vision.Burst },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PANTRY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.image_dir", typ: kString, env: "PANTRY_STORAGE_IMAGE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ImageDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ImageDir },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "PANTRY_PIPELINE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "pipeline.max_retries", typ: kInt, env: "PANTRY_PIPELINE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxRetries },
	},
	{
		key: "pipeline.task_timeout", typ: kDuration, env: "PANTRY_PIPELINE_TASK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TaskTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.TaskTimeout },
	},
	{
		key: "pipeline.poll_interval", typ: kDuration, env: "PANTRY_PIPELINE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.PollInterval },
	},
	{
		key: "pipeline.batch_limit", typ: kInt, env: "PANTRY_PIPELINE_BATCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BatchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.BatchLimit },
	},
	{
		key: "inventory.stale_after_days", typ: kInt, env: "PANTRY_INVENTORY_STALE_AFTER_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Inventory.StaleAfterDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Inventory.StaleAfterDays },
	},
	{
		key: "inventory.sweep_interval", typ: kDuration, env: "PANTRY_INVENTORY_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Inventory.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inventory.SweepInterval },
	},
	{
		key: "log.level", typ: kString, env: "PANTRY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "api.token", typ: kString, env: "PANTRY_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

// parseValue converts a textual value for a key of type typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
