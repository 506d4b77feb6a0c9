package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
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
		key: "server.port", typ: kInt, env: "ATTUNED_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "ATTUNED_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "ATTUNED_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ATTUNED_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.extract_model", typ: kString, env: "ATTUNED_OLLAMA_EXTRACT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ExtractModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ExtractModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "ATTUNED_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ATTUNED_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.extract_cadence", typ: kInt, env: "ATTUNED_ENGINE_EXTRACT_CADENCE",
		apply:   func(cfg *Config, v any) { cfg.Engine.ExtractCadence = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.ExtractCadence },
	},
	{
		key: "engine.extract_window", typ: kInt, env: "ATTUNED_ENGINE_EXTRACT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Engine.ExtractWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.ExtractWindow },
	},
	{
		key: "engine.insight_retention_days", typ: kInt, env: "ATTUNED_ENGINE_INSIGHT_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Engine.InsightRetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.InsightRetentionDays },
	},
	{
		key: "engine.confidence_floor", typ: kFloat, env: "ATTUNED_ENGINE_CONFIDENCE_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Engine.ConfidenceFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Engine.ConfidenceFloor },
	},
	{
		key: "log.level", typ: kString, env: "ATTUNED_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
