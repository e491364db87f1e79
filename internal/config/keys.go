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
	kFloat
	kDuration
)

type keySpec struct {
	key string
	typ keyType
	env string
	// legacyEnv is read when env is unset.
	legacyEnv string
	secret    bool
	// secretName is the entry consulted in the secrets file.
	secretName string
	apply      func(cfg *Config, v any)
	extract    func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "FINADVISOR_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "FINADVISOR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "llm.provider", typ: kString, env: "FINADVISOR_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "FINADVISOR_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "FINADVISOR_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "FINADVISOR_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "FINADVISOR_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.max_steps", typ: kInt, env: "FINADVISOR_LLM_MAX_STEPS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxSteps = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxSteps },
	},
	{
		key: "llm.api_key", typ: kString, env: "FINADVISOR_LLM_API_KEY", legacyEnv: "OPENAI_API_KEY",
		secret: true, secretName: "llm_api_key",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "memory.window", typ: kInt, env: "FINADVISOR_MEMORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Memory.Window = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.Window },
	},
	{
		key: "memory.idle_ttl", typ: kDuration, env: "FINADVISOR_MEMORY_IDLE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Memory.IdleTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Memory.IdleTTL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FINADVISOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.profile_backend", typ: kString, env: "FINADVISOR_STORAGE_PROFILE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.ProfileBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ProfileBackend },
	},
	{
		key: "market.base_url", typ: kString, env: "FINADVISOR_MARKET_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Market.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Market.BaseURL },
	},
	{
		key: "market.requests_per_minute", typ: kInt, env: "FINADVISOR_MARKET_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Market.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Market.RequestsPerMinute },
	},
	{
		key: "market.alphavantage_api_key", typ: kString, env: "FINADVISOR_ALPHAVANTAGE_API_KEY", legacyEnv: "ALPHAVANTAGE_API_KEY",
		secret: true, secretName: "alphavantage_api_key",
		apply:   func(cfg *Config, v any) { cfg.Market.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Market.APIKey },
	},
	{
		key: "advisor.disclaimer", typ: kString, env: "FINADVISOR_ADVISOR_DISCLAIMER",
		apply:   func(cfg *Config, v any) { cfg.Advisor.Disclaimer = v.(string) },
		extract: func(cfg Config) any { return cfg.Advisor.Disclaimer },
	},
	{
		key: "advisor.max_context_tokens", typ: kInt, env: "FINADVISOR_ADVISOR_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Advisor.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Advisor.MaxContextTokens },
	},
	{
		key: "log.level", typ: kString, env: "FINADVISOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// aliases maps keys from the older flat config.yaml layout onto current keys.
var aliases = map[string]string{
	"provider":              "llm.provider",
	"openai.model":          "llm.model",
	"openai.temperature":    "llm.temperature",
	"memory.summary_window": "memory.window",
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.legacyEnv != "" {
			name, raw = s.legacyEnv, os.Getenv(s.legacyEnv)
		}
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", name, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
