package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/finadvisor/internal/guardrail"
)

type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Memory  MemoryConfig
	Storage StorageConfig
	Market  MarketConfig
	Advisor AdvisorConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type LLMConfig struct {
	Provider    string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxSteps    int
	APIKey      string
}

type MemoryConfig struct {
	Window  int
	IdleTTL time.Duration
}

type StorageConfig struct {
	DataDir string
	// ProfileBackend is "sqlite" or "json".
	ProfileBackend string
}

type MarketConfig struct {
	BaseURL           string
	RequestsPerMinute int
	APIKey            string
}

type AdvisorConfig struct {
	Disclaimer       string
	MaxContextTokens int
}

type LogConfig struct {
	Level string
}

// Addr returns the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     60 * time.Second,
			MaxSteps:    6,
		},
		Memory: MemoryConfig{
			Window:  6,
			IdleTTL: 30 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir:        defaultDataDir(),
			ProfileBackend: "sqlite",
		},
		Market: MarketConfig{
			BaseURL:           "https://www.alphavantage.co",
			RequestsPerMinute: 5,
		},
		Advisor: AdvisorConfig{
			Disclaimer:       guardrail.Disclaimer,
			MaxContextTokens: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration in layers: defaults, the YAML config file,
// a .env file, environment variables (FINADVISOR_* plus the legacy
// OPENAI_API_KEY and ALPHAVANTAGE_API_KEY), and finally the secrets file
// for API keys that are still empty.
//
// Load does not require an API key; call Validate before serving chat.
func Load() (Config, error) {
	loadDotEnv()
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(name string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.secretName); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// Validate reports configuration that prevents the server from starting.
func (c Config) Validate() error {
	var problems []string
	switch c.LLM.Provider {
	case "openai", "openrouter":
		if c.LLM.APIKey == "" {
			problems = append(problems, "missing LLM API key: set FINADVISOR_LLM_API_KEY or OPENAI_API_KEY")
		}
	case "ollama":
	default:
		problems = append(problems, fmt.Sprintf("unsupported llm.provider %q (want openai, openrouter or ollama)", c.LLM.Provider))
	}
	switch c.Storage.ProfileBackend {
	case "sqlite", "json":
	default:
		problems = append(problems, fmt.Sprintf("unsupported storage.profile_backend %q (want sqlite or json)", c.Storage.ProfileBackend))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Memory.Window <= 0 {
		problems = append(problems, "memory.window must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// loadDotEnv loads FINADVISOR_ENV_FILE (default .env) into the process
// environment. Variables already set win.
func loadDotEnv() {
	path := os.Getenv("FINADVISOR_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load env file %s: %v\n", path, err)
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "finadvisor-data"
		}
	}
	return filepath.Join(dir, "finadvisor")
}

func configFilePath() string {
	if p := os.Getenv("FINADVISOR_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "finadvisor", "config.yaml")
}
