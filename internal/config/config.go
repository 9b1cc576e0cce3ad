// Package config assembles the daemon configuration from defaults, an
// optional .env file, and GLIMPSE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	OCR       OCRConfig
	Scheduler SchedulerConfig
	LogLevel  string
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken guards the HTTP API; empty disables auth (local-only use).
	APIToken string
}

type StorageConfig struct {
	// DataDir holds the SQLite database and saved screenshot images.
	DataDir string
	// WatchDir is scanned for externally dropped image files.
	WatchDir string
}

type LLMConfig struct {
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
	EmbedDim   int
	Timeout    time.Duration
}

type OCRConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SchedulerConfig struct {
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			WatchDir: filepath.Join(dataDir, "inbox"),
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com",
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4o",
			EmbedDim:   1536,
			Timeout:    30 * time.Second,
		},
		OCR: OCRConfig{
			BaseURL: "http://localhost:8484",
			Timeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxRetries:   3,
			BackoffBase:  time.Second,
			BackoffCap:   5 * time.Minute,
			PollInterval: 500 * time.Millisecond,
			StaleAfter:   10 * time.Minute,
		},
		LogLevel: "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".glimpse"
	}
	return filepath.Join(home, ".glimpse")
}

// Load builds the configuration from defaults, the .env file in the working
// directory (if present), and GLIMPSE_* environment variables. The LLM API
// key is required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	cfg.Server.Port = getEnvInt("GLIMPSE_PORT", cfg.Server.Port)
	cfg.Server.MCPPort = getEnvInt("GLIMPSE_MCP_PORT", cfg.Server.MCPPort)
	cfg.Server.APIToken = getEnv("GLIMPSE_API_TOKEN", cfg.Server.APIToken)

	cfg.Storage.DataDir = getEnv("GLIMPSE_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.WatchDir = getEnv("GLIMPSE_WATCH_DIR", filepath.Join(cfg.Storage.DataDir, "inbox"))

	cfg.LLM.BaseURL = getEnv("GLIMPSE_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnv("GLIMPSE_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.EmbedModel = getEnv("GLIMPSE_EMBED_MODEL", cfg.LLM.EmbedModel)
	cfg.LLM.ChatModel = getEnv("GLIMPSE_CHAT_MODEL", cfg.LLM.ChatModel)
	cfg.LLM.EmbedDim = getEnvInt("GLIMPSE_EMBED_DIM", cfg.LLM.EmbedDim)
	cfg.LLM.Timeout = getEnvDuration("GLIMPSE_LLM_TIMEOUT", cfg.LLM.Timeout)

	cfg.OCR.BaseURL = getEnv("GLIMPSE_OCR_BASE_URL", cfg.OCR.BaseURL)
	cfg.OCR.Timeout = getEnvDuration("GLIMPSE_OCR_TIMEOUT", cfg.OCR.Timeout)

	cfg.Scheduler.MaxRetries = getEnvInt("GLIMPSE_MAX_RETRIES", cfg.Scheduler.MaxRetries)
	cfg.Scheduler.BackoffBase = getEnvDuration("GLIMPSE_BACKOFF_BASE", cfg.Scheduler.BackoffBase)
	cfg.Scheduler.BackoffCap = getEnvDuration("GLIMPSE_BACKOFF_CAP", cfg.Scheduler.BackoffCap)
	cfg.Scheduler.PollInterval = getEnvDuration("GLIMPSE_POLL_INTERVAL", cfg.Scheduler.PollInterval)
	cfg.Scheduler.StaleAfter = getEnvDuration("GLIMPSE_STALE_AFTER", cfg.Scheduler.StaleAfter)

	cfg.LogLevel = getEnv("GLIMPSE_LOG_LEVEL", cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: set GLIMPSE_LLM_API_KEY")
	}
	if c.LLM.EmbedDim <= 0 {
		return fmt.Errorf("GLIMPSE_EMBED_DIM must be positive, got %d", c.LLM.EmbedDim)
	}
	if c.Scheduler.MaxRetries <= 0 {
		return fmt.Errorf("GLIMPSE_MAX_RETRIES must be positive, got %d", c.Scheduler.MaxRetries)
	}
	return nil
}

// CaptureDir returns where programmatically saved images live.
func (c Config) CaptureDir() string {
	return filepath.Join(c.Storage.DataDir, "screenshots")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
