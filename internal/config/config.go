// Package config loads and validates the environment-driven configuration
// every component is wired from: a typed struct with startup validation,
// rather than scattering os.Getenv calls through main.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Env      string // NODE_ENV / ENV, default "development"
	LogLevel string // LOG_LEVEL, default "info"
	DBPath   string // DB_PATH, default "./data/assistant.db"

	GmailEnabled       bool
	GmailCredentials   string
	OutlookEnabled     bool
	OutlookCredentials string

	AIProvider string // AI_PROVIDER, default "ollama"
	AIModel    string // AI_MODEL, default "llama3"
	OllamaURL  string // OLLAMA_URL, default "http://localhost:11434"

	CheckIntervalMinutes int // CHECK_INTERVAL_MINUTES, default 5
	MaxRetries           int // MAX_RETRIES, default 3
}

// getEnv returns the environment variable named key, or def if unset or empty.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

// Load reads configuration from the process environment and validates it.
// Validation rejects a configuration where no mail provider is enabled, or
// where an enabled provider is missing its paired credentials.
func Load() (Config, error) {
	env := getEnv("ENV", getEnv("NODE_ENV", "development"))

	cfg := Config{
		Env:      env,
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		DBPath:   getEnv("DB_PATH", "./data/assistant.db"),

		GmailEnabled:       getEnvBool("GMAIL_ENABLED", false),
		GmailCredentials:   getEnv("GMAIL_CREDENTIALS", ""),
		OutlookEnabled:     getEnvBool("OUTLOOK_ENABLED", false),
		OutlookCredentials: getEnv("OUTLOOK_CREDENTIALS", ""),

		AIProvider: getEnv("AI_PROVIDER", "ollama"),
		AIModel:    getEnv("AI_MODEL", "llama3"),
		OllamaURL:  getEnv("OLLAMA_URL", "http://localhost:11434"),

		CheckIntervalMinutes: getEnvInt("CHECK_INTERVAL_MINUTES", 5),
		MaxRetries:           getEnvInt("MAX_RETRIES", 3),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup rejection rules: at least one mail
// provider enabled, and every enabled provider carries its credentials.
func (c Config) Validate() error {
	if !c.GmailEnabled && !c.OutlookEnabled {
		return fmt.Errorf("config: no mail provider enabled (set GMAIL_ENABLED or OUTLOOK_ENABLED)")
	}
	if c.GmailEnabled && c.GmailCredentials == "" {
		return fmt.Errorf("config: GMAIL_ENABLED is true but GMAIL_CREDENTIALS is missing")
	}
	if c.OutlookEnabled && c.OutlookCredentials == "" {
		return fmt.Errorf("config: OUTLOOK_ENABLED is true but OUTLOOK_CREDENTIALS is missing")
	}
	if c.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("config: CHECK_INTERVAL_MINUTES must be positive, got %d", c.CheckIntervalMinutes)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	return nil
}
