// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

// Store and resolver backends.
const (
	StoreSQLite = "sqlite"
	StoreHTTP   = "http"

	ResolverHTTP   = "http"
	ResolverGRPC   = "grpc"
	ResolverOpenAI = "openai"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    string

	StoreBackend string
	DBPath       string
	BackendURL   string
	Agents       []domain.Agent

	ResolverBackend string
	ResolverAddr    string
	OpenAI          OpenAIConfig

	TaxonomyFile           string
	SubprocessDisplayLimit int
	BaselineLanguage       string

	HandoffPollInterval time.Duration
	RedisAddr           string

	AuthURL       string
	DevTokens     bool
	RateLimit     float64
	RateBurst     int
	IdleTTL       time.Duration
	TraceExporter string
	ServiceName   string
}

// OpenAIConfig configures the chat-completions resolver.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
		DBPath:       getEnv("DB_PATH", "./data/supportdesk.db"),
		BackendURL:   getEnv("BACKEND_URL", "http://localhost:5000"),
		Agents:       parseAgents(getEnv("AGENT_ROSTER", "")),

		ResolverBackend: strings.ToLower(getEnv("RESOLVER_BACKEND", ResolverHTTP)),
		ResolverAddr:    getEnv("RESOLVER_ADDR", ""),
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", ""),
		},

		TaxonomyFile:           getEnv("TAXONOMY_FILE", ""),
		SubprocessDisplayLimit: getEnvInt("SUBPROCESS_DISPLAY_LIMIT", 8),
		BaselineLanguage:       getEnv("BASELINE_LANGUAGE", "English"),

		HandoffPollInterval: getEnvDuration("HANDOFF_POLL_INTERVAL", 5*time.Second),
		RedisAddr:           getEnv("REDIS_ADDR", ""),

		AuthURL:       getEnv("AUTH_URL", ""),
		DevTokens:     getEnvBool("DEV_TOKENS", false),
		RateLimit:     getEnvFloat("CHAT_RATE_LIMIT", 2),
		RateBurst:     getEnvInt("CHAT_RATE_BURST", 5),
		IdleTTL:       getEnvDuration("CONVERSATION_IDLE_TTL", 30*time.Minute),
		TraceExporter: strings.ToLower(getEnv("OTEL_TRACES_EXPORTER", "none")),
		ServiceName:   getEnv("OTEL_SERVICE_NAME", "supportdesk"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StoreBackend {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreHTTP:
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required when STORE_BACKEND=http")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be sqlite or http, got %q", c.StoreBackend)
	}
	switch c.ResolverBackend {
	case ResolverHTTP:
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required when RESOLVER_BACKEND=http")
		}
	case ResolverGRPC:
		if c.ResolverAddr == "" {
			return fmt.Errorf("RESOLVER_ADDR is required when RESOLVER_BACKEND=grpc")
		}
	case ResolverOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when RESOLVER_BACKEND=openai")
		}
	default:
		return fmt.Errorf("RESOLVER_BACKEND must be http, grpc or openai, got %q", c.ResolverBackend)
	}
	if c.AuthURL == "" && !c.DevTokens {
		return fmt.Errorf("AUTH_URL is required unless DEV_TOKENS is enabled")
	}
	if c.SubprocessDisplayLimit <= 0 {
		return fmt.Errorf("SUBPROCESS_DISPLAY_LIMIT must be > 0")
	}
	if c.HandoffPollInterval <= 0 {
		return fmt.Errorf("HANDOFF_POLL_INTERVAL must be > 0")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_BURST must be > 0")
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("CONVERSATION_IDLE_TTL must be > 0")
	}
	if c.TraceExporter != "none" && c.TraceExporter != "stdout" {
		return fmt.Errorf("OTEL_TRACES_EXPORTER must be none or stdout, got %q", c.TraceExporter)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// parseAgents reads "Name|Phone|EmployeeID" entries separated by commas.
func parseAgents(raw string) []domain.Agent {
	var agents []domain.Agent
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		a := domain.Agent{Name: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			a.Phone = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			a.EmployeeID = strings.TrimSpace(parts[2])
		}
		if a.EmployeeID == "" {
			a.EmployeeID = a.Name
		}
		agents = append(agents, a)
	}
	return agents
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
