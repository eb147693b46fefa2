package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Realtime endpoints. ChatPath is matched exactly; DocPathPrefix is a
	// prefix match with the remainder used as the document room name.
	ChatPath      string
	DocPathPrefix string

	// Per-connection limits
	MaxMessageSize int64
	SendBufferSize int

	// AllowedOrigins restricts WebSocket upgrades. "*" allows everything.
	AllowedOrigins []string

	// Text-completion collaborator (AI chat replies)
	CompletionAPIKey  string
	CompletionBaseURL string

	// Optional cross-instance fan-out bridge. Empty means single-process.
	RedisAddr string

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "projectlab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		ChatPath:      getEnv("CHAT_PATH", "/ws/chat"),
		DocPathPrefix: getEnv("DOC_PATH_PREFIX", "/ws/doc"),

		MaxMessageSize: int64(getEnvInt("MAX_MESSAGE_SIZE", 1<<20)),
		SendBufferSize: getEnvInt("SEND_BUFFER_SIZE", 256),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),

		CompletionAPIKey:  getEnv("COMPLETION_API_KEY", ""),
		CompletionBaseURL: getEnv("COMPLETION_BASE_URL", "https://api.openai.com/v1"),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.ChatPath == cfg.DocPathPrefix {
		return nil, fmt.Errorf("CHAT_PATH and DOC_PATH_PREFIX must differ")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if n, err := fmt.Sscanf(value, "%d", &result); err == nil && n == 1 {
			return result
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
