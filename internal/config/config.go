// Package config provides environment configuration for the client and gateway.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevelopmentJWTSecret is the JWT secret used when JWT_SECRET is unset.
const DevelopmentJWTSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Backend settings
	BackendURL     string
	BackendToken   string
	RequestTimeout time.Duration
	DefaultModel   string

	// Gateway server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSAllowedOrigins []string
	StreamHeartbeat    time.Duration

	// NATS audit log settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	AuditMaxAge  time.Duration

	// JWT settings
	AuthEnabled bool
	JWTSecret   string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory, if present, is applied first without overriding
// variables that are already set.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Backend
		BackendURL:     getEnv("BACKEND_URL", "http://localhost:8000"),
		BackendToken:   getEnv("BACKEND_TOKEN", ""),
		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 30*time.Second),
		DefaultModel:   getEnv("DEFAULT_MODEL", ""),

		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),
		StreamHeartbeat:    getDurationEnv("STREAM_HEARTBEAT", 15*time.Second),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		AuditMaxAge:  getDurationEnv("AUDIT_MAX_AGE", 30*24*time.Hour),

		// JWT
		AuthEnabled: getBoolEnv("AUTH_ENABLED", false),
		JWTSecret:   getEnv("JWT_SECRET", DevelopmentJWTSecret),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping empty entries.
func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
