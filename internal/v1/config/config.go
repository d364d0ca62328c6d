package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port       string
	BackendURL string // REST backend serving conversation listings and history
	SocketURL  string // realtime event channel endpoint

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	DevelopmentMode bool
	AllowedOrigins  string

	// Chat timing knobs. Defaults match the widget contract.
	DirectoryPollInterval time.Duration // conversation listing refresh
	SendTimeout           time.Duration // pending send with no echo -> failed
	TypingDebounce        time.Duration // at most one typing emit per window
	TypingExpiry          time.Duration // received indicator lifetime
	SessionIdleTimeout    time.Duration // engine teardown after inactivity

	// Rate Limits
	RateLimitAPIGlobal   string
	RateLimitAPIMessages string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: BACKEND_URL (http or https)
	cfg.BackendURL = os.Getenv("BACKEND_URL")
	if cfg.BackendURL == "" {
		errors = append(errors, "BACKEND_URL is required")
	} else if !isValidURL(cfg.BackendURL, "http", "https") {
		errors = append(errors, fmt.Sprintf("BACKEND_URL must be an http(s) URL (got '%s')", cfg.BackendURL))
	}

	// Required: SOCKET_URL (ws or wss)
	cfg.SocketURL = os.Getenv("SOCKET_URL")
	if cfg.SocketURL == "" {
		errors = append(errors, "SOCKET_URL is required")
	} else if !isValidURL(cfg.SocketURL, "ws", "wss") {
		errors = append(errors, fmt.Sprintf("SOCKET_URL must be a ws(s) URL (got '%s')", cfg.SocketURL))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Timing knobs with widget-contract defaults
	cfg.DirectoryPollInterval = getDurationOrDefault("DIRECTORY_POLL_INTERVAL", 30*time.Second, &errors)
	cfg.SendTimeout = getDurationOrDefault("SEND_TIMEOUT", 10*time.Second, &errors)
	cfg.TypingDebounce = getDurationOrDefault("TYPING_DEBOUNCE", 2*time.Second, &errors)
	cfg.TypingExpiry = getDurationOrDefault("TYPING_EXPIRY", 5*time.Second, &errors)
	cfg.SessionIdleTimeout = getDurationOrDefault("SESSION_IDLE_TIMEOUT", 30*time.Minute, &errors)

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "120-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// isValidURL checks the value parses and uses one of the allowed schemes
func isValidURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"backend_url", cfg.BackendURL,
		"socket_url", cfg.SocketURL,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"directory_poll_interval", cfg.DirectoryPollInterval,
		"send_timeout", cfg.SendTimeout,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getDurationOrDefault parses a duration env var, collecting an error on bad input
func getDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration (got '%s')", key, value))
		return defaultValue
	}
	return d
}
