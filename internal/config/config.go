// Package config provides application configuration management using environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Gateway   GatewayConfig
	Presence  PresenceConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPPort string
	Host     string
	Env      string
	// PublicGatewayURL is the websocket URL handed to clients in ticket
	// responses. It points at this server unless a proxy fronts it.
	PublicGatewayURL string
}

// GatewayConfig holds websocket session protocol configuration
type GatewayConfig struct {
	HeartbeatInterval time.Duration
	MaxFrameBytes     int64
	FrameRate         float64
	FrameBurst        int
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	TicketTTL         time.Duration
	AllowedOrigins    []string
}

// PresenceConfig holds presence aggregation configuration
type PresenceConfig struct {
	IdleAfter     time.Duration
	AudienceTTL   time.Duration
	SweepInterval time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// AuthConfig holds identity assertion verification configuration
type AuthConfig struct {
	// JWTPublicKey is the PEM-encoded ES256 public key of the identity
	// issuer.
	JWTPublicKey string
	Issuer       string
	Leeway       time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// TelemetryConfig holds OTLP metric export configuration
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Load loads configuration from environment variables
// It optionally loads from a .env file if it exists
func Load() (*Config, error) {
	// Try to load .env file (optional, ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Server = ServerConfig{
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		Host:             getEnv("SERVER_HOST", "localhost"),
		Env:              getEnv("ENVIRONMENT", "development"),
		PublicGatewayURL: getEnv("PUBLIC_GATEWAY_URL", "ws://localhost:8080/gateway"),
	}

	maxFrameBytes, _ := strconv.ParseInt(getEnv("GATEWAY_MAX_FRAME_BYTES", "65536"), 10, 64)
	frameRate, _ := strconv.ParseFloat(getEnv("GATEWAY_FRAME_RATE", "10"), 64)
	frameBurst, _ := strconv.Atoi(getEnv("GATEWAY_FRAME_BURST", "120"))

	cfg.Gateway = GatewayConfig{
		HeartbeatInterval: getDurationEnv("GATEWAY_HEARTBEAT_INTERVAL", 45*time.Second),
		MaxFrameBytes:     maxFrameBytes,
		FrameRate:         frameRate,
		FrameBurst:        frameBurst,
		StaleAfter:        getDurationEnv("GATEWAY_STALE_AFTER", 5*time.Minute),
		SweepInterval:     getDurationEnv("GATEWAY_SWEEP_INTERVAL", time.Minute),
		TicketTTL:         getDurationEnv("GATEWAY_TICKET_TTL", time.Minute),
		AllowedOrigins:    splitList(getEnv("GATEWAY_ALLOWED_ORIGINS", "")),
	}

	cfg.Presence = PresenceConfig{
		IdleAfter:     getDurationEnv("PRESENCE_IDLE_AFTER", 10*time.Minute),
		AudienceTTL:   getDurationEnv("PRESENCE_AUDIENCE_TTL", 30*time.Second),
		SweepInterval: getDurationEnv("PRESENCE_SWEEP_INTERVAL", time.Minute),
	}

	maxOpenConns, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	maxIdleConns, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))

	cfg.Database = DatabaseConfig{
		Host:         getEnv("DB_HOST", "localhost"),
		Port:         getEnv("DB_PORT", "5432"),
		User:         getEnv("DB_USER", "edgewire"),
		Password:     getEnv("DB_PASSWORD", ""),
		Name:         getEnv("DB_NAME", "edgewire_db"),
		SSLMode:      getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns: maxOpenConns,
		MaxIdleConns: maxIdleConns,
	}

	cfg.Auth = AuthConfig{
		JWTPublicKey: getEnv("AUTH_JWT_PUBLIC_KEY", ""),
		Issuer:       getEnv("AUTH_JWT_ISSUER", ""),
		Leeway:       getDurationEnv("AUTH_JWT_LEEWAY", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	cfg.Telemetry = TelemetryConfig{
		Enabled:     getEnv("TELEMETRY_ENABLED", "false") == "true",
		Endpoint:    getEnv("TELEMETRY_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName: getEnv("TELEMETRY_SERVICE_NAME", "edgewire"),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate Gateway Config
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("GATEWAY_HEARTBEAT_INTERVAL must be positive")
	}
	if c.Gateway.MaxFrameBytes <= 0 {
		return fmt.Errorf("GATEWAY_MAX_FRAME_BYTES must be positive")
	}
	if c.Gateway.FrameRate <= 0 {
		return fmt.Errorf("GATEWAY_FRAME_RATE must be positive")
	}
	if c.Gateway.FrameBurst <= 0 {
		return fmt.Errorf("GATEWAY_FRAME_BURST must be positive")
	}
	if c.Gateway.TicketTTL <= 0 {
		return fmt.Errorf("GATEWAY_TICKET_TTL must be positive")
	}
	if c.Gateway.StaleAfter < 2*c.Gateway.HeartbeatInterval {
		return fmt.Errorf("GATEWAY_STALE_AFTER must be at least twice GATEWAY_HEARTBEAT_INTERVAL")
	}

	// Validate Presence Config
	if c.Presence.IdleAfter <= 0 {
		return fmt.Errorf("PRESENCE_IDLE_AFTER must be positive")
	}
	if c.Presence.AudienceTTL <= 0 {
		return fmt.Errorf("PRESENCE_AUDIENCE_TTL must be positive")
	}

	// Validate Database Config
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	// Validate Auth Config
	if c.Auth.JWTPublicKey == "" {
		return fmt.Errorf("AUTH_JWT_PUBLIC_KEY is required")
	}

	// Validate Logging Config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}

	// Validate Telemetry Config
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("TELEMETRY_OTLP_ENDPOINT is required when telemetry is enabled")
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// getEnv retrieves an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getDurationEnv retrieves a duration environment variable, falling back on
// the default when unset or unparseable
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// splitList splits a comma-separated list, dropping empty entries
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
