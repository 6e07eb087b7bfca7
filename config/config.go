// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration sourced from env vars.
type Config struct {
	Port        int
	DatabaseURL string // postgres; empty selects SQLite
	SQLitePath  string
	JWTSecret   string
	JWTIssuer   string
	JWTTTL      time.Duration
	CORSOrigins []string
	Location    *time.Location
	LogLevel    slog.Level

	ReconcileInterval time.Duration // 0 disables

	KafkaBrokers     []string
	KafkaTopicPrefix string

	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads configuration from the environment and performs minimal validation.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:       fallback(os.Getenv("SQLITE_PATH"), "appointments.db"),
		JWTSecret:        strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTIssuer:        fallback(os.Getenv("JWT_ISSUER"), "appointment-engine"),
		CORSOrigins:      parseCSV(fallback(os.Getenv("CORS_ALLOWED_ORIGINS"), "http://localhost:5173,http://localhost:8080")),
		KafkaBrokers:     parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopicPrefix: strings.TrimSpace(os.Getenv("KAFKA_TOPIC_PREFIX")),
		OTelEnabled:      parseBool(os.Getenv("OTEL_ENABLED"), false),
		OTelEndpoint:     fallback(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "localhost:4317"),
		OTelSampleRatio:  1,
	}

	port, err := strconv.Atoi(fallback(os.Getenv("PORT"), "8080"))
	if err != nil || port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT %q", os.Getenv("PORT"))
	}
	cfg.Port = port

	if ttlMinutes, err := strconv.Atoi(fallback(os.Getenv("JWT_TTL_MINUTES"), "60")); err == nil && ttlMinutes > 0 {
		cfg.JWTTTL = time.Duration(ttlMinutes) * time.Minute
	} else {
		cfg.JWTTTL = 60 * time.Minute
	}

	if minutes, err := strconv.Atoi(fallback(os.Getenv("RECONCILE_INTERVAL_MINUTES"), "60")); err == nil && minutes >= 0 {
		cfg.ReconcileInterval = time.Duration(minutes) * time.Minute
	} else {
		cfg.ReconcileInterval = 60 * time.Minute
	}

	loc, err := time.LoadLocation(fallback(os.Getenv("APP_TIMEZONE"), "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid APP_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if err := cfg.LogLevel.UnmarshalText([]byte(fallback(os.Getenv("LOG_LEVEL"), "info"))); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLING_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.OTelSampleRatio = f
		}
	}

	return cfg, nil
}

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func parseCSV(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseBool(value string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return b
}
