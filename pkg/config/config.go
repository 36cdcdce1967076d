// Package config loads server configuration from the environment and
// per-container authority policies from a YAML file.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	PolicyFile   string
	OTLPEndpoint string
	RateRPS      int
	RateBurst    int
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local SQLite file.
		dbURL = "loom.db"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DatabaseURL:  dbURL,
		PolicyFile:   os.Getenv("POLICY_FILE"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		RateRPS:      intEnv("RATE_RPS", 100),
		RateBurst:    intEnv("RATE_BURST", 200),
	}
}

func intEnv(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
