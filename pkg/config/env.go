package config

import (
	"os"
	"strconv"
	"strings"
)

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("CHATBRIDGE_ADDR", cfg.Server.Addr)
	cfg.Models = getEnv("CHATBRIDGE_MODELS", cfg.Models)
	cfg.Store.Driver = getEnv("CHATBRIDGE_STORE", cfg.Store.Driver)
	cfg.Agent.PermissionMode = getEnv("CHATBRIDGE_PERMISSION_MODE", cfg.Agent.PermissionMode)

	if level := os.Getenv("CHATBRIDGE_LOG_LEVEL"); level != "" {
		if cfg.Log == nil {
			cfg.Log = &LogConfig{}
		}
		cfg.Log.Level = level
	}
	if rate := GetEnvFloat("CHATBRIDGE_RATE", 0); rate > 0 {
		cfg.Limits.MessagesPerSecond = rate
	}
	if burst := GetEnvInt("CHATBRIDGE_BURST", 0); burst > 0 {
		cfg.Limits.Burst = burst
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable or returns a default.
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// GetEnvFloat gets a float environment variable or returns a default.
func GetEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}
