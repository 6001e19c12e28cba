package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            string
	DatabaseURL     string
	LogLevel        string
	LogFormat       string
	JoinRateWindow  time.Duration
	ExpireInterval  time.Duration
	ExpireBatchSize int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return Config{
		Port:            port,
		DatabaseURL:     os.Getenv("DB_DSN"),
		LogLevel:        logLevel,
		LogFormat:       os.Getenv("LOG_FORMAT"),
		JoinRateWindow:  readDurationSeconds("JOIN_RATE_WINDOW_SECONDS", 60),
		ExpireInterval:  readDurationSeconds("EXPIRE_SCAN_INTERVAL_SECONDS", 300),
		ExpireBatchSize: readInt("EXPIRE_BATCH_SIZE", 100),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
