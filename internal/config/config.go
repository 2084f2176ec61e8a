package config

import (
	"os"
	"strconv"
)

// Config holds the server configuration, loaded from the environment.
// DatabaseURL and RedisURL are optional: without them the engine runs on
// the in-memory store, which suits development and tests.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	TrendMonths int
	Env         string
}

func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	months := 6
	if v := os.Getenv("TREND_MONTHS_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			months = n
		}
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &Config{
		Port:        port,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		TrendMonths: months,
		Env:         env,
	}
}
