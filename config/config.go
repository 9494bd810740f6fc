// Package config loads service configuration from a .env file and the
// process environment, handing explicit structs to the components.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/canal-chat/canal/src/bridge"
)

// Config holds everything the server binary needs at startup.
type Config struct {
	ListenAddr string
	Broker     bridge.Config
}

// Load reads configuration from .env (if present) and environment
// variables, falling back to defaults for anything unset.
func Load() *Config {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		Broker:     bridge.DefaultConfig(),
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Broker.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Broker.Port = p
		}
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Broker.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Broker.DB = n
		}
	}
	if prefix := os.Getenv("REDIS_ROOM_PREFIX"); prefix != "" {
		cfg.Broker.Prefix = prefix
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
