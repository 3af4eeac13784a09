// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// Config is everything the binary needs to wire up the service.
type Config struct {
	DatabaseURL        string
	RedisURL           string
	BindAddress        string
	PublicURL          string
	AllowedOrigins     string
	GoogleClientID     string
	GoogleClientSecret string
	// Pepper is the server-side token secret. Tokens only survive across
	// instances that share it.
	Pepper string
}

// Load reads a .env file when present, then the environment, falling
// back to development defaults. Secrets have no defaults.
func Load() (Config, error) {
	// Missing .env is fine; variables may come from the real environment.
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:        envOr("DATABASE_URL", "postgres://postgres:@localhost/app?sslmode=disable"),
		RedisURL:           envOr("REDIS_URL", "127.0.0.1:6379"),
		BindAddress:        envOr("HTTP_BIND_ADDRESS", "127.0.0.1:8088"),
		PublicURL:          envOr("PUBLIC_URL", "http://127.0.0.1:8088"),
		AllowedOrigins:     envOr("HTTP_ALLOWED_ORIGINS", ""),
		GoogleClientID:     os.Getenv("GOOGLE_OAUTH_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"),
		Pepper:             os.Getenv("PEPPER_0"),
	}

	if cfg.Pepper == "" {
		return Config{}, errors.New("PEPPER_0 must be set")
	}
	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
