// Package secrets resolves sensitive configuration values.
//
// This package defines a CredentialStore interface for fetching the
// database and SMTP passwords. The production backend is 1Password Connect;
// plain environment variables are the fallback for development and CI.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// CredentialStore fetches named secrets.
type CredentialStore interface {
	// Get returns the secret value for a name. The environment backend
	// returns "" for an unset name; the 1Password backend returns an error
	// when the item or its password field is missing.
	Get(ctx context.Context, name string) (string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "env", or "auto".
	// "auto" (default) uses 1Password if configured, otherwise env.
	Backend string

	// 1Password Connect configuration.
	ConnectHost  string // OP_CONNECT_HOST
	ConnectToken string // OP_CONNECT_TOKEN
	VaultID      string // OP_VAULT_ID
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend:      getEnv("HTTPMON_SECRETS_BACKEND", "auto"),
		ConnectHost:  os.Getenv("OP_CONNECT_HOST"),
		ConnectToken: os.Getenv("OP_CONNECT_TOKEN"),
		VaultID:      os.Getenv("OP_VAULT_ID"),
	}
}

// NewCredentialStore creates a CredentialStore based on configuration.
func NewCredentialStore(cfg Config, logger *slog.Logger) (CredentialStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		if cfg.ConnectHost == "" || cfg.ConnectToken == "" || cfg.VaultID == "" {
			return nil, fmt.Errorf("1Password backend requested but OP_CONNECT_HOST, OP_CONNECT_TOKEN and OP_VAULT_ID are not all set")
		}
		return newOnePasswordStore(cfg, logger)

	case "env":
		return newEnvStore(logger), nil

	case "auto":
		if cfg.ConnectHost != "" && cfg.ConnectToken != "" && cfg.VaultID != "" {
			ks, err := newOnePasswordStore(cfg, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to environment",
					"error", err)
				return newEnvStore(logger), nil
			}
			return ks, nil
		}
		logger.Info("1Password Connect not configured, reading secrets from environment")
		return newEnvStore(logger), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
