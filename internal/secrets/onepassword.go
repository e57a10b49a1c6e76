package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// onePasswordStore fetches secrets from 1Password via the Connect API.
//
// Each secret name maps to an item title in the configured vault; the value
// is the item's "password" field (or its first concealed field).
type onePasswordStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls for the same secret.
	mu    sync.RWMutex
	cache map[string]string
}

func newOnePasswordStore(cfg Config, logger *slog.Logger) (*onePasswordStore, error) {
	client := connect.NewClientWithUserAgent(cfg.ConnectHost, cfg.ConnectToken, "httpmon-replica")

	logger.Info("using 1Password Connect secrets backend", "vault_id", cfg.VaultID)

	return &onePasswordStore{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

func (s *onePasswordStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	item, err := s.client.GetItemByTitle(name, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("fetching %s from 1Password: %w", name, err)
	}

	value := passwordField(item)
	if value == "" {
		return "", fmt.Errorf("item %s has no password field", name)
	}

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

func (s *onePasswordStore) Close() error {
	return nil
}

// passwordField returns the item's "password" field, falling back to the
// first concealed field.
func passwordField(item *onepassword.Item) string {
	var concealed string
	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if strings.EqualFold(f.Label, "password") {
			return f.Value
		}
		if concealed == "" && f.Type == "CONCEALED" {
			concealed = f.Value
		}
	}
	return concealed
}
