package secrets

import (
	"context"
	"log/slog"
	"os"
)

// envStore reads secrets straight from environment variables. Intended for
// development and test environments.
type envStore struct {
	logger *slog.Logger
}

func newEnvStore(logger *slog.Logger) *envStore {
	logger.Info("using environment secrets backend")
	return &envStore{logger: logger}
}

func (s *envStore) Get(ctx context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}

func (s *envStore) Close() error {
	return nil
}
