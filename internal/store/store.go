// Package store persists task records.
package store

import (
	"context"
	"fmt"
	"strings"

	"intake/internal/logging"
	"intake/internal/store/memory"
	"intake/internal/store/postgres"
	"intake/internal/task"
	"intake/internal/utils/id"
)

// Store accepts records and returns the id they were stored under. Errors
// wrap errors.ErrPersistence.
type Store interface {
	Insert(ctx context.Context, record *task.Record) (string, error)
	Close() error
}

// Config selects the backend.
type Config struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // memory, postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
	// IDStrategy picks record ids: ksuid (default) or uuidv7.
	IDStrategy string `mapstructure:"id_strategy" yaml:"id_strategy"`
}

// Open builds the configured backend. For postgres the schema is created
// when missing.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (Store, error) {
	logger = logging.OrNop(logger)
	ids := id.NewGenerator(id.ParseStrategy(cfg.IDStrategy))
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		logger.Info("Using in-memory record store")
		return memory.New(ids), nil
	case "postgres", "postgresql":
		s, err := postgres.Open(ctx, cfg.DSN, ids)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("Using postgres record store")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
