package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aerodesk/charterflow/pkg/persistence"
	"github.com/aerodesk/charterflow/pkg/persistence/memory"
	"github.com/aerodesk/charterflow/pkg/persistence/postgres"
)

// NewPersistence selects the store from the URL scheme. "memory://" keeps
// everything in-process for development; anything postgres-shaped gets the
// real store with migrations applied.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case databaseURL == "" || strings.HasPrefix(databaseURL, "memory://"):
		return memory.NewPersistence()
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		store, err := postgres.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create postgres persistence: %w", err))
		}

		return store
	default:
		panic("Unsupported database URL: " + databaseURL)
	}
}
