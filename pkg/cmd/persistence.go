package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/persistence/postgresql"
	"github.com/dukex/conveyor/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence opens the backend named by the scheme of databaseURL. When sweepingOutputURL
// is a redis:// URL, sweeping outputs and notify responses are served from Redis instead.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, sweepingOutputURL string) persistence.Persistence {
	var base persistence.Persistence

	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		postgres, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL persistence: %w", err))
		}

		base = postgres
	default:
		base = file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}

	if !strings.HasPrefix(sweepingOutputURL, "redis://") && !strings.HasPrefix(sweepingOutputURL, "rediss://") {
		return base
	}

	overlay, err := redis.NewPersistence(ctx, logger, sweepingOutputURL, base)
	if err != nil {
		panic(fmt.Errorf("failed to create Redis persistence: %w", err))
	}

	return overlay
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
