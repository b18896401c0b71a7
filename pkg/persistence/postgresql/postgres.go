// Package postgresql provides PostgreSQL persistence for state executions and their supporting stores.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db                 *sql.DB
	logger             *slog.Logger
	stateExecutionRepo *StateExecutionRepository
	sweepingOutputRepo *SweepingOutputRepository
	notifyResponseRepo *NotifyResponseRepository
	verificationRepo   *VerificationRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:                 database,
		logger:             logger,
		stateExecutionRepo: NewStateExecutionRepository(database, logger),
		sweepingOutputRepo: NewSweepingOutputRepository(database),
		notifyResponseRepo: NewNotifyResponseRepository(database, logger),
		verificationRepo:   NewVerificationRepository(database),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) StateExecutionRepository() persistence.StateExecutionRepository {
	return p.stateExecutionRepo
}

func (p *Persistence) SweepingOutputRepository() persistence.SweepingOutputRepository {
	return p.sweepingOutputRepo
}

func (p *Persistence) NotifyResponseRepository() persistence.NotifyResponseRepository {
	return p.notifyResponseRepo
}

func (p *Persistence) VerificationRepository() persistence.VerificationRepository {
	return p.verificationRepo
}
