// Package migration defines the migration-runner seam used by the kit and
// provides two implementations: a no-op default and a revision-chain runner.
// Other strategies (e.g. Atlas) plug in through the Migrator interface.
package migration

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrator applies database schema migrations. The kit invokes it during
// initialization to bring the freshly provisioned database to the desired
// schema state. Implementations should log through the provided logger and
// respect the context for cancellation.
type Migrator interface {
	Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error
}

// NoOpMigrator performs no migrations. It is the default when no migrator
// is configured, leaving the provisioned database empty.
type NoOpMigrator struct{}

// Apply implements Migrator.
func (m *NoOpMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	logger.Debug("Migration skipped (NoOpMigrator).")
	return nil
}
