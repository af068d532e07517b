package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/veiloq/tempgres/config"
	"github.com/veiloq/tempgres/internal/cleanup"
	"go.uber.org/zap"

	_ "github.com/lib/pq" // driver for sql.Open("postgres", ...)
)

// duplicateDatabaseCode is the SQLSTATE postgres returns when CREATE
// DATABASE hits an existing name.
const duplicateDatabaseCode = "42P04"

// ProvisionError reports that a database could not be created: the admin
// connection failed or the server rejected the statement.
type ProvisionError struct {
	Database string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision database %q: %v", e.Database, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ConflictError reports that the requested database name already exists on
// the server. With allocator-issued names this means another process owns
// the name; the caller should allocate a fresh one.
type ConflictError struct {
	Database string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("database %q already exists: %v", e.Database, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Create connects to the server's administrative database and creates the
// named database. CREATE DATABASE cannot run inside a transaction block, so
// the statement is executed on a plain connection.
//
// A duplicate name is returned as *ConflictError, any other failure as
// *ProvisionError.
func Create(ctx context.Context, cfg config.Config, name string, logger *zap.Logger) error {
	adminDSN := cfg.AdminDSN()
	logger.Debug("Connecting to admin database to create database", zap.String("database", name))

	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return &ProvisionError{Database: name, Err: fmt.Errorf("open admin connection: %w", err)}
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		return &ProvisionError{Database: name, Err: fmt.Errorf("ping admin database: %w", err)}
	}

	quoted := pgx.Identifier{name}.Sanitize()
	if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", quoted)); err != nil {
		if isDuplicateDatabase(err) {
			return &ConflictError{Database: name, Err: err}
		}
		return &ProvisionError{Database: name, Err: err}
	}

	logger.Info("Created database", zap.String("database", name))
	return nil
}

// DropFunc returns a cleanup function that terminates any remaining
// backends connected to the named database and then drops it with
// DROP DATABASE IF EXISTS, so teardown is explicitly idempotent. When keep
// is true the drop is skipped.
func DropFunc(adminDSN, name string, keep bool, logger *zap.Logger) cleanup.Func {
	return func() error {
		if keep {
			logger.Info("Skipping database drop because KeepDatabase is enabled.", zap.String("database", name))
			return nil
		}

		logger.Debug("Dropping database", zap.String("database", name))
		db, err := sql.Open("postgres", adminDSN)
		if err != nil {
			logger.Error("Cleanup: error connecting to admin database", zap.String("database", name), zap.Error(err))
			return fmt.Errorf("cleanup: error connecting to admin database to drop %q: %w", name, err)
		}
		defer db.Close()

		// Cleanup may run after the test's context is gone, so these use a
		// background context with their own timeouts.
		termCtx, termCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer termCancel()
		_, termErr := db.ExecContext(termCtx,
			`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
			name,
		)
		if termErr != nil {
			logger.Warn("Cleanup: failed to terminate connections before drop, proceeding anyway",
				zap.String("database", name), zap.Error(termErr))
		}

		dropCtx, dropCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer dropCancel()
		quoted := pgx.Identifier{name}.Sanitize()
		if _, err := db.ExecContext(dropCtx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoted)); err != nil {
			logger.Error("Cleanup: error dropping database", zap.String("database", name), zap.Error(err))
			return fmt.Errorf("cleanup: error dropping database %q: %w", name, err)
		}

		logger.Info("Cleanup: dropped database", zap.String("database", name))
		return nil
	}
}

func isDuplicateDatabase(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == duplicateDatabaseCode
	}
	// lib/pq reports the SQLSTATE through its own error type; match on the
	// code string to stay driver-agnostic.
	type sqlStater interface{ SQLState() string }
	var st sqlStater
	if errors.As(err, &st) {
		return st.SQLState() == duplicateDatabaseCode
	}
	return false
}
