package tempgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/tempgres/config"
)

// Kit is a handle to a provisioned test database: connection pools,
// transaction runners, and teardown.
type Kit interface {
	// DB returns the standard library *sql.DB connection pool.
	DB() *sql.DB
	// Pool returns the pgx *pgxpool.Pool connection pool.
	Pool() *pgxpool.Pool
	// ConnectionString returns the DSN of the kit's database.
	ConnectionString() string
	// DatabaseName returns the name of the database the kit is bound to.
	// In single mode this is the provisioned per-kit database; in normal
	// mode it is the configured database.
	DatabaseName() string
	// Mode returns the provisioning mode the kit was created with.
	Mode() config.Mode
	// RunSQLTx executes a test function within a sql.Tx transaction.
	// The transaction is rolled back at the end of the test.
	RunSQLTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx *sql.Tx) error)
	// RunTx executes a test function within a pgx.Tx transaction.
	// The transaction is rolled back at the end of the test.
	RunTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx pgx.Tx) error)
	// Cleanup releases everything the kit acquired: connections, the
	// provisioned database (single mode), and the dedicated server if one
	// was started. Registered automatically via t.Cleanup when NewKit is
	// given a *testing.T.
	Cleanup() error
}
