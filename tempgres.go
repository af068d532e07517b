package tempgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/tempgres/config"
	"github.com/veiloq/tempgres/connection"
	"github.com/veiloq/tempgres/instance"
	"github.com/veiloq/tempgres/internal/cleanup"
	"github.com/veiloq/tempgres/internal/logger"
	"github.com/veiloq/tempgres/provision"
	"go.uber.org/zap"
)

// Base directory for runtime data of dedicated instances.
const defaultRuntimeBasePath = ".tempgres"

// Process-wide allocators so concurrently constructed kits never collide on
// database or runtime directory names.
var (
	dbNames      = provision.NewAllocator("test_")
	runtimeNames = provision.NewAllocator("runtime_")
)

// TempKit is the default Kit implementation. Create instances with NewKit.
type TempKit struct {
	db      *sql.DB
	pgxPool *pgxpool.Pool
	cfg     config.Config
	mode    config.Mode
	server  *instance.Server // nil when attached to a shared server
	dbName  string
	dsn     string
	logger  *zap.Logger
	cleanup *cleanup.Manager
}

// ConnectionString returns the DSN of the kit's database.
func (tk *TempKit) ConnectionString() string {
	return tk.dsn
}

// DB returns the sql.DB connection pool for the kit's database.
func (tk *TempKit) DB() *sql.DB {
	return tk.db
}

// Pool returns the pgxpool.Pool connection pool for the kit's database.
func (tk *TempKit) Pool() *pgxpool.Pool {
	return tk.pgxPool
}

// DatabaseName returns the name of the database the kit is bound to.
func (tk *TempKit) DatabaseName() string {
	return tk.dbName
}

// Mode returns the provisioning mode the kit was created with.
func (tk *TempKit) Mode() config.Mode {
	return tk.mode
}

// Cleanup executes all registered cleanup functions in reverse order. It
// runs only once and returns the first error encountered.
func (tk *TempKit) Cleanup() error {
	return tk.cleanup.Execute()
}

// executeTestFn wraps the execution of the user's test function, converting
// panics into errors. Generic over the transaction type so both runners
// share it.
func executeTestFn[T any](t *testing.T, fn func(ctx context.Context, tx T) error, ctx context.Context, tx T) (err error) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			// The caller decides how to handle it; a test may expect the
			// panic.
			err = fmt.Errorf("test panicked: %v", r)
		}
	}()
	return fn(ctx, tx)
}

// RunSQLTx runs the test function within a sql.Tx transaction on the kit's
// database. The transaction is always rolled back, so each call observes a
// clean state.
func (tk *TempKit) RunSQLTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx *sql.Tx) error) {
	t.Helper()

	tx, err := tk.db.BeginTx(ctx, tk.cfg.SQLTxOptions)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			t.Logf("Warning: failed to rollback transaction: %v", rollbackErr)
		}
	}()

	// Errors are not failed here; rollback tests legitimately return them.
	if testErr := executeTestFn(t, testFn, ctx, tx); testErr != nil {
		t.Logf("Test function returned error (expected in some cases): %v", testErr)
	}
}

// RunTx runs the test function within a pgx.Tx transaction on the kit's
// database. The transaction is always rolled back.
func (tk *TempKit) RunTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx pgx.Tx) error) {
	t.Helper()

	if tk.pgxPool == nil {
		t.Fatal("pgxPool is not initialized. Ensure NewKit completed successfully.")
	}

	tx, err := tk.pgxPool.BeginTx(ctx, tk.cfg.PgxTxOptions)
	if err != nil {
		t.Fatalf("Failed to begin pgx transaction: %v", err)
	}
	defer func() {
		rollbackCtx, rollbackCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rollbackCancel()
		if rollbackErr := tx.Rollback(rollbackCtx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			t.Logf("Warning: failed to rollback pgx transaction: %v", rollbackErr)
		}
	}()

	if testErr := executeTestFn(t, testFn, ctx, tx); testErr != nil {
		t.Logf("Test function returned error (expected in some cases): %v", testErr)
	}
}

// NewKit starts (or attaches to) a PostgreSQL server, provisions a database
// according to the configured mode, applies migrations, and returns a Kit
// connected to that database.
//
// When t is non-nil, logging goes through zaptest and Cleanup is registered
// with t.Cleanup automatically; otherwise the caller must call Cleanup.
// Any error during setup tears down everything acquired so far.
func NewKit(ctx context.Context, t *testing.T, initialConfig config.Config, opts ...config.Option) (_ Kit, err error) {
	if err := initialConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial configuration provided: %w", err)
	}

	settings, finalConfig := config.ApplyOptions(&initialConfig, opts...)

	log, _, err := logger.InitLogger(t, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tk := &TempKit{
		mode:    settings.Mode(),
		logger:  log,
		cleanup: cleanup.NewManager(log),
	}

	// If anything below fails, release what was acquired so far.
	defer func() {
		if err != nil {
			if cleanupErr := tk.Cleanup(); cleanupErr != nil {
				tk.logger.Error("Error during cleanup after setup failure", zap.Error(cleanupErr))
			}
		}
	}()

	// --- Server setup ---
	var adminDSN string

	if settings.UseSharedServer() {
		tk.logger.Info("Attaching to shared PostgreSQL server.", zap.Stringer("mode", tk.mode))

		// Host, port and credentials come from the shared server; the
		// target database and per-kit knobs come from this kit's own
		// merged config.
		tk.cfg = settings.SharedConfig()
		tk.cfg.Database = finalConfig.Database
		tk.cfg.DSNParams = finalConfig.DSNParams
		tk.cfg.SQLTxOptions = finalConfig.SQLTxOptions
		tk.cfg.PgxTxOptions = finalConfig.PgxTxOptions
		tk.cfg.KeepDatabase = finalConfig.KeepDatabase
		tk.cfg.DumpPath = finalConfig.DumpPath
		tk.cfg.LoadPath = finalConfig.LoadPath

		adminDSN = settings.DSN()
		if adminDSN == "" {
			return nil, fmt.Errorf("dsn cannot be empty when using WithSharedServer")
		}
	} else {
		tk.logger.Info("Starting dedicated PostgreSQL server for this kit.", zap.Stringer("mode", tk.mode))
		tk.cfg = finalConfig

		if err = instance.AssignRandomPort(&tk.cfg, tk.logger); err != nil {
			return nil, fmt.Errorf("failed to assign port for dedicated server: %w", err)
		}

		if err = os.MkdirAll(defaultRuntimeBasePath, 0750); err != nil {
			return nil, fmt.Errorf("failed to create base runtime directory %q: %w", defaultRuntimeBasePath, err)
		}
		workDir, err := filepath.Abs(filepath.Join(defaultRuntimeBasePath, runtimeNames.Next()))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve runtime directory: %w", err)
		}
		tk.logger.Debug("Using unique working directory for dedicated instance", zap.String("path", workDir))

		tk.server, err = instance.Start(ctx, tk.cfg, workDir, tk.logger)
		if err != nil {
			_ = os.RemoveAll(workDir) // best effort
			return nil, fmt.Errorf("failed to start dedicated server at %s: %w", workDir, err)
		}
		// Directory removal is registered first so it runs last, after the
		// server has stopped.
		tk.cleanup.Add(func() error {
			tk.logger.Debug("Removing dedicated server runtime directory", zap.String("path", workDir))
			if err := os.RemoveAll(workDir); err != nil {
				return fmt.Errorf("failed to remove runtime dir %q: %w", workDir, err)
			}
			return nil
		})
		tk.cleanup.Add(instance.StopFunc(&tk.server, tk.logger))

		adminDSN = tk.cfg.AdminDSN()
	}

	// --- Database selection / provisioning ---
	switch tk.mode {
	case config.ModeSingle:
		tk.dbName = dbNames.Next()
		tk.logger.Debug("Provisioning per-kit database", zap.String("database", tk.dbName))
		if err = provision.Create(ctx, tk.cfg, tk.dbName, tk.logger); err != nil {
			return nil, fmt.Errorf("failed to provision database on server %s:%d: %w",
				tk.cfg.Host, tk.cfg.Port, err)
		}
		tk.cleanup.Add(provision.DropFunc(adminDSN, tk.dbName, tk.cfg.KeepDatabase, tk.logger))
	case config.ModeNormal:
		// Connect straight to the configured database; nothing to
		// provision or drop.
		tk.dbName = tk.cfg.Database
	default:
		return nil, fmt.Errorf("unknown provisioning mode %v", tk.mode)
	}

	if tk.cfg.DumpPath != "" {
		// Registered after the drop so it runs (LIFO) while the database
		// still exists.
		tk.cleanup.Add(instance.DumpFunc(tk.cfg, tk.dbName, tk.cfg.DumpPath, tk.logger))
	}

	if tk.cfg.LoadPath != "" {
		tk.logger.Info("Loading SQL script", zap.String("path", tk.cfg.LoadPath), zap.String("database", tk.dbName))
		if err = instance.LoadScript(ctx, tk.cfg, tk.dbName, tk.cfg.LoadPath, tk.logger); err != nil {
			return nil, fmt.Errorf("failed to load script %q: %w", tk.cfg.LoadPath, err)
		}
	}

	// --- Connections ---
	tk.db, tk.pgxPool, tk.dsn, err = connection.ConnectPools(ctx, tk.cfg, tk.dbName, tk.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect pools: %w", err)
	}
	tk.cleanup.Add(connection.ClosePool(&tk.pgxPool, tk.dsn, tk.logger))
	tk.cleanup.Add(connection.CloseDB(&tk.db, tk.dsn, tk.logger))

	// --- Hooks and migrations ---
	if hook := settings.AfterConnectionHook(); hook != nil {
		tk.logger.Debug("Running afterConnectionHook...")
		if err = hook(ctx, tk.db, tk.pgxPool, tk.logger); err != nil {
			return nil, fmt.Errorf("afterConnectionHook failed: %w", err)
		}
	}

	if hook := settings.BeforeMigrationHook(); hook != nil {
		tk.logger.Debug("Running beforeMigrationHook...")
		if err = hook(ctx, tk.dsn, tk.logger); err != nil {
			return nil, fmt.Errorf("beforeMigrationHook failed: %w", err)
		}
	}

	if err = settings.Migrator().Apply(ctx, tk.pgxPool, tk.logger); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if t != nil {
		t.Cleanup(func() {
			if cleanupErr := tk.Cleanup(); cleanupErr != nil {
				t.Errorf("Error during automatic kit cleanup: %v", cleanupErr)
			}
		})
	} else {
		tk.logger.Warn("t *testing.T was nil; caller MUST call Cleanup() manually (e.g. using defer)")
	}

	tk.logger.Info("Kit initialization successful",
		zap.Stringer("mode", tk.mode),
		zap.String("database", tk.dbName))
	return tk, nil
}
