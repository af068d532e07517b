package tempgres_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/tempgres"
	"github.com/veiloq/tempgres/config"
	"github.com/veiloq/tempgres/instance"
	"github.com/veiloq/tempgres/internal/logger"
	"github.com/veiloq/tempgres/migration"
)

// --- Shared Server Setup ---

var (
	sharedServer    *instance.Server
	sharedAdminDSN  string
	sharedConfig    config.Config // Config the shared server was started with
	sharedServerErr error
	startServerOnce sync.Once
	sharedLogger    *zap.Logger
	sharedWorkDir   string
)

const sharedRuntimeBasePath = ".tempgres"

// startSharedServer starts the single PostgreSQL server shared by the whole
// test suite. Called via startServerOnce.Do().
func startSharedServer() {
	var err error
	sharedLogger, _, err = logger.InitLogger(nil, nil)
	if err != nil {
		sharedServerErr = fmt.Errorf("failed to initialize logger for shared server setup: %w", err)
		return
	}

	sharedLogger.Info("Initializing shared PostgreSQL server for test suite...")

	cfg := config.DefaultConfig()
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	sharedConfig = cfg

	if err := instance.AssignRandomPort(&sharedConfig, sharedLogger); err != nil {
		sharedServerErr = fmt.Errorf("failed to assign random port for shared server: %w", err)
		return
	}

	workDir := filepath.Join(sharedRuntimeBasePath, "sharedserver")
	if err := os.MkdirAll(workDir, 0750); err != nil {
		sharedServerErr = fmt.Errorf("failed to create shared server runtime directory %q: %w", workDir, err)
		return
	}
	sharedWorkDir = workDir

	ctx, cancel := context.WithTimeout(context.Background(), sharedConfig.StartTimeout)
	defer cancel()
	server, err := instance.Start(ctx, sharedConfig, workDir, sharedLogger)
	if err != nil {
		sharedServerErr = fmt.Errorf("failed to start shared embedded server: %w", err)
		_ = os.RemoveAll(workDir)
		return
	}
	sharedServer = server

	sharedAdminDSN = sharedConfig.AdminDSN()

	sharedLogger.Info("Shared PostgreSQL server started successfully",
		zap.Uint32("port", sharedConfig.Port),
		zap.String("adminDSN", strings.Replace(sharedAdminDSN, sharedConfig.Password, "****", 1)),
		zap.String("runtimePath", workDir),
	)
}

// stopSharedServer stops the shared server and removes its runtime directory.
func stopSharedServer() {
	if sharedServer == nil {
		return
	}
	if sharedLogger == nil {
		sharedLogger, _ = zap.NewDevelopment()
	}

	sharedLogger.Info("Stopping shared PostgreSQL server...")
	if err := instance.StopFunc(&sharedServer, sharedLogger)(); err != nil {
		sharedLogger.Error("Error stopping shared server", zap.Error(err))
	}

	if sharedWorkDir != "" {
		if err := os.RemoveAll(sharedWorkDir); err != nil {
			sharedLogger.Error("Error removing shared server runtime directory",
				zap.String("path", sharedWorkDir), zap.Error(err))
		}
	}
}

// TestMain manages the lifecycle of the shared PostgreSQL server.
func TestMain(m *testing.M) {
	startServerOnce.Do(startSharedServer)

	if sharedServerErr != nil {
		fmt.Printf("CRITICAL: Failed to initialize shared PostgreSQL server, aborting tests. Error: %v\n", sharedServerErr)
		os.Exit(1)
	}

	defer stopSharedServer()

	exitCode := m.Run()
	os.Exit(exitCode)
}

// sharedOpts attaches a kit to the suite's shared server.
func sharedOpts(extra ...config.Option) []config.Option {
	opts := []config.Option{config.WithSharedServer(sharedAdminDSN, sharedConfig)}
	return append(opts, extra...)
}

// --- Test Helpers ---

func databaseExists(t *testing.T, adminDSN, dbName string) bool {
	t.Helper()
	ctx := context.Background()
	adminPool, err := pgxpool.New(ctx, adminDSN)
	if err != nil {
		t.Logf("Warning: failed to connect with admin DSN to check existence of %q: %v", dbName, err)
		return false
	}
	defer adminPool.Close()

	var exists bool
	queryCtx, queryCancel := context.WithTimeout(ctx, 3*time.Second)
	defer queryCancel()
	err = adminPool.QueryRow(queryCtx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		t.Logf("Warning: failed to query for database existence (%q): %v", dbName, err)
		return false
	}
	return exists
}

func tableExists(t *testing.T, pool *pgxpool.Pool, tableName string) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var exists bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
		tableName).Scan(&exists)
	require.NoError(t, err, "Failed to query for table existence")
	return exists
}

// widgetsChain is a minimal one-table schema used by tests that need a
// migrated database.
func widgetsChain(t *testing.T) *migration.Chain {
	t.Helper()
	chain, err := migration.NewChain(migration.Revision{
		ID:    "f3a9c01d2b45",
		Name:  "create_widgets",
		UpSQL: `CREATE TABLE widgets (id SERIAL PRIMARY KEY, name TEXT NOT NULL)`,
	})
	require.NoError(t, err)
	return chain
}

// --- Tests ---

func TestNewKit_Defaults(t *testing.T) {
	ctx := context.Background()
	kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(), sharedOpts()...)
	require.NoError(t, err, "NewKit with defaults failed")
	require.NotNil(t, kit)

	require.NotNil(t, kit.Pool())
	require.NotNil(t, kit.DB())
	require.NotEmpty(t, kit.ConnectionString())

	// The default mode is single: a fresh uniquely named database.
	assert.Equal(t, config.ModeSingle, kit.Mode())
	assert.True(t, strings.HasPrefix(kit.DatabaseName(), "test_"),
		"single mode should provision a generated database, got %q", kit.DatabaseName())
	assert.True(t, databaseExists(t, sharedAdminDSN, kit.DatabaseName()))

	require.NoError(t, kit.Pool().Ping(ctx))
	assert.False(t, tableExists(t, kit.Pool(), "widgets"), "no migrator configured, schema should be empty")
}

func TestNewKit_SingleModeDropsDatabase(t *testing.T) {
	ctx := context.Background()
	kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(), sharedOpts()...)
	require.NoError(t, err)

	dbName := kit.DatabaseName()
	require.True(t, databaseExists(t, sharedAdminDSN, dbName))

	require.NoError(t, kit.Cleanup())
	assert.False(t, databaseExists(t, sharedAdminDSN, dbName),
		"database %q should be dropped on cleanup", dbName)
}

func TestNewKit_SingleModeIsolation(t *testing.T) {
	ctx := context.Background()

	kitA, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
		sharedOpts(config.WithMigrator(migration.NewChainMigrator(widgetsChain(t))))...)
	require.NoError(t, err)
	kitB, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
		sharedOpts(config.WithMigrator(migration.NewChainMigrator(widgetsChain(t))))...)
	require.NoError(t, err)

	require.NotEqual(t, kitA.DatabaseName(), kitB.DatabaseName())

	_, err = kitA.Pool().Exec(ctx, "INSERT INTO widgets (name) VALUES ($1)", "only-in-a")
	require.NoError(t, err)

	var count int
	require.NoError(t, kitB.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM widgets").Scan(&count))
	assert.Zero(t, count, "data written through kit A must not be visible in kit B")
}

func TestNewKit_NormalMode(t *testing.T) {
	ctx := context.Background()

	// Normal mode connects to an existing database without provisioning.
	// Reuse a database provisioned by a single-mode kit as the target.
	base, err := tempgres.NewKit(ctx, t, config.DefaultConfig(), sharedOpts()...)
	require.NoError(t, err)

	targetCfg := sharedConfig
	targetCfg.Database = base.DatabaseName()

	kit, err := tempgres.NewKit(ctx, t, targetCfg,
		sharedOpts(config.WithMode(config.ModeNormal))...)
	require.NoError(t, err, "NewKit in normal mode failed")

	assert.Equal(t, config.ModeNormal, kit.Mode())
	assert.Equal(t, base.DatabaseName(), kit.DatabaseName(),
		"normal mode must connect to the configured database as-is")
	assert.Contains(t, kit.ConnectionString(), "/"+base.DatabaseName(),
		"DSN must target the configured database, not the shared server's default")
	assert.NotContains(t, kit.ConnectionString(), "/"+sharedConfig.Database)
	require.NoError(t, kit.Pool().Ping(ctx))

	// Cleanup of a normal-mode kit must not drop the database it attached to.
	require.NoError(t, kit.Cleanup())
	assert.True(t, databaseExists(t, sharedAdminDSN, base.DatabaseName()))
}

func TestNewKit_WithOptions(t *testing.T) {
	var beforeHookCalled atomic.Bool
	var afterHookCalled atomic.Bool
	ctx := context.Background()

	t.Run("WithKeepDatabase", func(t *testing.T) {
		kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
			sharedOpts(config.WithKeepDatabase())...)
		require.NoError(t, err, "NewKit with KeepDatabase failed")

		dbName := kit.DatabaseName()
		require.NoError(t, kit.Cleanup())
		assert.True(t, databaseExists(t, sharedAdminDSN, dbName),
			"database %q should NOT be dropped when WithKeepDatabase() is used", dbName)

		// Manual cleanup is essential for kept databases.
		t.Cleanup(func() {
			adminPool, err := pgxpool.New(context.Background(), sharedAdminDSN)
			if err != nil {
				t.Logf("Warning: failed to connect for manual cleanup of %s: %v", dbName, err)
				return
			}
			defer adminPool.Close()
			dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer dropCancel()
			_, err = adminPool.Exec(dropCtx, fmt.Sprintf(`DROP DATABASE IF EXISTS %q`, dbName))
			assert.NoError(t, err, "manual cleanup of kept database %q failed", dbName)
		})
	})

	t.Run("WithZapTestLevel", func(t *testing.T) {
		kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
			sharedOpts(config.WithZapTestLevel(zapcore.ErrorLevel))...)
		require.NoError(t, err, "NewKit with ZapTestLevel failed")
		require.NoError(t, kit.Pool().Ping(ctx))
	})

	t.Run("WithHooks", func(t *testing.T) {
		beforeHookCalled.Store(false)
		afterHookCalled.Store(false)

		beforeHook := func(hookCtx context.Context, dsn string, logger *zap.Logger) error {
			require.NotEmpty(t, dsn, "DSN should be passed to beforeHook")
			require.NotNil(t, logger, "Logger should be passed to beforeHook")
			beforeHookCalled.Store(true)
			return nil
		}

		afterHook := func(hookCtx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error {
			require.NotNil(t, db, "DB should be passed to afterHook")
			require.NotNil(t, pool, "Pool should be passed to afterHook")
			require.NoError(t, pool.Ping(hookCtx), "Pool should be usable in afterHook")
			afterHookCalled.Store(true)
			return nil
		}

		_, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
			sharedOpts(
				config.WithBeforeMigrationHook(beforeHook),
				config.WithAfterConnectionHook(afterHook),
			)...)
		require.NoError(t, err, "NewKit with hooks failed")

		assert.True(t, beforeHookCalled.Load(), "BeforeMigrationHook should have been called")
		assert.True(t, afterHookCalled.Load(), "AfterConnectionHook should have been called")
	})

	t.Run("WithChainMigrator", func(t *testing.T) {
		kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
			sharedOpts(config.WithMigrator(migration.NewChainMigrator(widgetsChain(t))))...)
		require.NoError(t, err, "NewKit with chain migrator failed")

		require.True(t, tableExists(t, kit.Pool(), "widgets"), "widgets should exist after migration")
		require.True(t, tableExists(t, kit.Pool(), "schema_revisions"), "bookkeeping table should exist")

		var applied string
		require.NoError(t, kit.Pool().QueryRow(ctx,
			"SELECT revision FROM schema_revisions ORDER BY applied_at DESC LIMIT 1").Scan(&applied))
		assert.Equal(t, "f3a9c01d2b45", applied)

		// Re-applying the same chain is a no-op.
		err = migration.NewChainMigrator(widgetsChain(t)).Apply(ctx, kit.Pool(), zaptest.NewLogger(t))
		require.NoError(t, err)
		var count int
		require.NoError(t, kit.Pool().QueryRow(ctx,
			"SELECT COUNT(*) FROM schema_revisions").Scan(&count))
		assert.Equal(t, 1, count)
	})
}

func TestNewKit_DumpAndLoad(t *testing.T) {
	ctx := context.Background()
	dumpPath := filepath.Join(t.TempDir(), "state.sql")

	// First kit: migrate, write a row, dump on teardown.
	kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
		sharedOpts(
			config.WithMigrator(migration.NewChainMigrator(widgetsChain(t))),
			config.WithDumpPath(dumpPath),
		)...)
	require.NoError(t, err)

	_, err = kit.Pool().Exec(ctx, "INSERT INTO widgets (name) VALUES ($1)", "survivor")
	require.NoError(t, err)
	require.NoError(t, kit.Cleanup())

	require.FileExists(t, dumpPath, "pg_dump output should exist after cleanup")

	// Second kit: restore the dump into a fresh database.
	restored, err := tempgres.NewKit(ctx, t, config.DefaultConfig(),
		sharedOpts(config.WithLoadPath(dumpPath))...)
	require.NoError(t, err)

	var name string
	require.NoError(t, restored.Pool().QueryRow(ctx,
		"SELECT name FROM widgets LIMIT 1").Scan(&name))
	assert.Equal(t, "survivor", name)
}

func TestConcurrentKits(t *testing.T) {
	ctx := context.Background()
	const numKits = 4

	var wg sync.WaitGroup
	names := make([]string, numKits)
	errs := make([]error, numKits)

	wg.Add(numKits)
	for i := 0; i < numKits; i++ {
		go func(i int) {
			defer wg.Done()
			kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(), sharedOpts()...)
			if err != nil {
				errs[i] = err
				return
			}
			names[i] = kit.DatabaseName()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < numKits; i++ {
		require.NoError(t, errs[i], "kit %d failed", i)
		require.NotEmpty(t, names[i])
		assert.False(t, seen[names[i]], "database name %q allocated twice", names[i])
		seen[names[i]] = true
	}
}
