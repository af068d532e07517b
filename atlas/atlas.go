// Package atlas provides a migration.Migrator backed by the Atlas library.
// The migration directory is discovered from an atlas.hcl project file.
package atlas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ariga.io/atlas/sql/migrate"
	atlaspostgres "ariga.io/atlas/sql/postgres"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/tempgres/connection"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver used by the Atlas driver
)

// Migrator implements migration.Migrator using the Atlas migration engine.
// Initialization (HCL parsing, migration directory resolution) is deferred
// until the first Apply.
type Migrator struct {
	hclPath    string
	logger     *zap.Logger
	initOnce   func() error
	migrateDir migrate.Dir
	dirPath    string
	initErr    error // first critical initialization error
}

// NewMigrator creates an Atlas-backed migrator reading its configuration
// from the atlas.hcl file at hclPath.
func NewMigrator(hclPath string, logger *zap.Logger) *Migrator {
	am := &Migrator{
		hclPath: hclPath,
		logger:  logger.With(zap.String("migrator", "atlas")),
	}
	var ran bool
	am.initOnce = func() error {
		if ran {
			return am.initErr
		}
		ran = true
		am.migrateDir, am.dirPath = am.initialize()
		if am.initErr != nil {
			am.logger.Warn("Atlas migrator initialization failed. Apply will be skipped.", zap.Error(am.initErr))
		} else if am.migrateDir == nil {
			am.logger.Info("No Atlas migration directory resolved. Apply will be skipped.")
		} else {
			am.logger.Info("Atlas migrator initialized.", zap.String("migration_dir", am.dirPath))
		}
		return am.initErr
	}
	return am
}

// Apply implements migration.Migrator. A missing atlas.hcl is not an error:
// the migrator logs and skips, matching the behavior of an unconfigured
// project.
func (am *Migrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	_ = am.initOnce()

	if am.initErr != nil {
		logger.Warn("Migrations skipped due to Atlas initialization error.", zap.Error(am.initErr))
		return nil
	}
	if am.migrateDir == nil {
		logger.Warn("Migrations skipped: no Atlas migration directory.")
		return nil
	}

	dsn := pool.Config().ConnString()
	dbName := connection.DBNameFromDSN(dsn)

	logger.Info("Applying Atlas migrations...",
		zap.String("database", dbName),
		zap.String("source_dir", am.dirPath))

	applyCtx, applyCancel := context.WithTimeout(ctx, 90*time.Second)
	defer applyCancel()

	drv, cleanup, err := am.openDriver(applyCtx, dsn)
	if err != nil {
		logger.Error("Failed to open Atlas driver", zap.String("database", dbName), zap.Error(err))
		return fmt.Errorf("failed to prepare Atlas driver for %q: %w", dbName, err)
	}
	defer cleanup()

	if err := am.execute(applyCtx, drv, dbName); err != nil {
		return fmt.Errorf("failed to apply Atlas migrations to database %q from %q: %w", dbName, am.dirPath, err)
	}
	return nil
}

func (am *Migrator) recordInitError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	formattedErr := fmt.Errorf(format, args...)
	am.logger.Error("Atlas initialization error", zap.Error(formattedErr), zap.NamedError("original_error", err))
	if am.initErr == nil {
		am.initErr = formattedErr
	}
	return formattedErr
}

// initialize parses the HCL project file and resolves the migration
// directory. Critical failures are recorded in am.initErr.
func (am *Migrator) initialize() (migrate.Dir, string) {
	absHCLPath, err := filepath.Abs(am.hclPath)
	if err = am.recordInitError(err, "failed to determine absolute path for atlas HCL file %q", am.hclPath); err != nil {
		return nil, ""
	}

	if _, statErr := os.Stat(absHCLPath); statErr != nil {
		if os.IsNotExist(statErr) {
			am.logger.Info("Atlas HCL file not found, skipping Atlas analysis.", zap.String("path", absHCLPath))
			return nil, ""
		}
		_ = am.recordInitError(statErr, "failed to stat atlas HCL file %q", absHCLPath)
		return nil, ""
	}

	var conf projectHCL
	err = hclsimple.DecodeFile(absHCLPath, nil, &conf)
	if err = am.recordInitError(err, "failed to decode atlas HCL file %q", absHCLPath); err != nil {
		return nil, ""
	}

	migrationDirRel, found := migrationDirFromHCL(&conf, absHCLPath, am.logger)
	if !found {
		return nil, ""
	}

	hclDir := filepath.Dir(absHCLPath)
	relativePath := strings.TrimPrefix(migrationDirRel, "file://")
	absMigrationDir, err := filepath.Abs(filepath.Join(hclDir, relativePath))
	if err = am.recordInitError(err, "failed to resolve migration dir %q (relative to %q)", migrationDirRel, hclDir); err != nil {
		return nil, ""
	}

	dir, err := migrate.NewLocalDir(absMigrationDir)
	if err = am.recordInitError(err, "failed to create migrate.Dir for %q", absMigrationDir); err != nil {
		return nil, absMigrationDir
	}

	return dir, absMigrationDir
}

// migrationDirFromHCL prefers the 'local' env block, falling back to the
// first env that configures a migration directory.
func migrationDirFromHCL(conf *projectHCL, hclPath string, logger *zap.Logger) (string, bool) {
	for _, env := range conf.Envs {
		if env.Name == "local" && env.Migration != nil && env.Migration.Dir != "" {
			return env.Migration.Dir, true
		}
	}
	if len(conf.Envs) > 0 && conf.Envs[0].Migration != nil && conf.Envs[0].Migration.Dir != "" {
		logger.Warn("Atlas 'local' env not found, falling back to first env.",
			zap.String("hcl_path", hclPath),
			zap.String("dir", conf.Envs[0].Migration.Dir))
		return conf.Envs[0].Migration.Dir, true
	}
	logger.Warn("No migration directory (env.migration.dir) in atlas config", zap.String("hcl_path", hclPath))
	return "", false
}

func (am *Migrator) openDriver(ctx context.Context, dsn string) (drv migrate.Driver, cleanup func(), err error) {
	cleanup = func() {}

	stdDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to open standard db connection via pgx: %w", err)
	}
	cleanup = func() {
		if closeErr := stdDB.Close(); closeErr != nil {
			am.logger.Warn("Error closing DB connection used for Atlas driver", zap.Error(closeErr))
		}
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err = stdDB.PingContext(pingCtx); err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("failed to ping database for Atlas driver: %w", err)
	}

	drv, err = atlaspostgres.Open(stdDB)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("failed to open atlas postgres driver: %w", err)
	}
	return drv, cleanup, nil
}

func (am *Migrator) execute(ctx context.Context, drv migrate.Driver, dbName string) error {
	exec, err := migrate.NewExecutor(drv, am.migrateDir, migrate.NopRevisionReadWriter{},
		migrate.WithLogger(&zapMigrateLogger{logger: am.logger}))
	if err != nil {
		am.logger.Error("Failed to create atlas executor", zap.String("database", dbName), zap.Error(err))
		return fmt.Errorf("failed to create atlas executor for %q: %w", dbName, err)
	}

	// n=0 applies all pending migration files.
	if err := exec.ExecuteN(ctx, 0); err != nil {
		if errors.Is(err, migrate.ErrNoPendingFiles) {
			am.logger.Info("No pending Atlas migrations.", zap.String("database", dbName))
			return nil
		}
		am.logger.Error("Failed to apply Atlas migrations",
			zap.String("database", dbName),
			zap.String("source_dir", am.dirPath),
			zap.Error(err))
		return err
	}

	am.logger.Info("Applied Atlas migrations", zap.String("database", dbName))
	return nil
}

// --- HCL parsing ---

type projectHCL struct {
	Envs []*envHCL `hcl:"env,block"`
}

type envHCL struct {
	Name      string        `hcl:"name,label"`
	Migration *migrationHCL `hcl:"migration,block"`
}

type migrationHCL struct {
	Dir string `hcl:"dir"`
}

// zapMigrateLogger adapts a *zap.Logger to the migrate.Logger interface.
type zapMigrateLogger struct {
	logger *zap.Logger
}

// Log implements migrate.Logger.
func (l *zapMigrateLogger) Log(entry migrate.LogEntry) {
	switch e := entry.(type) {
	case migrate.LogExecution:
		l.logger.Info("Atlas migration execution starting",
			zap.String("from_version", e.From),
			zap.String("to_version", e.To),
			zap.Int("num_files", len(e.Files)))
	case migrate.LogFile:
		l.logger.Info("Applying migration file",
			zap.String("file", e.File.Name()),
			zap.Int("skip_stmts", e.Skip))
	case migrate.LogStmt:
		l.logger.Debug("Executing statement", zap.String("sql", e.SQL))
	case migrate.LogError:
		l.logger.Error("Atlas migration error", zap.Stringp("sql", &e.SQL), zap.Error(e.Error))
	case migrate.LogDone:
		l.logger.Info("Atlas migration execution finished")
	default:
		l.logger.Warn("Received unknown Atlas log entry type", zap.Any("entry", entry))
	}
}
