package config

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/tempgres/migration"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Settings holds configuration applied via functional options.
type Settings struct {
	mode          Mode               // Provisioning mode (single or normal)
	atlasHCLPath  string             // Path to the atlas.hcl file
	migrator      migration.Migrator // Migrator instance (defaults to NoOpMigrator)
	keepDatabase  bool               // Explicitly keep the provisioned database
	dumpPath      string             // Dump target for pg_dump on teardown
	loadPath      string             // SQL script loaded via psql after startup
	sqlTxOptions  *sql.TxOptions     // Custom transaction options for database/sql
	pgxTxOptions  pgx.TxOptions      // Custom transaction options for pgx
	dsnParams     map[string]string  // Additional DSN parameters
	startupParams map[string]string  // Additional server startup parameters (ignored with a shared server)
	zapOptions    []zap.Option       // Options for zap logger creation
	zapTestLevel  *zap.AtomicLevel   // Minimum level for the zaptest logger

	beforeMigrationHook func(ctx context.Context, dsn string, logger *zap.Logger) error
	afterConnectionHook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error

	// useSharedServer, when true, instructs the kit to attach to a
	// pre-existing PostgreSQL server instead of starting and managing its
	// own. This speeds up setup considerably but leaves the server's
	// lifecycle to the caller. Database-level isolation is preserved in
	// single mode because each kit still provisions its own uniquely named
	// database on the shared server. Startup parameters are ignored when
	// attaching to a shared server.
	useSharedServer bool
	dsn             string // Admin DSN of the shared server (typically its 'postgres' db)
	sharedConfig    Config // Config the shared server was started with (host, port, user, pass)
}

// --- Getters ---

func (sts *Settings) Mode() Mode {
	return sts.mode
}

func (sts *Settings) AtlasHCLPath() string {
	return sts.atlasHCLPath
}

func (sts *Settings) Migrator() migration.Migrator {
	return sts.migrator
}

func (sts *Settings) BeforeMigrationHook() func(ctx context.Context, dsn string, logger *zap.Logger) error {
	return sts.beforeMigrationHook
}

func (sts *Settings) AfterConnectionHook() func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error {
	return sts.afterConnectionHook
}

func (sts *Settings) ZapTestLevel() *zap.AtomicLevel {
	return sts.zapTestLevel
}

func (sts *Settings) ZapOptions() []zap.Option {
	return sts.zapOptions
}

func (sts *Settings) UseSharedServer() bool {
	return sts.useSharedServer
}

func (sts *Settings) DSN() string {
	return sts.dsn
}

func (sts *Settings) SharedConfig() Config {
	return sts.sharedConfig
}

// SetMigrator replaces the configured migrator. Used by migrator packages
// (e.g. atlas.WithAtlas) to install themselves.
func (sts *Settings) SetMigrator(m migration.Migrator) {
	sts.migrator = m
}

// Option configures a kit at construction time.
type Option func(*Settings)

// WithMode selects the provisioning mode. The default is ModeSingle.
func WithMode(mode Mode) Option {
	return func(sts *Settings) { sts.mode = mode }
}

// WithMigrator installs a custom migration runner.
func WithMigrator(m migration.Migrator) Option {
	return func(sts *Settings) { sts.migrator = m }
}

// WithAtlasHCLPath specifies the path to the atlas.hcl configuration file.
func WithAtlasHCLPath(path string) Option {
	return func(sts *Settings) { sts.atlasHCLPath = path }
}

// WithKeepDatabase prevents the provisioned database from being dropped
// during cleanup.
func WithKeepDatabase() Option {
	return func(sts *Settings) { sts.keepDatabase = true }
}

// WithDumpPath dumps the kit's database via pg_dump to the given path on
// teardown, before the database is dropped.
func WithDumpPath(path string) Option {
	return func(sts *Settings) { sts.dumpPath = path }
}

// WithLoadPath loads the given SQL script via psql after the database is
// provisioned and before migrations run.
func WithLoadPath(path string) Option {
	return func(sts *Settings) { sts.loadPath = path }
}

// WithSQLTxOptions provides custom transaction options for RunSQLTx.
func WithSQLTxOptions(txOpts *sql.TxOptions) Option {
	return func(sts *Settings) { sts.sqlTxOptions = txOpts }
}

// WithPgxTxOptions provides custom transaction options for RunTx.
func WithPgxTxOptions(txOpts pgx.TxOptions) Option {
	return func(sts *Settings) { sts.pgxTxOptions = txOpts }
}

// WithZapOptions provides additional options for the zap logger.
func WithZapOptions(zapOpts ...zap.Option) Option {
	return func(sts *Settings) { sts.zapOptions = append(sts.zapOptions, zapOpts...) }
}

// WithZapTestLevel sets the minimum log level for the zaptest logger.
func WithZapTestLevel(level zapcore.Level) Option {
	return func(sts *Settings) {
		atomicLevel := zap.NewAtomicLevelAt(level)
		sts.zapTestLevel = &atomicLevel
	}
}

// WithDSNParams provides additional parameters appended to the DSN.
func WithDSNParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.dsnParams == nil {
			sts.dsnParams = make(map[string]string)
		}
		for k, v := range params {
			sts.dsnParams[k] = v
		}
	}
}

// WithStartupParams provides additional parameters for server startup.
func WithStartupParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.startupParams == nil {
			sts.startupParams = make(map[string]string)
		}
		for k, v := range params {
			sts.startupParams[k] = v
		}
	}
}

// WithBeforeMigrationHook registers a function to run before migrations are
// applied.
func WithBeforeMigrationHook(hook func(ctx context.Context, dsn string, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.beforeMigrationHook = hook }
}

// WithAfterConnectionHook registers a function to run after the sql.DB and
// pgxpool.Pool connections are established.
func WithAfterConnectionHook(hook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.afterConnectionHook = hook }
}

// WithSharedServer attaches the kit to a pre-existing server instance. The
// admin DSN and the configuration the shared server was started with must be
// provided; the kit will skip starting and stopping a server of its own.
func WithSharedServer(dsn string, cfg Config) Option {
	return func(sts *Settings) {
		sts.useSharedServer = true
		sts.dsn = dsn
		sts.sharedConfig = cfg
	}
}

// ApplyOptions processes functional options and merges them into an initial
// Config. It returns the processed Settings and the final merged Config.
func ApplyOptions(initialConfig *Config, options ...Option) (*Settings, Config) {
	settings := &Settings{
		mode:          ModeSingle,
		atlasHCLPath:  "atlas.hcl",
		migrator:      &migration.NoOpMigrator{},
		dsnParams:     make(map[string]string),
		startupParams: make(map[string]string),
		zapOptions:    make([]zap.Option, 0),
	}
	for _, opt := range options {
		opt(settings)
	}

	finalConfig := *initialConfig

	// Merge DSN params (options override config).
	mergedDSNParams := make(map[string]string)
	for k, v := range finalConfig.DSNParams {
		mergedDSNParams[k] = v
	}
	for k, v := range settings.dsnParams {
		mergedDSNParams[k] = v
	}
	finalConfig.DSNParams = mergedDSNParams

	// Merge startup params (options override config).
	mergedStartupParams := make(map[string]string)
	for k, v := range finalConfig.StartupParams {
		mergedStartupParams[k] = v
	}
	for k, v := range settings.startupParams {
		mergedStartupParams[k] = v
	}
	finalConfig.StartupParams = mergedStartupParams

	// Either the config or an option may enable these.
	finalConfig.KeepDatabase = finalConfig.KeepDatabase || settings.keepDatabase
	if settings.dumpPath != "" {
		finalConfig.DumpPath = settings.dumpPath
	}
	if settings.loadPath != "" {
		finalConfig.LoadPath = settings.loadPath
	}

	if settings.sqlTxOptions != nil {
		finalConfig.SQLTxOptions = settings.sqlTxOptions
	}
	if settings.pgxTxOptions != (pgx.TxOptions{}) {
		finalConfig.PgxTxOptions = settings.pgxTxOptions
	}

	return settings, finalConfig
}
