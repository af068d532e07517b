package instance

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/veiloq/tempgres/config"
	"github.com/veiloq/tempgres/internal/cleanup"
	"go.uber.org/zap"
)

const clientToolTimeout = 60 * time.Second

// DumpDatabase writes the named database's contents to path as a SQL script
// using pg_dump. The binary must be on PATH or under cfg.BinariesPath. The
// server at cfg does not have to be managed by this process, so dumps work
// against shared servers too.
func DumpDatabase(ctx context.Context, cfg config.Config, database, path string, logger *zap.Logger) error {
	return runClientTool(ctx, cfg, "pg_dump", database, logger, "--file", path)
}

// LoadScript executes the SQL script at path against the named database
// using psql. A script error (psql exits nonzero) fails the load.
func LoadScript(ctx context.Context, cfg config.Config, database, path string, logger *zap.Logger) error {
	return runClientTool(ctx, cfg, "psql", database, logger,
		"--set", "ON_ERROR_STOP=1", "--file", path)
}

// Dump is DumpDatabase against this server.
func (s *Server) Dump(ctx context.Context, database, path string) error {
	if s.State() != StateReady {
		return fmt.Errorf("pg_dump requires a running server, state is %s", s.State())
	}
	return DumpDatabase(ctx, s.cfg, database, path, s.logger)
}

// Load is LoadScript against this server.
func (s *Server) Load(ctx context.Context, database, path string) error {
	if s.State() != StateReady {
		return fmt.Errorf("psql requires a running server, state is %s", s.State())
	}
	return LoadScript(ctx, s.cfg, database, path, s.logger)
}

func runClientTool(ctx context.Context, cfg config.Config, tool, database string, logger *zap.Logger, args ...string) error {
	bin := tool
	if cfg.BinariesPath != "" {
		bin = filepath.Join(cfg.BinariesPath, "bin", tool)
	}

	toolCtx, cancel := context.WithTimeout(ctx, clientToolTimeout)
	defer cancel()

	uri := cfg.DSNFor(database)
	cmd := exec.CommandContext(toolCtx, bin, append([]string{uri}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("Client tool failed",
			zap.String("tool", tool),
			zap.String("database", database),
			zap.ByteString("output", out),
			zap.Error(err))
		return fmt.Errorf("%s failed for database %q: %w (output: %s)", tool, database, err, out)
	}
	logger.Debug("Client tool completed", zap.String("tool", tool), zap.String("database", database))
	return nil
}

// DumpFunc returns a cleanup function that dumps the named database to
// path. Register it after the drop-database cleanup so the dump runs (LIFO)
// before the database disappears.
func DumpFunc(cfg config.Config, database, path string, logger *zap.Logger) cleanup.Func {
	return func() error {
		logger.Info("Dumping database before teardown",
			zap.String("database", database), zap.String("path", path))
		return DumpDatabase(context.Background(), cfg, database, path, logger)
	}
}
