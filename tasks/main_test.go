package tasks_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veiloq/tempgres"
	"github.com/veiloq/tempgres/config"
	"github.com/veiloq/tempgres/instance"
	"github.com/veiloq/tempgres/internal/logger"
	"github.com/veiloq/tempgres/migration"
	"github.com/veiloq/tempgres/tasks"
)

var (
	sharedServer    *instance.Server
	sharedAdminDSN  string
	sharedConfig    config.Config
	sharedServerErr error
	startServerOnce sync.Once
	sharedLogger    *zap.Logger
	sharedWorkDir   string
)

func startSharedServer() {
	var err error
	sharedLogger, _, err = logger.InitLogger(nil, nil)
	if err != nil {
		sharedServerErr = fmt.Errorf("failed to initialize logger for shared server setup: %w", err)
		return
	}

	cfg := config.DefaultConfig()
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	sharedConfig = cfg

	if err := instance.AssignRandomPort(&sharedConfig, sharedLogger); err != nil {
		sharedServerErr = fmt.Errorf("failed to assign random port for shared server: %w", err)
		return
	}

	workDir := filepath.Join(".tempgres", "tasks-sharedserver")
	if err := os.MkdirAll(workDir, 0750); err != nil {
		sharedServerErr = fmt.Errorf("failed to create shared server runtime directory %q: %w", workDir, err)
		return
	}
	sharedWorkDir = workDir

	ctx, cancel := context.WithTimeout(context.Background(), sharedConfig.StartTimeout)
	defer cancel()
	sharedServer, err = instance.Start(ctx, sharedConfig, workDir, sharedLogger)
	if err != nil {
		sharedServerErr = fmt.Errorf("failed to start shared embedded server: %w", err)
		_ = os.RemoveAll(workDir)
		return
	}

	sharedAdminDSN = sharedConfig.AdminDSN()
}

func stopSharedServer() {
	if sharedServer == nil {
		return
	}
	if err := instance.StopFunc(&sharedServer, sharedLogger)(); err != nil {
		sharedLogger.Error("Error stopping shared server", zap.Error(err))
	}
	if sharedWorkDir != "" {
		_ = os.RemoveAll(sharedWorkDir)
	}
}

func TestMain(m *testing.M) {
	startServerOnce.Do(startSharedServer)
	if sharedServerErr != nil {
		fmt.Printf("CRITICAL: Failed to initialize shared PostgreSQL server, aborting tests. Error: %v\n", sharedServerErr)
		os.Exit(1)
	}
	defer stopSharedServer()
	os.Exit(m.Run())
}

// newTaskKit provisions a migrated tasks database on the shared server.
func newTaskKit(t *testing.T, extra ...config.Option) tempgres.Kit {
	t.Helper()

	chain, err := tasks.Migrations()
	require.NoError(t, err)

	opts := []config.Option{
		config.WithSharedServer(sharedAdminDSN, sharedConfig),
		config.WithMigrator(migration.NewChainMigrator(chain)),
	}
	opts = append(opts, extra...)

	kit, err := tempgres.NewKit(context.Background(), t, config.DefaultConfig(), opts...)
	require.NoError(t, err)
	return kit
}
