// Package instance manages embedded PostgreSQL server processes: startup
// with a bounded timeout, lifecycle state tracking, teardown, and
// dump/load of database contents via the postgres client tools.
package instance

import (
	"context"
	"fmt"
	"sync/atomic"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/veiloq/tempgres/config"
	"github.com/veiloq/tempgres/connection"
	"github.com/veiloq/tempgres/internal/cleanup"
	"go.uber.org/zap"
)

// State is the lifecycle state of a managed server instance.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateStopping
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Server is a handle to one embedded PostgreSQL server process. Each Server
// must be stopped exactly once; Stop on an already stopped server is a
// no-op.
type Server struct {
	cfg      config.Config
	workDir  string
	embedded *embeddedpostgres.EmbeddedPostgres
	state    atomic.Int32
	logger   *zap.Logger
}

// State returns the server's current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Config returns the configuration the server was started with, including
// the port assigned at startup.
func (s *Server) Config() config.Config {
	return s.cfg
}

// AssignRandomPort replaces a zero Port in cfg with a free TCP port on the
// configured host. It modifies cfg in place.
func AssignRandomPort(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Port == 0 {
		freePort, err := connection.FreePort(cfg.Host)
		if err != nil {
			return fmt.Errorf("failed to get free port: %w", err)
		}
		cfg.Port = uint32(freePort)
		logger.Info("Assigned random free port", zap.Uint32("port", cfg.Port))
	}
	return nil
}

// Start initializes and starts an embedded PostgreSQL server with the given
// configuration, storing runtime data under workDir. The embedded library
// enforces cfg.StartTimeout while waiting for the server to accept
// connections; ctx is honored between the blocking phases.
func Start(ctx context.Context, cfg config.Config, workDir string, logger *zap.Logger) (*Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("instance start canceled: %w", err)
	}

	embeddedConfig := embeddedpostgres.DefaultConfig().
		Version(cfg.Version).
		Port(cfg.Port).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(cfg.Password).
		RuntimePath(workDir).
		BinariesPath(cfg.BinariesPath).
		StartTimeout(cfg.StartTimeout)

	if cfg.Logger != nil {
		embeddedConfig = embeddedConfig.Logger(cfg.Logger)
	} else {
		embeddedConfig = embeddedConfig.Logger(nil)
	}

	if len(cfg.StartupParams) > 0 {
		embeddedConfig = embeddedConfig.StartParameters(cfg.StartupParams)
	}

	srv := &Server{
		cfg:      cfg,
		workDir:  workDir,
		embedded: embeddedpostgres.NewDatabase(embeddedConfig),
		logger:   logger,
	}
	srv.state.Store(int32(StateStarting))

	logger.Info("Starting embedded postgres server...",
		zap.Uint32("port", cfg.Port),
		zap.String("version", string(cfg.Version)))

	if err := srv.embedded.Start(); err != nil {
		srv.state.Store(int32(StateStopped))
		return nil, fmt.Errorf("failed to start embedded postgres: %w", err)
	}
	srv.state.Store(int32(StateReady))

	logger.Info("Embedded postgres server started successfully.")
	return srv, nil
}

// Stop shuts the server down. It is safe to call more than once; only the
// first call does any work.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateStopping)) {
		s.logger.Debug("Server already stopped or never started.")
		return nil
	}

	s.logger.Debug("Stopping embedded postgres server...")
	if err := s.embedded.Stop(); err != nil {
		// State is uncertain after a failed stop; report it but do not
		// fall back to ready.
		s.state.Store(int32(StateStopped))
		s.logger.Error("Error stopping embedded postgres server", zap.Error(err))
		return fmt.Errorf("error stopping embedded postgres: %w", err)
	}
	s.state.Store(int32(StateStopped))
	s.logger.Debug("Embedded postgres server stopped successfully.")
	return nil
}

// StopFunc returns a cleanup function that stops the server pointed to by
// srvPtr and sets the pointer to nil afterwards, so later cleanup passes
// see the server as gone.
func StopFunc(srvPtr **Server, logger *zap.Logger) cleanup.Func {
	return func() error {
		srv := *srvPtr
		if srv == nil {
			logger.Debug("Server already stopped or never started.")
			return nil
		}
		err := srv.Stop()
		if err == nil {
			*srvPtr = nil
		}
		return err
	}
}
