// Package daemon runs tempgres as a standalone TCP proxy: clients connect
// with any PostgreSQL driver and transparently reach an ephemeral server.
//
// In normal mode every client connection receives its own freshly started
// instance, torn down when the connection closes; a small pool of instances
// is kept pre-started so connections do not wait on server startup. In
// single mode all connections share one instance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veiloq/tempgres/config"
	"github.com/veiloq/tempgres/instance"
	"github.com/veiloq/tempgres/provision"
)

// defaultBacklog is how many instances are kept pre-started in normal mode.
const defaultBacklog = 1

var dirNames = provision.NewAllocator("daemon_")

// Options configures a Daemon.
type Options struct {
	// ListenAddr is the host:port the daemon accepts client connections on.
	ListenAddr string
	// Mode selects per-connection instances (normal) or one shared
	// instance (single).
	Mode config.Mode
	// BaseConfig carries the credentials, database name, startup params
	// and optional load script applied to every instance the daemon
	// starts. Its Port is ignored; each instance gets a free port.
	BaseConfig config.Config
	// DataDirPrefix is the directory instance data directories are created
	// under. Defaults to the system temp directory.
	DataDirPrefix string
	// Backlog is the number of pre-started instances kept ready in normal
	// mode. Defaults to 1. Ignored in single mode.
	Backlog int
}

// backend is one running ephemeral server plus its teardown.
type backend struct {
	addr string
	stop func() error
}

// Daemon accepts client connections and proxies them to ephemeral
// PostgreSQL instances.
type Daemon struct {
	opts   Options
	logger *zap.Logger

	// newBackend starts one ephemeral server. Defaults to startBackend.
	newBackend func(ctx context.Context) (*backend, error)

	mu       sync.Mutex
	listener net.Listener
}

// New validates the options and returns a Daemon ready to Run.
func New(opts Options, logger *zap.Logger) (*Daemon, error) {
	if opts.ListenAddr == "" {
		return nil, fmt.Errorf("daemon: listen address is required")
	}
	if err := opts.BaseConfig.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid base config: %w", err)
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.DataDirPrefix == "" {
		opts.DataDirPrefix = os.TempDir()
	}
	d := &Daemon{opts: opts, logger: logger}
	d.newBackend = d.startBackend
	return d, nil
}

// Run listens on the configured address and serves until ctx is cancelled.
// On cancellation the listener closes, in-flight connections are severed,
// and every instance the daemon started is stopped.
func (d *Daemon) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", d.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", d.opts.ListenAddr, err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()

	d.logger.Info("Daemon listening",
		zap.String("addr", listener.Addr().String()),
		zap.Stringer("mode", d.opts.Mode))

	// Close the listener when the context ends so Accept unblocks.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	switch d.opts.Mode {
	case config.ModeSingle:
		return d.runSingle(ctx, listener)
	case config.ModeNormal:
		return d.runNormal(ctx, listener)
	default:
		_ = listener.Close()
		return fmt.Errorf("daemon: unknown mode %v", d.opts.Mode)
	}
}

// Addr returns the address the daemon is listening on, or nil before Run.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// runSingle starts one instance and proxies every connection to it.
func (d *Daemon) runSingle(ctx context.Context, listener net.Listener) error {
	be, err := d.newBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := be.stop(); stopErr != nil {
			d.logger.Error("Error stopping shared instance", zap.Error(stopErr))
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		client, err := listener.Accept()
		if err != nil {
			return acceptResult(ctx, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.proxy(ctx, client, be.addr)
		}()
	}
}

// runNormal keeps a backlog of pre-started instances and hands one to each
// connection. The instance is torn down when its connection closes. A failed
// pre-start sends a nil slot, so waiting clients are dropped instead of
// blocking forever.
func (d *Daemon) runNormal(ctx context.Context, listener net.Listener) error {
	ready := make(chan *backend, d.opts.Backlog)

	var fillWG sync.WaitGroup
	fill := func() {
		defer fillWG.Done()
		be, err := d.newBackend(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("Failed to pre-start instance", zap.Error(err))
			}
			// Hand the failure to the accept loop; a fresh fill is
			// attempted for the next connection.
			select {
			case ready <- nil:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ready <- be:
		case <-ctx.Done():
			_ = be.stop()
		}
	}
	for i := 0; i < d.opts.Backlog; i++ {
		fillWG.Add(1)
		go fill()
	}

	// Drain and stop whatever is still pre-started on the way out.
	defer func() {
		fillWG.Wait()
		close(ready)
		for be := range ready {
			if be == nil {
				continue
			}
			if err := be.stop(); err != nil {
				d.logger.Error("Error stopping pre-started instance", zap.Error(err))
			}
		}
	}()

	var connWG sync.WaitGroup
	defer connWG.Wait()

	for {
		client, err := listener.Accept()
		if err != nil {
			return acceptResult(ctx, err)
		}

		var be *backend
		select {
		case be = <-ready:
		case <-ctx.Done():
			_ = client.Close()
			return ctx.Err()
		}
		// Replace the slot just taken.
		fillWG.Add(1)
		go fill()

		if be == nil {
			d.logger.Warn("No instance available, dropping client connection",
				zap.String("client", client.RemoteAddr().String()))
			_ = client.Close()
			continue
		}

		connWG.Add(1)
		go func() {
			defer connWG.Done()
			d.proxy(ctx, client, be.addr)
			if err := be.stop(); err != nil {
				d.logger.Error("Error stopping per-connection instance", zap.Error(err))
			}
		}()
	}
}

// startBackend boots one embedded server with a free port and a fresh data
// directory, applies the load script if configured, and returns its address
// plus a teardown closure.
func (d *Daemon) startBackend(ctx context.Context) (*backend, error) {
	cfg := d.opts.BaseConfig
	cfg.Port = 0
	if err := instance.AssignRandomPort(&cfg, d.logger); err != nil {
		return nil, fmt.Errorf("daemon: assign port: %w", err)
	}

	workDir := filepath.Join(d.opts.DataDirPrefix, dirNames.Next())
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, fmt.Errorf("daemon: create data dir %q: %w", workDir, err)
	}

	server, err := instance.Start(ctx, cfg, workDir, d.logger)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("daemon: start instance: %w", err)
	}

	if cfg.LoadPath != "" {
		loadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err := server.Load(loadCtx, cfg.Database, cfg.LoadPath)
		cancel()
		if err != nil {
			_ = instance.StopFunc(&server, d.logger)()
			_ = os.RemoveAll(workDir)
			return nil, fmt.Errorf("daemon: load script %q: %w", cfg.LoadPath, err)
		}
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	d.logger.Info("Instance ready", zap.String("addr", addr), zap.String("dataDir", workDir))

	srv := server
	stop := func() error {
		stopErr := instance.StopFunc(&srv, d.logger)()
		rmErr := os.RemoveAll(workDir)
		if stopErr != nil {
			return stopErr
		}
		return rmErr
	}
	return &backend{addr: addr, stop: stop}, nil
}

// proxy copies bytes between the client and the backend until either side
// closes or the context ends.
func (d *Daemon) proxy(ctx context.Context, client net.Conn, backendAddr string) {
	defer client.Close()

	upstream, err := net.Dial("tcp", backendAddr)
	if err != nil {
		d.logger.Error("Failed to dial backend",
			zap.String("backend", backendAddr), zap.Error(err))
		return
	}
	defer upstream.Close()

	d.logger.Debug("Proxying connection",
		zap.String("client", client.RemoteAddr().String()),
		zap.String("backend", backendAddr))

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		// Half-close so the peer's copy loop also terminates.
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)

	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	// Wait for the second direction unless shutting down.
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// acceptResult maps a listener error to the daemon's exit status: a close
// caused by context cancellation is a clean shutdown.
func acceptResult(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return ctx.Err()
	}
	return fmt.Errorf("daemon: accept: %w", err)
}
