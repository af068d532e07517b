// Package cleanup provides a LIFO stack of teardown functions shared by the
// kit, the instance manager, and the daemon. Resources are released in
// reverse order of acquisition, exactly once, on all exit paths.
package cleanup

import (
	"sync"

	"go.uber.org/zap"
)

// Func is a single teardown step. It returns an error if the step fails.
type Func func() error

// Manager manages the stack of cleanup functions.
type Manager struct {
	mu          sync.Mutex  // Protects funcs and err
	funcs       []Func      // Stack of cleanup functions (LIFO)
	err         error       // First error encountered during cleanup
	logger      *zap.Logger // Logger for reporting cleanup errors
	cleanupOnce sync.Once   // Ensures cleanup runs only once
}

// NewManager creates a new cleanup manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		funcs:  make([]Func, 0),
		logger: logger,
	}
}

// Add pushes a function onto the cleanup stack. Nil functions are ignored.
func (cm *Manager) Add(f Func) {
	if f == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.funcs = append(cm.funcs, f)
}

// Execute runs all registered cleanup functions in reverse order (LIFO).
// It runs only once and returns the first error encountered; subsequent
// calls return the same result. The logger is synced afterwards.
func (cm *Manager) Execute() error {
	cm.cleanupOnce.Do(func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.logger.Debug("Starting cleanup process...")
		for i := len(cm.funcs) - 1; i >= 0; i-- {
			f := cm.funcs[i]
			if f == nil {
				continue
			}
			if err := f(); err != nil {
				if cm.err == nil {
					cm.err = err
					cm.logger.Error("Cleanup error encountered", zap.Error(err))
				} else {
					cm.logger.Error("Additional cleanup error", zap.Error(err))
				}
			}
		}
		cm.logger.Debug("Cleanup process finished.")

		// Sync errors are expected on stderr sinks and are safe to ignore.
		_ = cm.logger.Sync()
	})
	return cm.err
}
