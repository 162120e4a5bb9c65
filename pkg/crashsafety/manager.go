// Package crashsafety maintains the process-wide registry of durable
// components and guarantees a best-effort emergency flush before the
// process terminates on a signal or at normal exit.
//
// OS signal handlers are inherently process-global, so the registry is
// a package-level singleton guarded by one mutex, with an explicit
// Reset lifecycle for test isolation.
package crashsafety

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"logward/pkg/types"

	"github.com/sirupsen/logrus"
)

// crashSignals are the termination conditions intercepted for an
// emergency flush. SIGKILL cannot be caught and is deliberately absent.
var crashSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGABRT,
}

type manager struct {
	mu         sync.Mutex
	components map[uint64]types.EmergencyFlusher
	nextID     uint64
	installed  bool
	sigCh      chan os.Signal
	done       chan struct{}
	logger     *logrus.Logger
}

var global = &manager{
	components: make(map[uint64]types.EmergencyFlusher),
	logger:     logrus.StandardLogger(),
}

// SetLogger replaces the side-channel logger used for handler
// diagnostics. Safe to call at any time.
func SetLogger(logger *logrus.Logger) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.logger = logger
}

// Register adds a component to the emergency flush fan-out and returns
// an unregister function. The first registration installs the signal
// handlers.
func Register(c types.EmergencyFlusher) (unregister func()) {
	global.mu.Lock()
	defer global.mu.Unlock()

	id := global.nextID
	global.nextID++
	global.components[id] = c

	if !global.installed {
		global.install()
	}

	return func() {
		global.mu.Lock()
		defer global.mu.Unlock()
		delete(global.components, id)
	}
}

// RegisteredCount returns the number of registered components.
func RegisteredCount() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	return len(global.components)
}

// Installed reports whether signal handlers are currently installed.
func Installed() bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.installed
}

// install sets up signal interception. Caller holds the mutex.
func (m *manager) install() {
	m.sigCh = make(chan os.Signal, 1)
	m.done = make(chan struct{})
	signal.Notify(m.sigCh, crashSignals...)

	go m.watch(m.sigCh, m.done)
	m.installed = true
}

// watch waits for a termination signal, fans out the emergency flush,
// then restores the original disposition and re-raises the signal so
// the process still terminates the way the sender intended.
func (m *manager) watch(sigCh chan os.Signal, done chan struct{}) {
	select {
	case sig, ok := <-sigCh:
		if !ok {
			return
		}
		FlushAll()

		m.mu.Lock()
		logger := m.logger
		m.mu.Unlock()
		logger.WithField("signal", sig.String()).Warn("Emergency flush complete, re-raising signal")

		signal.Reset(sig)
		if s, isSyscall := sig.(syscall.Signal); isSyscall {
			_ = syscall.Kill(syscall.Getpid(), s)
		} else {
			os.Exit(1)
		}
	case <-done:
	}
}

// FlushAll invokes EmergencyFlush on every registered component,
// swallowing individual failures so one broken component cannot
// prevent the others from flushing. Also used as the normal-exit hook.
func FlushAll() {
	global.mu.Lock()
	components := make([]types.EmergencyFlusher, 0, len(global.components))
	for _, c := range global.components {
		components = append(components, c)
	}
	logger := global.logger
	global.mu.Unlock()

	for _, c := range components {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("panic", r).Error("Component emergency flush panicked")
				}
			}()
			c.EmergencyFlush()
		}()
	}
}

// Reset restores the original signal dispositions and clears the
// registry. Intended for test isolation; idempotent.
func Reset() {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.installed {
		signal.Reset(crashSignals...)
		close(global.done)
		signal.Stop(global.sigCh)
		close(global.sigCh)
		global.sigCh = nil
		global.done = nil
		global.installed = false
	}
	global.components = make(map[uint64]types.EmergencyFlusher)
	global.nextID = 0
}
