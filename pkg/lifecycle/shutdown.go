// Package lifecycle drains in-flight conversions and closes shared services
// when a long-running command (watch, worker) is asked to stop.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Closer is a service released at shutdown.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// Config configures a Manager.
type Config struct {
	// DrainTimeout is how long Shutdown waits for in-flight work.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Manager tracks in-flight work and the services to close.
type Manager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	logger       *slog.Logger

	draining   bool
	inFlight   sync.WaitGroup
	count      int64
	closers    []namedCloser
	shutdownAt time.Time
	done       chan struct{}
}

type namedCloser struct {
	name string
	c    Closer
}

// New creates a manager.
func New(cfg Config) *Manager {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
		done:         make(chan struct{}),
	}
}

// Register adds a service closed at shutdown. Services close in reverse
// registration order.
func (m *Manager) Register(name string, c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// Begin marks the start of a unit of work. It returns false once draining
// has started; the caller must not start the work then. Every true result
// must be paired with End.
func (m *Manager) Begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return false
	}
	m.count++
	m.inFlight.Add(1)
	return true
}

// End marks the end of a unit of work.
func (m *Manager) End() {
	m.mu.Lock()
	m.count--
	m.mu.Unlock()
	m.inFlight.Done()
}

// InFlight returns the number of running units of work.
func (m *Manager) InFlight() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Draining reports whether Shutdown has started.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Shutdown stops accepting work, waits for in-flight work up to the drain
// timeout or ctx, then closes the services. Later calls return nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	m.shutdownAt = time.Now()
	closers := m.closers
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(m.drainTimeout):
		m.logger.Warn("drain timeout reached", "in_flight", m.InFlight())
	case <-ctx.Done():
		m.logger.Warn("shutdown interrupted", "in_flight", m.InFlight())
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].c.Close(); err != nil {
			m.logger.Error("close failed", "service", closers[i].name, "error", err)
			errs = append(errs, err)
		}
	}
	close(m.done)
	return errors.Join(errs...)
}

// Done is closed when Shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Run runs fn with a context cancelled on SIGINT or SIGTERM, then shuts m
// down. fn is expected to return soon after its context is cancelled.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	sctx, stop := SignalContext(ctx)
	defer stop()

	err := fn(sctx)
	if errors.Is(err, context.Canceled) && sctx.Err() != nil {
		m.logger.Info("shutting down")
		err = nil
	}

	sdCtx, cancel := context.WithTimeout(context.Background(), m.drainTimeout+5*time.Second)
	defer cancel()
	return errors.Join(err, m.Shutdown(sdCtx))
}
