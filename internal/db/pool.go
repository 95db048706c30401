// Package db manages the PostgreSQL connection pool behind the export API
// and streams report rows out of it. The pool is dialed lazily on first use
// and torn down and re-dialed when the transport underneath it dies.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/exportworks/excel-export/internal/config"
)

// State is the lifecycle state of the pool manager.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateResetting
	StateShuttingDown
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateResetting:
		return "resetting"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrShuttingDown is returned for acquisitions after shutdown began.
	ErrShuttingDown = errors.New("db: pool is shutting down")

	// ErrDrainTimeout reports connections still busy when the shutdown
	// window closed.
	ErrDrainTimeout = errors.New("db: pool drain timed out")
)

// Pool is the subset of pgxpool.Pool the manager hands out.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// PoolFactory opens a pool for the given settings. Tests substitute fakes.
type PoolFactory func(ctx context.Context, cfg config.DatabaseConfig) (Pool, error)

func defaultPoolFactory(ctx context.Context, cfg config.DatabaseConfig) (Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("db: parse pool config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return pool, nil
}

// Manager owns the process-wide connection pool. Connections are established
// lazily on first use; concurrent first users share a single dial instead of
// racing their own. Fatal transport errors reported through HandleError tear
// the pool down so the next acquisition starts fresh.
type Manager struct {
	cfg     config.DatabaseConfig
	factory PoolFactory

	mu      sync.Mutex
	state   State
	pool    Pool
	attempt *connectAttempt
}

// connectAttempt is shared by every caller waiting on the same dial.
type connectAttempt struct {
	done chan struct{}
	pool Pool
	err  error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPoolFactory replaces the pgx pool constructor.
func WithPoolFactory(f PoolFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// NewManager builds a Manager around cfg. The pool is not dialed until the
// first Acquire.
func NewManager(cfg config.DatabaseConfig, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, factory: defaultPoolFactory}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquire returns the ready pool, dialing it first when needed. Callers
// arriving during an in-flight dial wait for that dial's outcome.
func (m *Manager) Acquire(ctx context.Context) (Pool, error) {
	m.mu.Lock()
	switch m.state {
	case StateShuttingDown, StateClosed:
		m.mu.Unlock()
		return nil, ErrShuttingDown
	case StateReady:
		pool := m.pool
		m.mu.Unlock()
		return pool, nil
	}
	attempt := m.attempt
	if attempt == nil {
		attempt = &connectAttempt{done: make(chan struct{})}
		m.attempt = attempt
		m.state = StateConnecting
		go m.connect(attempt)
	}
	m.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.pool, attempt.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) connect(attempt *connectAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout.Std())
	defer cancel()

	pool, err := m.factory(ctx, m.cfg)

	var discard Pool
	m.mu.Lock()
	m.attempt = nil
	switch {
	case err != nil:
		if m.state == StateConnecting {
			m.state = StateUninitialized
		}
		attempt.err = err
	case m.state == StateShuttingDown || m.state == StateClosed:
		// shutdown won the race; the fresh pool is surplus
		discard = pool
		attempt.err = ErrShuttingDown
	default:
		m.pool = pool
		m.state = StateReady
		attempt.pool = pool
	}
	m.mu.Unlock()

	switch {
	case err != nil:
		log.Errorf("db: connect failed: %v", err)
	case discard != nil:
		discard.Close()
	default:
		log.Infof("db: pool ready (max %d connections)", m.cfg.MaxConns)
	}
	close(attempt.done)
}

// CloseAndReset tears down the current pool so the next Acquire dials a new
// one. Concurrent calls collapse into a single teardown; during shutdown it
// does nothing. The pool is fully closed before it is replaced.
func (m *Manager) CloseAndReset() error {
	m.mu.Lock()
	switch m.state {
	case StateShuttingDown, StateClosed, StateResetting:
		m.mu.Unlock()
		return nil
	case StateUninitialized, StateConnecting:
		m.mu.Unlock()
		return nil
	}
	pool := m.pool
	m.pool = nil
	m.state = StateResetting
	m.mu.Unlock()

	log.Warn("db: resetting connection pool")
	if pool != nil {
		// blocks until outstanding acquisitions release their connections
		pool.Close()
	}
	return nil
}

// HandleError inspects an error that escaped a query and schedules a pool
// reset when the transport underneath is gone. Anything else is left to the
// caller; the server answered, so the pool is healthy.
func (m *Manager) HandleError(err error) {
	if !IsFatalTransportError(err) {
		return
	}
	log.Warnf("db: fatal transport error, scheduling pool reset: %v", err)
	go func() {
		if rerr := m.CloseAndReset(); rerr != nil {
			log.Errorf("db: pool reset failed: %v", rerr)
		}
	}()
}

// GracefulShutdown drains and closes the pool, waiting at most timeout for
// in-flight work to release its connections. New acquisitions fail
// immediately once shutdown begins.
func (m *Manager) GracefulShutdown(timeout time.Duration) error {
	m.mu.Lock()
	if m.state == StateShuttingDown || m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateShuttingDown
	pool := m.pool
	m.pool = nil
	m.mu.Unlock()

	if pool == nil {
		m.setState(StateClosed)
		return nil
	}

	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		m.setState(StateClosed)
		return nil
	case <-timer.C:
		m.setState(StateClosed)
		return ErrDrainTimeout
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
