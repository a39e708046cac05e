package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// PoolConfig defines pool behavior and limits.
type PoolConfig struct {
	MinSize         int
	MaxSize         int
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	AcquireTimeout  time.Duration
	JanitorInterval time.Duration
}

// DefaultPoolConfig returns sensible pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:         1,
		MaxSize:         10,
		IdleTimeout:     5 * time.Minute,
		MaxLifetime:     time.Hour,
		AcquireTimeout:  30 * time.Second,
		JanitorInterval: time.Minute,
	}
}

func (c *PoolConfig) normalize() {
	if c.MinSize < 1 {
		c.MinSize = 1
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
}

// Conn is an opaque handle to a pooled store client. Callers must return it
// with Release (or use WithConn, which guarantees it).
type Conn struct {
	id    string
	store Store
}

// Store returns the underlying client for the duration of the checkout.
func (c *Conn) Store() Store { return c.store }

// pooledConn tracks connection metadata for pool management.
type pooledConn struct {
	id        string
	store     Store
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	useCount  int64
}

func (p *pooledConn) expired(maxLifetime time.Duration) bool {
	return maxLifetime > 0 && time.Since(p.createdAt) > maxLifetime
}

func (p *pooledConn) idleExpired(idleTimeout time.Duration) bool {
	return !p.inUse && idleTimeout > 0 && time.Since(p.lastUsed) > idleTimeout
}

// Factory creates a new store client for the pool.
type Factory func() (Store, error)

// Pool is a bounded pool of vector store clients with background reclamation
// of idle and aged connections. Entries are owned by the pool; callers hold
// only Conn handles.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*pooledConn
	factory Factory
	cfg     PoolConfig
	logger  *slog.Logger
	closed  bool

	// released signals waiting acquirers that a connection became free.
	released chan struct{}
	stopJan  chan struct{}
	janDone  chan struct{}
}

// PoolStats is a snapshot of pool state.
type PoolStats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
	MinSize   int `json:"min_size"`
	MaxSize   int `json:"max_size"`
}

// NewPool creates a pool and fills it to min_size eagerly. The janitor
// starts immediately.
func NewPool(factory Factory, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool factory is required")
	}
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		conns:    make(map[string]*pooledConn),
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		released: make(chan struct{}, 1),
		stopJan:  make(chan struct{}),
		janDone:  make(chan struct{}),
	}

	go p.janitor()

	p.mu.Lock()
	for i := 0; i < cfg.MinSize; i++ {
		if _, err := p.createLocked(); err != nil {
			p.mu.Unlock()
			p.Close()
			return nil, fmt.Errorf("initialize pool: %w", err)
		}
	}
	p.mu.Unlock()

	logger.Info("connection pool initialized",
		"min_size", cfg.MinSize, "max_size", cfg.MaxSize)
	return p, nil
}

// Acquire checks out a connection, waiting up to acquire_timeout. On timeout
// it fails with a PoolTimeout error.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()

	for {
		conn, err := p.tryAcquire()
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Cancelled(ctx.Err())
		case <-deadline.C:
			return nil, errors.PoolTimeout(fmt.Sprintf(
				"timeout acquiring connection after %s", p.cfg.AcquireTimeout))
		case <-p.released:
			// A connection was released or removed; retry.
		}
	}
}

// tryAcquire returns a free connection, creates one if below max_size, or
// returns (nil, nil) when the pool is saturated.
func (p *Pool) tryAcquire() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.PoolTimeout("pool is closed")
	}

	for _, pc := range p.conns {
		if pc.inUse {
			continue
		}
		if pc.expired(p.cfg.MaxLifetime) {
			p.removeLocked(pc)
			continue
		}
		pc.inUse = true
		pc.useCount++
		pc.lastUsed = time.Now()
		return &Conn{id: pc.id, store: pc.store}, nil
	}

	if len(p.conns) < p.cfg.MaxSize {
		pc, err := p.createLocked()
		if err != nil {
			return nil, errors.CacheFault("create pooled connection", err)
		}
		pc.inUse = true
		pc.useCount++
		pc.lastUsed = time.Now()
		return &Conn{id: pc.id, store: pc.store}, nil
	}

	return nil, nil
}

// Release returns a connection to the pool. Releasing an unknown or already
// released handle is a no-op.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if pc, ok := p.conns[conn.id]; ok && pc.inUse {
		pc.inUse = false
		pc.lastUsed = time.Now()
	}
	p.mu.Unlock()

	p.wake()
}

// WithConn runs fn with a pooled client, guaranteeing release on every exit
// path including panics.
func (p *Pool) WithConn(ctx context.Context, fn func(Store) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn.store)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, pc := range p.conns {
		if pc.inUse {
			inUse++
		}
	}
	return PoolStats{
		Total:     len(p.conns),
		InUse:     inUse,
		Available: len(p.conns) - inUse,
		MinSize:   p.cfg.MinSize,
		MaxSize:   p.cfg.MaxSize,
	}
}

// Close shuts the pool down idempotently, closing every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopJan)
	for _, pc := range p.conns {
		p.removeLocked(pc)
	}
	p.mu.Unlock()

	<-p.janDone
	p.wake()
	p.logger.Info("connection pool closed")
}

func (p *Pool) createLocked() (*pooledConn, error) {
	store, err := p.factory()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	pc := &pooledConn{
		id:        uuid.NewString(),
		store:     store,
		createdAt: now,
		lastUsed:  now,
	}
	p.conns[pc.id] = pc
	return pc, nil
}

func (p *Pool) removeLocked(pc *pooledConn) {
	if err := pc.store.Close(); err != nil {
		p.logger.Error("error closing pooled connection", "error", err)
	}
	delete(p.conns, pc.id)
}

func (p *Pool) wake() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// janitor reclaims idle and aged connections on a fixed cadence. Lifetime
// expiry is unconditional; idle reclamation respects the min_size floor.
func (p *Pool) janitor() {
	defer close(p.janDone)

	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopJan:
			return
		case <-ticker.C:
			p.reapExpired()
		}
	}
}

func (p *Pool) reapExpired() {
	p.mu.Lock()
	removed := 0
	for _, pc := range p.conns {
		if pc.inUse {
			continue
		}
		if pc.expired(p.cfg.MaxLifetime) {
			p.removeLocked(pc)
			removed++
			continue
		}
		if len(p.conns) > p.cfg.MinSize && pc.idleExpired(p.cfg.IdleTimeout) {
			p.removeLocked(pc)
			removed++
		}
	}
	remaining := len(p.conns)
	p.mu.Unlock()

	if removed > 0 {
		p.wake()
		p.logger.Info("reaped expired connections",
			"removed", removed, "remaining", remaining)
	}
}
