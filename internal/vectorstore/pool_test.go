package vectorstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// stubStore is a minimal Store for pool tests.
type stubStore struct {
	closed atomic.Bool
}

func (s *stubStore) EnsureCollection(context.Context, int, Distance) error { return nil }
func (s *stubStore) Upsert(context.Context, Entry) error                   { return nil }
func (s *stubStore) Retrieve(context.Context, string) (*Entry, error)      { return nil, nil }
func (s *stubStore) Search(context.Context, []float64, int, float64) ([]SearchResult, error) {
	return nil, nil
}
func (s *stubStore) SetPayload(context.Context, string, map[string]any) error { return nil }
func (s *stubStore) Delete(context.Context, ...string) error                  { return nil }
func (s *stubStore) Scroll(context.Context, int, string) ([]Entry, string, error) {
	return nil, "", nil
}
func (s *stubStore) Count(context.Context) (int64, error) { return 0, nil }
func (s *stubStore) Ping(context.Context) error           { return nil }
func (s *stubStore) Info(context.Context) (*CollectionInfo, error) {
	return &CollectionInfo{}, nil
}
func (s *stubStore) Close() error {
	s.closed.Store(true)
	return nil
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *int32) {
	t.Helper()
	var created int32
	factory := func() (Store, error) {
		atomic.AddInt32(&created, 1)
		return &stubStore{}, nil
	}
	p, err := NewPool(factory, cfg, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(p.Close)
	return p, &created
}

func TestPool_InitializesToMinSize(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 3
	cfg.MaxSize = 5
	p, created := newTestPool(t, cfg)

	if got := atomic.LoadInt32(created); got != 3 {
		t.Errorf("created = %d, want 3", got)
	}
	stats := p.Stats()
	if stats.Total != 3 || stats.Available != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	p, _ := newTestPool(t, cfg)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if conn.Store() == nil {
		t.Fatal("Conn.Store() is nil")
	}
	if stats := p.Stats(); stats.InUse != 1 {
		t.Errorf("InUse = %d, want 1", stats.InUse)
	}

	p.Release(conn)
	if stats := p.Stats(); stats.InUse != 0 {
		t.Errorf("InUse after release = %d, want 0", stats.InUse)
	}

	// Double release is a no-op.
	p.Release(conn)
	if stats := p.Stats(); stats.InUse != 0 || stats.Total != 1 {
		t.Errorf("Stats after double release = %+v", stats)
	}
}

func TestPool_GrowsToMaxSize(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 3
	p, created := newTestPool(t, cfg)

	var conns []*Conn
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire(%d) error = %v", i, err)
		}
		conns = append(conns, conn)
	}

	if got := atomic.LoadInt32(created); got != 3 {
		t.Errorf("created = %d, want 3", got)
	}
	for _, c := range conns {
		p.Release(c)
	}
}

func TestPool_AcquireTimeout(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer p.Release(conn)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("second Acquire() should fail with pool exhausted")
	}
	if errors.KindOf(err) != errors.KindPoolTimeout {
		t.Errorf("KindOf() = %v, want KindPoolTimeout", errors.KindOf(err))
	}
	if elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("timeout elapsed = %v, want ~50ms", elapsed)
	}
}

func TestPool_WaiterWakesOnRelease(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 2 * time.Second
	p, _ := newTestPool(t, cfg)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(c)
		}
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(conn)

	select {
	case err := <-acquired:
		if err != nil {
			t.Errorf("waiter Acquire() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake after release")
	}
}

func TestPool_AcquireCancelled(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	conn, _ := p.Acquire(context.Background())
	defer p.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Acquire(ctx)
	if errors.KindOf(err) != errors.KindCancelled {
		t.Errorf("KindOf() = %v, want KindCancelled", errors.KindOf(err))
	}
}

func TestPool_WithConnReleasesOnPanic(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	p, _ := newTestPool(t, cfg)

	func() {
		defer func() { recover() }()
		_ = p.WithConn(context.Background(), func(Store) error {
			panic("boom")
		})
	}()

	if stats := p.Stats(); stats.InUse != 0 {
		t.Errorf("InUse after panic = %d, want 0", stats.InUse)
	}
}

func TestPool_JanitorReapsIdle(t *testing.T) {
	cfg := PoolConfig{
		MinSize:         1,
		MaxSize:         3,
		IdleTimeout:     30 * time.Millisecond,
		MaxLifetime:     time.Hour,
		AcquireTimeout:  time.Second,
		JanitorInterval: 20 * time.Millisecond,
	}
	p, _ := newTestPool(t, cfg)

	// Grow the pool to 3.
	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}

	// Idle connections above min_size are reclaimed; the floor holds.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Total == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.Stats().Total; got != 1 {
		t.Errorf("Total after idle reap = %d, want 1 (min_size floor)", got)
	}
}

func TestPool_LifetimeExpiryUnconditional(t *testing.T) {
	cfg := PoolConfig{
		MinSize:         2,
		MaxSize:         3,
		IdleTimeout:     time.Hour,
		MaxLifetime:     30 * time.Millisecond,
		AcquireTimeout:  time.Second,
		JanitorInterval: 20 * time.Millisecond,
	}
	p, created := newTestPool(t, cfg)

	time.Sleep(120 * time.Millisecond)

	// The aged initial connections are gone; acquiring makes fresh ones.
	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(conn)

	if got := atomic.LoadInt32(created); got <= 2 {
		t.Errorf("created = %d, want > 2 (aged connections replaced)", got)
	}
}

func TestPool_CloseIdempotent(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 2
	p, _ := newTestPool(t, cfg)

	p.Close()
	p.Close()

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Error("Acquire() on closed pool should fail")
	}
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinSize = 2
	cfg.MaxSize = 4
	cfg.AcquireTimeout = 2 * time.Second
	p, _ := newTestPool(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithConn(context.Background(), func(Store) error {
				time.Sleep(time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("WithConn() error = %v", err)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.InUse != 0 {
		t.Errorf("InUse = %d, want 0", stats.InUse)
	}
	if stats.Total > cfg.MaxSize {
		t.Errorf("Total = %d exceeds max %d", stats.Total, cfg.MaxSize)
	}
}
