package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zakariaf/ragcache/internal/embedding"
	"github.com/zakariaf/ragcache/internal/vectorstore"
)

// orthoEmbedder maps each distinct text to its own basis vector, so distinct
// texts have zero similarity and identical texts have similarity 1.
type orthoEmbedder struct {
	mu    sync.Mutex
	dim   int
	seen  map[string]int
	fails bool
}

func newOrthoEmbedder(dim int) *orthoEmbedder {
	return &orthoEmbedder{dim: dim, seen: make(map[string]int)}
}

func (e *orthoEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fails {
		return nil, fmt.Errorf("embedder unavailable")
	}
	idx, ok := e.seen[text]
	if !ok {
		idx = len(e.seen) % e.dim
		e.seen[text] = idx
	}
	vec := make([]float64, e.dim)
	vec[idx] = 1
	return vec, nil
}

func (e *orthoEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *orthoEmbedder) Dimension() int { return e.dim }
func (e *orthoEmbedder) Model() string  { return "ortho-test" }

// fixedEmbedder returns one shared unit vector for every text: any two
// texts are perfectly similar.
type fixedEmbedder struct{ dim int }

func (e *fixedEmbedder) Embed(context.Context, string) ([]float64, error) {
	vec := make([]float64, e.dim)
	vec[0] = 1
	return vec, nil
}

func (e *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int { return e.dim }
func (e *fixedEmbedder) Model() string  { return "fixed-test" }

func testPool(t *testing.T, store vectorstore.Store) *vectorstore.Pool {
	t.Helper()
	cfg := vectorstore.DefaultPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 4
	cfg.AcquireTimeout = time.Second
	pool, err := vectorstore.NewPool(func() (vectorstore.Store, error) {
		return store, nil
	}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func testCache(t *testing.T, store vectorstore.Store, embedder embedding.Embedder, cfg Config) *Cache {
	t.Helper()
	if cfg.Optimizer.InitialThreshold == 0 {
		cfg.Optimizer = DefaultOptimizerConfig()
	}
	c, err := New(testPool(t, store), embedder, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func worthyStore(query, response string) StoreRequest {
	return StoreRequest{
		Query:            query,
		Response:         response,
		Provider:         "openai",
		Model:            "gpt-3.5-turbo",
		PromptTokens:     10,
		CompletionTokens: 200, // above the cache-worthy floor
	}
}

func TestCache_StoreThenExactLookup(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), newOrthoEmbedder(8), Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("What is the capital of France?", "Paris"))

	res, err := c.Lookup(ctx, "What is the capital of France?", true, true)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !res.Hit() || res.Kind != KindExact {
		t.Fatalf("Lookup() = %+v, want exact hit", res)
	}
	if res.Entry.Response != "Paris" || res.Entry.Provider != "openai" {
		t.Errorf("Entry = %+v", res.Entry)
	}
	if res.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", res.Score)
	}

	// Idempotent: same content on repeat lookups.
	res2, _ := c.Lookup(ctx, "What is the capital of France?", true, true)
	if !res2.Hit() || res2.Entry.Response != res.Entry.Response {
		t.Error("repeat lookup should return the same content")
	}
}

func TestCache_ExactHitNormalizesQuery(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), newOrthoEmbedder(8), Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("What is the capital of France?", "Paris"))

	res, _ := c.Lookup(ctx, "  what is the CAPITAL of france?  ", true, false)
	if !res.Hit() || res.Kind != KindExact {
		t.Errorf("normalized variant should hit exact tier, got %+v", res)
	}
}

func TestCache_SemanticHit(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), &fixedEmbedder{dim: 8}, Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("What is the capital of France?", "Paris"))

	// Different fingerprint, identical vector: semantic tier hit.
	res, _ := c.Lookup(ctx, "Which city is France's capital?", true, true)
	if !res.Hit() || res.Kind != KindSemantic {
		t.Fatalf("Lookup() = %+v, want semantic hit", res)
	}
	if res.Score < c.Optimizer().CurrentThreshold() {
		t.Errorf("Score = %v below threshold", res.Score)
	}
	if res.Entry.Response != "Paris" {
		t.Errorf("Response = %q", res.Entry.Response)
	}
}

func TestCache_ExactWinsOverSemantic(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), &fixedEmbedder{dim: 8}, Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("query one", "answer one"))

	// Same fingerprint exists; even with a perfectly similar semantic
	// neighbour, exact is consulted first and wins.
	res, _ := c.Lookup(ctx, "query one", true, true)
	if res.Kind != KindExact {
		t.Errorf("Kind = %v, want exact", res.Kind)
	}
}

func TestCache_DissimilarQueryMisses(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), newOrthoEmbedder(8), Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("first query", "first answer"))

	res, _ := c.Lookup(ctx, "completely unrelated", true, true)
	if res.Hit() {
		t.Errorf("orthogonal query should miss, got %+v", res)
	}
	if res.Kind != KindNone {
		t.Errorf("Kind = %v, want none", res.Kind)
	}
}

func TestCache_DisabledTiers(t *testing.T) {
	emb := &fixedEmbedder{dim: 8}
	c := testCache(t, vectorstore.NewMemStore(), emb, Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("stored query", "stored answer"))

	// Semantic disabled: a paraphrase misses.
	res, _ := c.Lookup(ctx, "a paraphrase", true, false)
	if res.Hit() {
		t.Error("semantic disabled should miss on paraphrase")
	}

	// Exact disabled: the identical query still hits semantically.
	res, _ = c.Lookup(ctx, "stored query", false, true)
	if !res.Hit() || res.Kind != KindSemantic {
		t.Errorf("exact disabled should fall to semantic, got %+v", res)
	}
}

func TestCache_TTLExpiryIsLazyMiss(t *testing.T) {
	store := vectorstore.NewMemStore()
	c := testCache(t, store, newOrthoEmbedder(8), Config{})
	ctx := context.Background()

	fp := Fingerprint(Normalize("old query"))
	expired := vectorstore.Entry{
		ID:     PointID(fp),
		Vector: []float64{1, 0, 0, 0, 0, 0, 0, 0},
		Payload: vectorstore.Payload{
			Fingerprint: fp,
			Query:       "old query",
			Response:    "stale",
			CreatedAt:   time.Now().Add(-2 * time.Hour).Unix(),
			AccessCount: 1,
			TTLSeconds:  60,
		},
	}
	if err := store.Upsert(ctx, expired); err != nil {
		t.Fatal(err)
	}

	res, _ := c.Lookup(ctx, "old query", true, false)
	if res.Hit() {
		t.Fatal("expired entry must read as a miss")
	}

	// Lazily removed.
	if got, _ := store.Count(ctx); got != 0 {
		t.Errorf("expired entry not removed, count = %d", got)
	}
}

func TestCache_InvalidateThenMiss(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), newOrthoEmbedder(8), Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("some query", "some answer"))
	fp := Fingerprint(Normalize("some query"))

	if err := c.Invalidate(ctx, fp); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	res, _ := c.Lookup(ctx, "some query", true, false)
	if res.Hit() {
		t.Error("lookup after invalidate should miss")
	}
}

func TestCache_Clear(t *testing.T) {
	store := vectorstore.NewMemStore()
	c := testCache(t, store, newOrthoEmbedder(16), Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Store(ctx, worthyStore(fmt.Sprintf("query %d", i), "answer"))
	}
	if got, _ := store.Count(ctx); got != 5 {
		t.Fatalf("precondition: count = %d, want 5", got)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := store.Count(ctx); got != 0 {
		t.Errorf("count after Clear = %d, want 0", got)
	}
}

func TestCache_DeclinesUnworthyResponses(t *testing.T) {
	store := vectorstore.NewMemStore()
	c := testCache(t, store, newOrthoEmbedder(8), Config{})
	ctx := context.Background()

	// Short response, unseen fingerprint: declined.
	c.Store(ctx, StoreRequest{
		Query:            "tiny",
		Response:         "ok",
		CompletionTokens: 3,
	})
	if got, _ := store.Count(ctx); got != 0 {
		t.Errorf("count = %d, want 0 (declined)", got)
	}
	if c.Stats().Declined != 1 {
		t.Errorf("Declined = %d, want 1", c.Stats().Declined)
	}

	// Seen twice: now worthy regardless of size.
	c.Lookup(ctx, "tiny", true, false)
	c.Lookup(ctx, "tiny", true, false)
	c.Store(ctx, StoreRequest{Query: "tiny", Response: "ok", CompletionTokens: 3})
	if got, _ := store.Count(ctx); got != 1 {
		t.Errorf("count = %d, want 1 (frequent query admitted)", got)
	}
}

func TestCache_EvictsAtCapacity(t *testing.T) {
	store := vectorstore.NewMemStore()
	cfg := Config{MaxSize: 3, EvictionBatch: 2, Optimizer: DefaultOptimizerConfig()}
	c := testCache(t, store, newOrthoEmbedder(16), cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Store(ctx, worthyStore(fmt.Sprintf("query %d", i), "answer"))
	}
	if got, _ := store.Count(ctx); got != 3 {
		t.Fatalf("precondition: count = %d, want 3", got)
	}

	// At capacity: the next store evicts a batch first.
	c.Store(ctx, worthyStore("query 3", "answer"))

	if got, _ := store.Count(ctx); got != 2 {
		t.Errorf("count after eviction = %d, want 2", got)
	}
	if got := c.Stats().Evictions; got != 2 {
		t.Errorf("Evictions = %d, want 2", got)
	}

	// The new entry survived.
	res, _ := c.Lookup(ctx, "query 3", true, false)
	if !res.Hit() {
		t.Error("newly stored entry should be present after eviction")
	}
}

func TestCache_EmbedderFailureDowngradesSemanticLookup(t *testing.T) {
	emb := newOrthoEmbedder(8)
	c := testCache(t, vectorstore.NewMemStore(), emb, Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("known", "answer"))

	emb.mu.Lock()
	emb.fails = true
	emb.mu.Unlock()

	// Exact tier still works; semantic failure degrades to miss, no error.
	res, err := c.Lookup(ctx, "known", true, true)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !res.Hit() || res.Kind != KindExact {
		t.Errorf("exact tier should survive embedder failure, got %+v", res)
	}

	res, err = c.Lookup(ctx, "unknown", true, true)
	if err != nil || res.Hit() {
		t.Errorf("semantic lookup with failed embedder = (%+v, %v), want miss", res, err)
	}
	if c.Stats().Errors == 0 {
		t.Error("embedder failure should be counted")
	}
}

func TestCache_EmbedderFailureDuringStoreKeepsExactTier(t *testing.T) {
	emb := newOrthoEmbedder(8)
	emb.fails = true
	c := testCache(t, vectorstore.NewMemStore(), emb, Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("a query", "the answer"))

	res, _ := c.Lookup(ctx, "a query", true, false)
	if !res.Hit() {
		t.Error("entry stored without embedding should still hit exact tier")
	}
}

func TestCache_StatsAccounting(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), newOrthoEmbedder(8), Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("hit me", "answer"))
	c.Lookup(ctx, "hit me", true, true)
	c.Lookup(ctx, "miss me", true, true)

	stats := c.Stats()
	if stats.ExactHits != 1 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
	if stats.Threshold < 0.70 || stats.Threshold > 0.95 {
		t.Errorf("Threshold = %v out of bounds", stats.Threshold)
	}
}

func TestCache_ConcurrentLookups(t *testing.T) {
	c := testCache(t, vectorstore.NewMemStore(), newOrthoEmbedder(32), Config{})
	ctx := context.Background()

	c.Store(ctx, worthyStore("shared query", "shared answer"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Lookup(ctx, "shared query", true, true)
			if err != nil {
				t.Errorf("Lookup() error = %v", err)
				return
			}
			if !res.Hit() || res.Entry.Response != "shared answer" {
				t.Errorf("concurrent lookup = %+v", res)
			}
		}()
	}
	wg.Wait()
}
