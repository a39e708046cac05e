package embedding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zakariaf/ragcache/pkg/errors"
)

func TestBatchingEmbedder_CoalescesConcurrentRequests(t *testing.T) {
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(16)}
	b := NewBatchingEmbedder(inner, BatcherConfig{BatchSize: 8, MaxWait: 30 * time.Millisecond}, nil)
	defer b.Close()

	texts := []string{"a", "b", "c", "d"}
	results := make([][]float64, len(texts))

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			vec, err := b.Embed(context.Background(), text)
			if err != nil {
				t.Errorf("Embed(%q) error = %v", text, err)
				return
			}
			results[i] = vec
		}(i, text)
	}
	wg.Wait()

	// Everyone got the vector for their own text.
	for i, text := range texts {
		want, _ := inner.LocalEmbedder.Embed(context.Background(), text)
		for j := range want {
			if results[i][j] != want[j] {
				t.Fatalf("result[%d] does not match embedding of %q", i, text)
			}
		}
	}

	// Far fewer batches than requests.
	if got := inner.batchCalls.Load(); got >= int64(len(texts)) {
		t.Errorf("batch calls = %d, want < %d", got, len(texts))
	}
}

func TestBatchingEmbedder_FlushesAtBatchSize(t *testing.T) {
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(8)}
	// Long max wait: only the size trigger can flush quickly.
	b := NewBatchingEmbedder(inner, BatcherConfig{BatchSize: 2, MaxWait: 10 * time.Second}, nil)
	defer b.Close()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			_, err := b.Embed(context.Background(), string(rune('a'+n)))
			if err != nil {
				t.Errorf("Embed() error = %v", err)
			}
			done <- struct{}{}
		}(i)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("batch did not flush at batch_size")
		}
	}
}

func TestBatchingEmbedder_FlushesAtMaxWait(t *testing.T) {
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(8)}
	b := NewBatchingEmbedder(inner, BatcherConfig{BatchSize: 100, MaxWait: 20 * time.Millisecond}, nil)
	defer b.Close()

	start := time.Now()
	if _, err := b.Embed(context.Background(), "solo"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("single request waited %v, want ~max_wait", elapsed)
	}
}

func TestBatchingEmbedder_CancelledWaiter(t *testing.T) {
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(8)}
	b := NewBatchingEmbedder(inner, BatcherConfig{BatchSize: 100, MaxWait: time.Second}, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Embed(ctx, "x")
	if errors.KindOf(err) != errors.KindCancelled {
		t.Errorf("KindOf() = %v, want KindCancelled", errors.KindOf(err))
	}
}

func TestBatchingEmbedder_CloseFallsBackToDirect(t *testing.T) {
	inner := &countingEmbedder{LocalEmbedder: NewLocalEmbedder(8)}
	b := NewBatchingEmbedder(inner, BatcherConfig{BatchSize: 4, MaxWait: 10 * time.Millisecond}, nil)
	b.Close()

	if _, err := b.Embed(context.Background(), "after close"); err != nil {
		t.Errorf("Embed() after Close error = %v", err)
	}
	if got := inner.embedCalls.Load(); got != 1 {
		t.Errorf("direct inner calls = %d, want 1", got)
	}
}
