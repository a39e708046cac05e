package embedding

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// BatchingEmbedder coalesces concurrent single-text Embed calls into batch
// requests. A batch is dispatched when batch_size items are queued or when
// max_wait has elapsed since the oldest pending request; each waiter
// receives its vector by correlation index.
type BatchingEmbedder struct {
	inner     Embedder
	requests  chan *batchRequest
	batchSize int
	maxWait   time.Duration
	logger    *slog.Logger

	closed  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	batches atomic.Int64
	coalesced atomic.Int64
}

// BatcherConfig holds configuration for the batching wrapper.
type BatcherConfig struct {
	BatchSize int
	MaxWait   time.Duration
}

type batchRequest struct {
	ctx    context.Context
	text   string
	result chan batchResult
}

type batchResult struct {
	vec []float64
	err error
}

// NewBatchingEmbedder wraps inner with batch coalescing and starts the
// dispatch worker.
func NewBatchingEmbedder(inner Embedder, cfg BatcherConfig, logger *slog.Logger) *BatchingEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &BatchingEmbedder{
		inner:     inner,
		requests:  make(chan *batchRequest, cfg.BatchSize*4),
		batchSize: cfg.BatchSize,
		maxWait:   cfg.MaxWait,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.worker()
	return b
}

// Embed queues the text for the next batch and waits for its vector.
func (b *BatchingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if b.closed.Load() {
		return b.inner.Embed(ctx, text)
	}

	req := &batchRequest{
		ctx:    ctx,
		text:   text,
		result: make(chan batchResult, 1),
	}

	select {
	case b.requests <- req:
	case <-ctx.Done():
		return nil, errors.Cancelled(ctx.Err())
	}

	select {
	case res := <-req.result:
		return res.vec, res.err
	case <-ctx.Done():
		return nil, errors.Cancelled(ctx.Err())
	}
}

// EmbedBatch passes through to the inner embedder; the caller already has a
// batch.
func (b *BatchingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	return b.inner.EmbedBatch(ctx, texts)
}

// Dimension returns the inner embedder's dimension.
func (b *BatchingEmbedder) Dimension() int { return b.inner.Dimension() }

// Model returns the inner embedder's model.
func (b *BatchingEmbedder) Model() string { return b.inner.Model() }

// Batches returns the number of dispatched batches.
func (b *BatchingEmbedder) Batches() int64 { return b.batches.Load() }

// Close stops the worker after flushing pending requests. Subsequent Embed
// calls bypass coalescing.
func (b *BatchingEmbedder) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stop)
		<-b.done
	}
}

func (b *BatchingEmbedder) worker() {
	defer close(b.done)

	var pending []*batchRequest
	var timer *time.Timer
	var timeout <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		b.dispatch(pending)
		pending = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timeout = nil
		}
	}

	for {
		select {
		case req := <-b.requests:
			pending = append(pending, req)
			if len(pending) >= b.batchSize {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(b.maxWait)
				timeout = timer.C
			}
		case <-timeout:
			timer = nil
			timeout = nil
			flush()
		case <-b.stop:
			// Drain anything already queued, then flush once.
			for {
				select {
				case req := <-b.requests:
					pending = append(pending, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

// dispatch embeds a batch and distributes results by index. The batch runs
// detached from any single waiter's context; cancelled waiters have already
// stopped listening on their buffered result channels.
func (b *BatchingEmbedder) dispatch(batch []*batchRequest) {
	b.batches.Add(1)
	b.coalesced.Add(int64(len(batch)))

	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	vectors, err := b.inner.EmbedBatch(context.WithoutCancel(batch[0].ctx), texts)
	if err != nil {
		b.logger.Warn("embedding batch failed", "size", len(batch), "error", err)
		for _, req := range batch {
			req.result <- batchResult{err: err}
		}
		return
	}

	for i, req := range batch {
		if i < len(vectors) {
			req.result <- batchResult{vec: vectors[i]}
		} else {
			req.result <- batchResult{err: errors.EmbeddingFault("batch result missing index", nil)}
		}
	}
}
