// Package pipeline implements the query pipeline: a composable sequence of
// steps (normalize, validate, cache lookup, dispatch-and-store) with typed
// error recovery, parallel two-tier lookup, and end-to-end latency tracking.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/zakariaf/ragcache/internal/cache"
	"github.com/zakariaf/ragcache/internal/metrics"
	"github.com/zakariaf/ragcache/internal/provider"
	"github.com/zakariaf/ragcache/internal/reqctx"
	"github.com/zakariaf/ragcache/pkg/errors"
)

// Request is the pipeline's caller-facing request shape.
type Request struct {
	Query       string  `json:"query"`
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	UseExact    bool    `json:"use_exact"`
	UseSemantic bool    `json:"use_semantic"`
}

// Response is the caller-facing response shape.
type Response struct {
	Content          string     `json:"content"`
	FromCache        bool       `json:"from_cache"`
	CacheKind        cache.Kind `json:"cache_kind"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	CostUSD          float64    `json:"cost_usd"`
	LatencyMS        int64      `json:"latency_ms"`
}

// ErrorBody is the structured terminal-failure shape.
type ErrorBody struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	RetriableHint bool   `json:"retriable_hint"`
}

// ErrorBodyFor builds the structured body for a terminal error.
func ErrorBodyFor(err error) ErrorBody {
	return ErrorBody{
		Kind:          errors.KindOf(err).String(),
		Message:       err.Error(),
		RetriableHint: errors.RetriableHint(err),
	}
}

// State is the mutable intermediate result threaded through the steps.
type State struct {
	Request    Request
	Normalized string
	Response   *Response

	// Errors records step failures; HandlerErrors records error-handler
	// failures, kept separate so a broken handler never masks the stage
	// failure it was handling.
	Errors        []string
	HandlerErrors []string
}

// StepFunc transforms the state, possibly adding errors.
type StepFunc func(rc *reqctx.Context, st *State) error

// Step is one pipeline stage. Steps are fatal on error by default; a step
// may opt out per-stage, or the pipeline may be configured to continue on
// any error.
type Step struct {
	Name            string
	Run             StepFunc
	ContinueOnError bool
}

// ErrorHandler observes step failures.
type ErrorHandler func(err error, st *State) error

// Config holds pipeline settings.
type Config struct {
	ParallelTimeout time.Duration
	ContinueOnError bool
	LatencyWindow   int
}

// Pipeline executes the step sequence for each query.
type Pipeline struct {
	cache      *cache.Cache
	dispatcher *provider.Dispatcher
	validator  *Validator
	recovery   *RecoveryEngine
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	cfg        Config

	steps    []Step
	handlers []ErrorHandler
	latency  *latencyWindow
	flights  singleflight.Group
}

// New creates a pipeline with the default step sequence:
// normalize, validate, cache-lookup, dispatch-and-store.
func New(c *cache.Cache, d *provider.Dispatcher, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ParallelTimeout <= 0 {
		cfg.ParallelTimeout = 2 * time.Second
	}

	p := &Pipeline{
		cache:      c,
		dispatcher: d,
		validator:  DefaultValidator(),
		recovery:   NewRecoveryEngine(logger),
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("ragcache/pipeline"),
		cfg:        cfg,
		latency:    newLatencyWindow(cfg.LatencyWindow),
	}

	p.steps = []Step{
		{Name: "normalize", Run: p.normalizeStep},
		{Name: "validate", Run: p.validateStep},
		{Name: "cache_lookup", Run: p.lookupStep, ContinueOnError: true},
		{Name: "dispatch_store", Run: p.dispatchStep},
	}
	return p, nil
}

// InsertStep adds a custom step before the cache lookup.
func (p *Pipeline) InsertStep(step Step) {
	idx := len(p.steps) - 2 // before cache_lookup
	if idx < 0 {
		idx = 0
	}
	p.steps = append(p.steps[:idx], append([]Step{step}, p.steps[idx:]...)...)
}

// AddErrorHandler registers a handler invoked on every step failure.
func (p *Pipeline) AddErrorHandler(h ErrorHandler) {
	p.handlers = append(p.handlers, h)
}

// LatencyStats returns the rolling latency window summary.
func (p *Pipeline) LatencyStats() LatencyStats {
	return p.latency.Stats()
}

// Process runs a request through the pipeline.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	rc := reqctx.New(ctx)
	logger := p.logger.With("request_id", rc.RequestID)

	ctxSpan, span := p.tracer.Start(rc, "pipeline.process")
	defer span.End()
	rc.Context = ctxSpan

	st := &State{Request: req}
	var terminal error

	for _, step := range p.steps {
		if rc.Expired() {
			terminal = errors.Cancelled(rc.Err())
			break
		}

		err := p.runStep(rc, step, st)
		if err == nil {
			continue
		}

		st.Errors = append(st.Errors, fmt.Sprintf("%s: %v", step.Name, err))
		p.runErrorHandlers(err, st, logger)

		switch p.recovery.ActionFor(err) {
		case ActionSkip:
			continue
		case ActionRetry:
			// One bounded retry, then proceed degraded.
			if rerr := step.Run(rc, st); rerr != nil {
				st.Errors = append(st.Errors, fmt.Sprintf("%s (retry): %v", step.Name, rerr))
			}
			continue
		case ActionAbort:
			terminal = err
		default: // ActionFail, ActionFallback exhausted
			if step.ContinueOnError || p.cfg.ContinueOnError {
				logger.Warn("continuing pipeline after step failure",
					"step", step.Name, "error", err)
				continue
			}
			terminal = err
		}
		if terminal != nil {
			break
		}
	}

	if terminal == nil && st.Response == nil {
		terminal = errors.UpstreamFault("pipeline produced no response", nil)
	}

	elapsed := time.Since(start)
	p.latency.Record(elapsed)
	p.metrics.ObserveLatency(elapsed.Seconds())

	if terminal != nil {
		span.SetAttributes(attribute.String("error_kind", errors.KindOf(terminal).String()))
		logger.Error("pipeline failed",
			"kind", errors.KindOf(terminal).String(),
			"elapsed_ms", elapsed.Milliseconds(),
			"step_errors", st.Errors,
			"error", terminal)
		return nil, terminal
	}

	st.Response.LatencyMS = elapsed.Milliseconds()
	span.SetAttributes(
		attribute.Bool("from_cache", st.Response.FromCache),
		attribute.String("cache_kind", string(st.Response.CacheKind)))
	return st.Response, nil
}

func (p *Pipeline) runStep(rc *reqctx.Context, step Step, st *State) (err error) {
	_, span := p.tracer.Start(rc, "pipeline."+step.Name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Run(rc, st)
}

// runErrorHandlers invokes registered handlers. Handler failures are logged
// under a distinct key and recorded separately from stage failures.
func (p *Pipeline) runErrorHandlers(stepErr error, st *State, logger *slog.Logger) {
	for _, h := range p.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprintf("handler panic: %v", r)
					st.HandlerErrors = append(st.HandlerErrors, msg)
					logger.Error("error handler failed", "handler_error", msg)
				}
			}()
			if herr := h(stepErr, st); herr != nil {
				st.HandlerErrors = append(st.HandlerErrors, herr.Error())
				logger.Error("error handler failed", "handler_error", herr)
			}
		}()
	}
}

func (p *Pipeline) normalizeStep(_ *reqctx.Context, st *State) error {
	st.Normalized = cache.Normalize(st.Request.Query)
	return nil
}

func (p *Pipeline) validateStep(_ *reqctx.Context, st *State) error {
	return p.validator.Validate(st.Request)
}

func (p *Pipeline) lookupStep(rc *reqctx.Context, st *State) error {
	req := st.Request
	if !req.UseExact && !req.UseSemantic {
		p.metrics.ObserveLookup(string(cache.KindNone))
		return nil
	}

	var res *cache.LookupResult
	if req.UseExact && req.UseSemantic {
		res = p.parallelLookup(rc, req.Query)
	} else {
		res, _ = p.cache.Lookup(rc, req.Query, req.UseExact, req.UseSemantic)
	}

	if res.Hit() {
		entry := res.Entry
		st.Response = &Response{
			Content:          entry.Response,
			FromCache:        true,
			CacheKind:        res.Kind,
			Provider:         entry.Provider,
			Model:            entry.Model,
			PromptTokens:     entry.PromptTokens,
			CompletionTokens: entry.CompletionTokens,
			TotalTokens:      entry.PromptTokens + entry.CompletionTokens,
		}
		p.metrics.ObserveLookup(string(res.Kind))
		return nil
	}

	p.metrics.ObserveLookup(string(cache.KindNone))
	return nil
}

// parallelLookup launches exact and semantic lookups concurrently, bounded
// by the parallel timeout. An exact hit has confidence 1.0 and cancels the
// semantic task immediately; on an exact miss the semantic result is awaited
// until the timeout.
func (p *Pipeline) parallelLookup(rc *reqctx.Context, query string) *cache.LookupResult {
	ctx, cancel := context.WithTimeout(rc, p.cfg.ParallelTimeout)
	defer cancel()
	semCtx, cancelSem := context.WithCancel(ctx)
	defer cancelSem()

	exactCh := make(chan *cache.LookupResult, 1)
	semCh := make(chan *cache.LookupResult, 1)

	go func() { exactCh <- p.cache.LookupExact(ctx, query) }()
	go func() { semCh <- p.cache.LookupSemantic(semCtx, query) }()

	miss := func() *cache.LookupResult {
		p.cache.RecordMiss(query)
		return &cache.LookupResult{Kind: cache.KindNone}
	}

	select {
	case exact := <-exactCh:
		if exact.Hit() {
			cancelSem()
			return exact
		}
		select {
		case sem := <-semCh:
			if sem.Hit() {
				return sem
			}
			return miss()
		case <-ctx.Done():
			return miss()
		}
	case <-ctx.Done():
		return miss()
	}
}

// dispatchStep sends a cache miss upstream and writes the fresh completion
// back. Concurrent misses for the same fingerprint are single-flighted: the
// first requester generates the upstream call, the rest share its result.
func (p *Pipeline) dispatchStep(rc *reqctx.Context, st *State) error {
	if st.Response != nil {
		return nil
	}
	req := st.Request
	fp := cache.Fingerprint(st.Normalized)

	v, err, shared := p.flights.Do(fp, func() (any, error) {
		result, err := p.dispatcher.Dispatch(rc, provider.Request{
			Prompt:      st.Normalized,
			Model:       req.Model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}, req.Provider)
		if err != nil {
			return nil, err
		}

		p.cache.Store(rc, cache.StoreRequest{
			Query:            req.Query,
			Response:         result.Response.Content,
			Provider:         result.Provider,
			Model:            result.Response.Model,
			PromptTokens:     result.Response.PromptTokens,
			CompletionTokens: result.Response.CompletionTokens,
		})
		return result, nil
	})
	if err != nil {
		p.metrics.ObserveDispatch(req.Provider, "error")
		return err
	}

	result, _ := v.(*provider.DispatchResult)
	if shared {
		p.logger.Debug("dispatch coalesced", "fingerprint", fp)
	}
	p.metrics.ObserveDispatch(result.Provider, "success")
	p.metrics.AddCost(result.CostUSD)

	st.Response = &Response{
		Content:          result.Response.Content,
		FromCache:        false,
		CacheKind:        cache.KindNone,
		Provider:         result.Provider,
		Model:            result.Response.Model,
		PromptTokens:     result.Response.PromptTokens,
		CompletionTokens: result.Response.CompletionTokens,
		TotalTokens:      result.Response.PromptTokens + result.Response.CompletionTokens,
		CostUSD:          result.CostUSD,
	}
	return nil
}
