package provider

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zakariaf/ragcache/internal/pricing"
	"github.com/zakariaf/ragcache/internal/resilience"
	"github.com/zakariaf/ragcache/internal/tokenizer"
	"github.com/zakariaf/ragcache/pkg/errors"
)

// DispatchResult is a successful dispatch: the response, the provider that
// served it, and the recorded cost.
type DispatchResult struct {
	Response *Response
	Provider string
	CostUSD  float64
	Attempts int
}

// Dispatcher selects a provider and executes the call with rate limiting,
// per-attempt circuit breaking, retries, cost accounting, and typed
// fallback across the remaining providers.
type Dispatcher struct {
	registry    *Registry
	strategy    SelectionStrategy
	resilience  *resilience.Manager
	retrier     *resilience.Retrier
	tracker     *pricing.Tracker
	logger      *slog.Logger
	tracer      trace.Tracer
	maxFallback int
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Registry    *Registry
	Strategy    SelectionStrategy
	Resilience  *resilience.Manager
	Retrier     *resilience.Retrier
	Tracker     *pricing.Tracker
	Logger      *slog.Logger
	MaxFallback int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil || cfg.Registry.Len() == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if cfg.Resilience == nil {
		return nil, fmt.Errorf("resilience manager is required")
	}
	if cfg.Retrier == nil {
		return nil, fmt.Errorf("retrier is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("cost tracker is required")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = PreferredStrategy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxFallback <= 0 {
		cfg.MaxFallback = 3
	}

	return &Dispatcher{
		registry:    cfg.Registry,
		strategy:    cfg.Strategy,
		resilience:  cfg.Resilience,
		retrier:     cfg.Retrier,
		tracker:     cfg.Tracker,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("ragcache/dispatcher"),
		maxFallback: cfg.MaxFallback,
	}, nil
}

// Dispatch executes the request. The selected provider is tried first with
// rate limiting, retries, and circuit breaking; on a recoverable failure the
// remaining providers are tried in declared order, bounded by
// max_fallback_attempts total attempts. If every provider fails, the error
// carries the last underlying cause.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, preferred string) (*DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.String("preferred_provider", preferred)))
	defer span.End()

	available := func(name string) bool {
		return d.resilience.Breaker(name).State() != resilience.StateOpen
	}

	first := d.strategy.Select(d.registry.Ordered(), available, preferred)
	if first == nil {
		return nil, errors.New(errors.KindCircuitOpen, "no available provider")
	}

	chain := d.fallbackChain(first)
	attempts := 0
	var lastErr error

	for _, prov := range chain {
		if attempts >= d.maxFallback {
			break
		}
		attempts++

		resp, err := d.callProvider(ctx, prov, req)
		if err == nil {
			cost := d.tracker.TrackRequest(
				prov.Name(), resp.Model, resp.PromptTokens, resp.CompletionTokens)
			span.SetAttributes(
				attribute.String("provider", prov.Name()),
				attribute.Int("attempts", attempts))
			return &DispatchResult{
				Response: resp,
				Provider: prov.Name(),
				CostUSD:  cost,
				Attempts: attempts,
			}, nil
		}
		lastErr = err

		switch errors.KindOf(err) {
		case errors.KindCancelled, errors.KindContextExceeded:
			// Not recoverable by another provider.
			return nil, err
		}

		d.logger.Warn("provider failed, consulting fallback chain",
			"provider", prov.Name(), "attempt", attempts, "error", err)
	}

	return nil, errors.Wrap(errors.KindUpstreamFault,
		fmt.Sprintf("dispatch failed after %d attempts", attempts), lastErr)
}

// callProvider runs one provider through its rate limiter and retry handler,
// with the circuit breaker consulted per attempt.
func (d *Dispatcher) callProvider(ctx context.Context, prov Provider, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = prov.DefaultModel()
	}
	if err := tokenizer.ValidateWindow(model, req.Prompt, req.MaxTokens); err != nil {
		return nil, err
	}

	if err := d.resilience.Limiter(prov.Name()).Acquire(ctx); err != nil {
		return nil, err
	}

	breaker := d.resilience.Breaker(prov.Name())
	var resp *Response

	err := d.retrier.Do(ctx, func(ctx context.Context) error {
		if !breaker.Allow() {
			return errors.CircuitOpen(prov.Name())
		}

		r, err := prov.Complete(ctx, req)
		if err != nil {
			// Cancellation is the caller's doing, not provider health.
			if errors.KindOf(err) != errors.KindCancelled {
				breaker.RecordFailure()
			}
			return err
		}
		breaker.RecordSuccess()
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// fallbackChain orders providers starting at first, then the rest in
// declared order.
func (d *Dispatcher) fallbackChain(first Provider) []Provider {
	ordered := d.registry.Ordered()
	chain := make([]Provider, 0, len(ordered))
	chain = append(chain, first)
	for _, p := range ordered {
		if p.Name() != first.Name() {
			chain = append(chain, p)
		}
	}
	return chain
}
