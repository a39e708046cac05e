package pipeline

import (
	"log/slog"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// Action is what the recovery engine decides to do about a failure.
type Action int

const (
	// ActionFail surfaces the error to the caller immediately.
	ActionFail Action = iota
	// ActionSkip records the error and proceeds with the degraded path.
	ActionSkip
	// ActionFallback lets the dispatcher's fallback chain handle it.
	ActionFallback
	// ActionRetry retries the failed operation.
	ActionRetry
	// ActionAbort stops all work without retrying; the caller is gone.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionFail:
		return "fail"
	case ActionSkip:
		return "skip"
	case ActionFallback:
		return "fallback"
	case ActionRetry:
		return "retry"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// RecoveryEngine maps error kinds to recovery actions. The kind set is
// closed, so the mapping is a single exhaustive switch.
type RecoveryEngine struct {
	logger *slog.Logger
}

// NewRecoveryEngine creates a recovery engine.
func NewRecoveryEngine(logger *slog.Logger) *RecoveryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryEngine{logger: logger}
}

// ActionFor decides how the pipeline reacts to an error:
//
//	CacheFault       skip the cache tier, proceed to dispatch
//	EmbeddingFault   skip the semantic tier, exact-only
//	UpstreamFault    retry within the provider, then fall back
//	CircuitOpen      fall back to the next provider
//	PoolTimeout      rerun the step once without delay; if it fails again, proceed without it
//	ValidationFault  fail immediately
//	ContextExceeded  fail immediately
//	BudgetExceeded   fail immediately
//	Cancelled        abort, no retry
func (e *RecoveryEngine) ActionFor(err error) Action {
	kind := errors.KindOf(err)
	var action Action

	switch kind {
	case errors.KindCacheFault, errors.KindEmbeddingFault:
		action = ActionSkip
	case errors.KindUpstreamFault:
		action = ActionFallback
	case errors.KindCircuitOpen:
		action = ActionFallback
	case errors.KindPoolTimeout:
		action = ActionRetry
	case errors.KindValidationFault, errors.KindContextExceeded, errors.KindBudgetExceeded:
		action = ActionFail
	case errors.KindCancelled:
		action = ActionAbort
	default:
		action = ActionFail
	}

	e.logger.Debug("recovery decision",
		"kind", kind.String(), "action", action.String())
	return action
}
