package pricing

import (
	"sync"
	"time"
)

// CostEntry is a single tracked request. Entries are append-only and never
// mutated.
type CostEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
}

// CostSummary aggregates tracked entries.
type CostSummary struct {
	TotalCost     float64            `json:"total_cost"`
	TotalRequests int                `json:"total_requests"`
	TotalTokens   int                `json:"total_tokens"`
	ProviderCosts map[string]float64 `json:"provider_costs"`
	ModelCosts    map[string]float64 `json:"model_costs"`
}

// Tracker records request costs in real time. Entries are appended in the
// order their requests complete.
type Tracker struct {
	mu       sync.Mutex
	registry *Registry
	entries  []CostEntry
}

// NewTracker creates a cost tracker backed by the pricing registry.
func NewTracker(registry *Registry) *Tracker {
	return &Tracker{registry: registry}
}

// TrackRequest computes and records the cost for a completed request,
// returning the computed cost.
func (t *Tracker) TrackRequest(provider, model string, promptTokens, completionTokens int) float64 {
	cost := t.registry.Cost(model, promptTokens, completionTokens)

	t.mu.Lock()
	t.entries = append(t.entries, CostEntry{
		Timestamp:        time.Now(),
		Provider:         provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
	})
	t.mu.Unlock()

	return cost
}

// Summary aggregates all tracked entries.
func (t *Tracker) Summary() CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := CostSummary{
		ProviderCosts: make(map[string]float64),
		ModelCosts:    make(map[string]float64),
	}
	for _, e := range t.entries {
		summary.TotalCost += e.Cost
		summary.TotalRequests++
		summary.TotalTokens += e.PromptTokens + e.CompletionTokens
		summary.ProviderCosts[e.Provider] += e.Cost
		summary.ModelCosts[e.Model] += e.Cost
	}
	return summary
}

// Entries returns a copy of the tracked entries.
func (t *Tracker) Entries() []CostEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]CostEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
