package provider

import (
	"sync"
)

// SelectionStrategy picks the provider a dispatch starts with. "Available"
// means the provider's circuit is not open.
type SelectionStrategy interface {
	Select(providers []Provider, available func(name string) bool, preferred string) Provider
}

// PreferredStrategy picks the requested provider when available, otherwise
// the first available provider in declared order.
type PreferredStrategy struct{}

// Select implements SelectionStrategy.
func (PreferredStrategy) Select(providers []Provider, available func(name string) bool, preferred string) Provider {
	if preferred != "" {
		for _, p := range providers {
			if p.Name() == preferred && available(p.Name()) {
				return p
			}
		}
	}
	for _, p := range providers {
		if available(p.Name()) {
			return p
		}
	}
	return nil
}

// RoundRobinStrategy cycles through available providers, advancing its
// index by one per call.
type RoundRobinStrategy struct {
	mu    sync.Mutex
	index int
}

// Select implements SelectionStrategy. The preferred provider is ignored;
// round-robin distributes load regardless of preference.
func (s *RoundRobinStrategy) Select(providers []Provider, available func(name string) bool, _ string) Provider {
	var candidates []Provider
	for _, p := range providers {
		if available(p.Name()) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := candidates[s.index%len(candidates)]
	s.index++
	return p
}
