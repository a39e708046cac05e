// Package pricing provides the model pricing table and the append-only cost
// tracker.
package pricing

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
)

//go:embed data/defaults.json
var defaultPrices []byte

// ModelPrice is USD per one million tokens for a model prefix.
type ModelPrice struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Registry holds the pricing table. Lookups match the longest model prefix;
// the table can be extended or replaced from a file without an API change.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates a registry seeded with the embedded defaults.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		prices: make(map[string]ModelPrice),
		logger: logger,
	}
	if err := r.loadBytes(defaultPrices); err != nil {
		// Embedded defaults should always parse; fall back to an empty
		// table and unknown-model handling.
		logger.Error("failed to load embedded pricing defaults", "error", err)
	}
	return r
}

// Load merges prices from a JSON file into the table.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	if err := r.loadBytes(data); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}
	return nil
}

func (r *Registry) loadBytes(data []byte) error {
	var prices map[string]ModelPrice
	if err := json.Unmarshal(data, &prices); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range prices {
		r.prices[k] = v
	}
	return nil
}

// Watch reloads the pricing file whenever it changes on disk. Call Close to
// stop watching.
func (r *Registry) Watch(path string) error {
	if err := r.Load(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pricing watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch pricing file: %w", err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Load(path); err != nil {
					r.logger.Warn("pricing reload failed", "path", path, "error", err)
					continue
				}
				r.logger.Info("pricing table reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("pricing watcher error", "error", err)
			case <-r.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the file watcher if one is running.
func (r *Registry) Close() {
	if r.watcher != nil {
		close(r.done)
		r.watcher.Close()
		r.watcher = nil
	}
}

// Price returns the pricing for a model by longest-prefix match.
func (r *Registry) Price(model string) (ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modelLower := strings.ToLower(model)
	var best ModelPrice
	bestLen := -1
	for prefix, p := range r.prices {
		if strings.HasPrefix(modelLower, strings.ToLower(prefix)) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Cost computes the USD cost for a request. Unknown models cost 0.0 and log
// a warning.
func (r *Registry) Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := r.Price(model)
	if !ok {
		r.logger.Warn("no pricing for model", "model", model)
		return 0.0
	}

	inputCost := float64(promptTokens) / 1_000_000 * price.InputPerMillion
	outputCost := float64(completionTokens) / 1_000_000 * price.OutputPerMillion
	return inputCost + outputCost
}
