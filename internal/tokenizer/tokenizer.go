// Package tokenizer provides token counting and context-window validation
// for LLM requests.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/zakariaf/ragcache/pkg/errors"
)

var encodingCache sync.Map

// contextWindows maps model prefixes to their context window sizes in
// tokens. Longest prefix wins.
var contextWindows = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4-turbo":       128000,
	"gpt-4-32k":         32768,
	"gpt-4":             8192,
	"gpt-3.5-turbo-16k": 16385,
	"gpt-3.5-turbo":     16385,
	"claude-3-5-sonnet": 200000,
	"claude-3-opus":     200000,
	"claude-3-sonnet":   200000,
	"claude-3-haiku":    200000,
}

const defaultWindowSize = 8192

// CountTokens returns the token count for the given text using tiktoken.
// Models tiktoken does not know are counted with cl100k_base; only if that
// encoding cannot be loaded does it fall back to a conservative len/4
// estimate.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateTokens applies the len/4 heuristic directly, for callers that want
// a cheap estimate without touching an encoder.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// WindowSize returns the context window for the model by longest prefix
// match, or a conservative default for unknown models.
func WindowSize(model string) int {
	best := 0
	size := defaultWindowSize
	for prefix, window := range contextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			size = window
		}
	}
	return size
}

// ValidateWindow checks that prompt plus expected completion fits in the
// model's context window.
func ValidateWindow(model, prompt string, maxCompletionTokens int) error {
	window := WindowSize(model)
	inputTokens := CountTokens(model, prompt)
	total := inputTokens + maxCompletionTokens

	if total > window {
		return errors.ContextExceeded(
			"prompt and completion exceed model context window")
	}
	return nil
}

// MaxCompletionTokens returns the completion budget left after the prompt,
// reserving a small safety margin. Never negative.
func MaxCompletionTokens(model, prompt string, reserve int) int {
	window := WindowSize(model)
	input := CountTokens(model, prompt)
	remaining := window - input - reserve
	if remaining < 0 {
		return 0
	}
	return remaining
}

func getEncoding(model string) *tiktoken.Tiktoken {
	if cached, ok := encodingCache.Load(model); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encodingCache.Store(model, (*tiktoken.Tiktoken)(nil))
			return nil
		}
	}
	encodingCache.Store(model, enc)
	return enc
}
