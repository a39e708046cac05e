package anthropic

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/zakariaf/ragcache/internal/provider"
	llmerrors "github.com/zakariaf/ragcache/pkg/errors"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(Config{APIKey: "sk-ant-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("missing api key should fail")
	}
}

func TestComplete_Success(t *testing.T) {
	var gotReq messagesRequest
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != DefaultAPIVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-3-haiku-20240307",
			"content": []map[string]any{
				{"type": "text", "text": "Paris"},
			},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 3},
		})
	})

	resp, err := p.Complete(context.Background(), provider.Request{Prompt: "capital of France?"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Paris" || resp.PromptTokens != 10 || resp.CompletionTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}

	if gotReq.Model != DefaultModel {
		t.Errorf("model = %q, want default", gotReq.Model)
	}
	// The Messages API requires max_tokens even when the caller sets none.
	if gotReq.MaxTokens != DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", gotReq.MaxTokens, DefaultMaxTokens)
	}
}

func TestComplete_ConcatenatesTextBlocks(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": DefaultModel,
			"content": []map[string]any{
				{"type": "text", "text": "Par"},
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": "is"},
			},
			"usage": map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	})

	resp, err := p.Complete(context.Background(), provider.Request{Prompt: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Paris" {
		t.Errorf("Content = %q, want Paris", resp.Content)
	}
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		message  string
		wantType string
	}{
		{"rate_limit", http.StatusTooManyRequests, "rate limited", llmerrors.TypeRateLimit},
		{"auth", http.StatusUnauthorized, "invalid x-api-key", llmerrors.TypeAuthentication},
		{"overloaded", 529, "overloaded", llmerrors.TypeServiceUnavailable},
		{"context_length", http.StatusBadRequest, "prompt is too long: 250000 tokens", llmerrors.TypeContextLength},
		{"invalid", http.StatusBadRequest, "max_tokens required", llmerrors.TypeInvalidRequest},
		{"server", http.StatusInternalServerError, "internal", llmerrors.TypeTransientUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"type": tt.name, "message": tt.message},
				})
			})

			_, err := p.Complete(context.Background(), provider.Request{Prompt: "q"})
			var llmErr *llmerrors.LLMError
			if !stderrors.As(err, &llmErr) {
				t.Fatalf("error %T is not *LLMError", err)
			}
			if llmErr.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", llmErr.Type, tt.wantType)
			}
		})
	}
}
