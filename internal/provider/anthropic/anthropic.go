// Package anthropic implements the Anthropic Messages API provider adapter.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/zakariaf/ragcache/internal/provider"
	llmerrors "github.com/zakariaf/ragcache/pkg/errors"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultModel is used when a request names no model.
	DefaultModel = "claude-3-haiku-20240307"

	// DefaultMaxTokens applies when a request sets none; the Messages API
	// requires max_tokens.
	DefaultMaxTokens = 4096
)

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	name         string
	apiKey       string
	baseURL      string
	apiVersion   string
	defaultModel string
	client       *http.Client
}

// Config holds Anthropic provider configuration.
type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// New creates an Anthropic provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api_key is required")
	}
	name := cfg.Name
	if name == "" {
		name = ProviderName
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Provider{
		name:         name,
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiVersion:   DefaultAPIVersion,
		defaultModel: model,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// DefaultModel returns the default model.
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Complete executes a messages request.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, llmerrors.NewInternalError(p.name, model, fmt.Sprintf("marshal request: %v", err))
	}

	url := fmt.Sprintf("%s/v1/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, llmerrors.NewInternalError(p.name, model, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llmerrors.Cancelled(ctx.Err())
		}
		return nil, llmerrors.NewConnectionError(p.name, model, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llmerrors.NewConnectionError(p.name, model, fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapError(resp.StatusCode, model, respBody)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, llmerrors.NewInternalError(p.name, model, fmt.Sprintf("decode response: %v", err))
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &provider.Response{
		Content:          content.String(),
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}, nil
}

// mapError converts an Anthropic error response into a standardized error.
func (p *Provider) mapError(statusCode int, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.NewAuthenticationError(p.name, model, message)
	case http.StatusTooManyRequests:
		return llmerrors.NewRateLimitError(p.name, model, message)
	case http.StatusNotFound:
		return llmerrors.NewNotFoundError(p.name, model, message)
	case http.StatusBadRequest:
		if strings.Contains(message, "prompt is too long") {
			return &llmerrors.LLMError{
				StatusCode: statusCode,
				Message:    message,
				Type:       llmerrors.TypeContextLength,
				Provider:   p.name,
				Model:      model,
			}
		}
		return llmerrors.NewInvalidRequestError(p.name, model, message)
	case http.StatusServiceUnavailable, 529: // overloaded_error
		return llmerrors.NewServiceUnavailableError(p.name, model, message)
	default:
		if statusCode >= 500 {
			return llmerrors.NewTransientUpstreamError(p.name, model, statusCode, message)
		}
		return llmerrors.NewInternalError(p.name, model, message)
	}
}

// Anthropic API types.

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
