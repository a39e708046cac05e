// Package openai implements the OpenAI chat completions provider adapter.
package openai

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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when a request names no model.
	DefaultModel = "gpt-3.5-turbo"
)

// Provider implements the OpenAI chat completions adapter.
type Provider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

// Config holds OpenAI provider configuration.
type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// New creates an OpenAI provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api_key is required")
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
		defaultModel: model,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// DefaultModel returns the default model.
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Complete executes a chat completion request.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, llmerrors.NewInternalError(p.name, model, fmt.Sprintf("marshal request: %v", err))
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, llmerrors.NewInternalError(p.name, model, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, llmerrors.NewInternalError(p.name, model, fmt.Sprintf("decode response: %v", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, llmerrors.NewInternalError(p.name, model, "response contains no choices")
	}

	return &provider.Response{
		Content:          parsed.Choices[0].Message.Content,
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// mapError converts an OpenAI error response into a standardized error.
func (p *Provider) mapError(statusCode int, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
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
	case http.StatusRequestTimeout:
		return llmerrors.NewTimeoutError(p.name, model, message)
	case http.StatusBadRequest:
		if errResp.Error.Code == "context_length_exceeded" {
			return &llmerrors.LLMError{
				StatusCode: statusCode,
				Message:    message,
				Type:       llmerrors.TypeContextLength,
				Provider:   p.name,
				Model:      model,
			}
		}
		return llmerrors.NewInvalidRequestError(p.name, model, message)
	case http.StatusServiceUnavailable:
		return llmerrors.NewServiceUnavailableError(p.name, model, message)
	default:
		if statusCode >= 500 {
			return llmerrors.NewTransientUpstreamError(p.name, model, statusCode, message)
		}
		return llmerrors.NewInternalError(p.name, model, message)
	}
}

// OpenAI API types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
