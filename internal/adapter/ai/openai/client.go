// Package openai implements domain.AIClient against any OpenAI-compatible
// API (chat completions and embeddings).
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/config"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// Client calls the provider over HTTP with retry on transient failures.
type Client struct {
	cfg   config.Config
	httpc *http.Client
}

// New constructs a Client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpc: &http.Client{
			Timeout:   90 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ChatJSON sends a system+user prompt pair and returns the raw completion
// text. The user prompt is trimmed to the configured token budget before
// sending.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if budget := c.cfg.PromptTokenBudget; budget > 0 {
		trimmed := tokencount.Truncate(userPrompt, budget)
		if len(trimmed) < len(userPrompt) {
			slog.Warn("user prompt trimmed to token budget", slog.Int("budget", budget))
			userPrompt = trimmed
		}
	}
	body := chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:      maxTokens,
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	var out chatResponse
	start := time.Now()
	err := c.post(ctx, "/chat/completions", body, &out)
	observability.AIRequestDuration.WithLabelValues("openai", "chat").Observe(time.Since(start).Seconds())
	observability.AIRequestsTotal.WithLabelValues("openai", "chat").Inc()
	if err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("op=openai.ChatJSON: %s: %w", out.Error.Message, domain.ErrInternal)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=openai.ChatJSON: empty choices: %w", domain.ErrInternal)
	}
	return out.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out embedResponse
	start := time.Now()
	err := c.post(ctx, "/embeddings", embedRequest{Model: c.cfg.EmbeddingsModel, Input: texts}, &out)
	observability.AIRequestDuration.WithLabelValues("openai", "embed").Observe(time.Since(start).Seconds())
	observability.AIRequestsTotal.WithLabelValues("openai", "embed").Inc()
	if err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("op=openai.Embed: %s: %w", out.Error.Message, domain.ErrInternal)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("op=openai.Embed: got %d vectors for %d inputs: %w", len(out.Data), len(texts), domain.ErrInternal)
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("op=openai.Embed: index %d out of range: %w", d.Index, domain.ErrInternal)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// post sends one JSON request with exponential-backoff retry on 429 and 5xx.
func (c *Client) post(ctx domain.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("op=openai.post marshal: %w", err)
	}
	url := strings.TrimRight(c.cfg.OpenAIBaseURL, "/") + path

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("op=openai.post: %w", err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return fmt.Errorf("op=openai.post read: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(raw, respBody); err != nil {
				return backoff.Permanent(fmt.Errorf("op=openai.post decode: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("op=openai.post status=429: %w", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 500:
			return fmt.Errorf("op=openai.post status=%d: %w", resp.StatusCode, domain.ErrInternal)
		default:
			return backoff.Permanent(fmt.Errorf("op=openai.post status=%d body=%s: %w", resp.StatusCode, truncateBody(raw), domain.ErrInternal))
		}
	}

	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.Multiplier = multiplier
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func truncateBody(b []byte) string {
	const n = 200
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
