// Package custom_http adapts arbitrary single-shot HTTP completion backends
// (internal inference services, lab endpoints) to the provider interface via
// an optional request body template and lenient response-text extraction.
package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"chatgw/internal/providers"
)

type Config struct {
	Name         string
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
}

// Client carries no retry or breaker logic of its own; resilience wraps it
// from outside. Backends behind it do not stream, so GenerateStream delivers
// the full completion as a single chunk.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "custom"
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string {
	return c.cfg.Name
}

func (c *Client) Generate(ctx context.Context, req providers.ChatRequest) (providers.ChatResponseFull, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponseFull{}, err
	}

	text, err := c.callOnce(ctx, body)
	if err != nil {
		return providers.ChatResponseFull{}, err
	}
	return providers.ChatResponseFull{
		ID:           "custom-" + uuid.NewString(),
		Model:        req.Model,
		Created:      time.Now().Unix(),
		Content:      text,
		FinishReason: "stop",
	}, nil
}

func (c *Client) GenerateStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.ChatResponseChunk, error) {
	full, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan providers.ChatResponseChunk, 1)
	out <- providers.ChatResponseChunk{
		ID:           full.ID,
		Model:        full.Model,
		Created:      full.Created,
		Delta:        full.Content,
		FinishReason: full.FinishReason,
	}
	close(out)
	return out, nil
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	system, prompt := splitMessages(req.Messages)

	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		payload := map[string]any{
			"model":         strings.TrimPrefix(req.Model, c.cfg.Name+":"),
			"system_prompt": system,
			"prompt":        prompt,
			"messages":      req.Messages,
		}
		if req.MaxTokens > 0 {
			payload["max_tokens"] = req.MaxTokens
		}
		if req.Temperature > 0 {
			payload["temperature"] = req.Temperature
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	tpl, err := template.New("custom_http_body").Option("missingkey=zero").Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any{
		"Model":        strings.TrimPrefix(req.Model, c.cfg.Name+":"),
		"SystemPrompt": system,
		"UserPrompt":   prompt,
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

// splitMessages flattens a chat transcript for backends that take a single
// prompt: system turns joined as the system prompt, the last user turn as the
// prompt.
func splitMessages(msgs []providers.ChatMessage) (system, prompt string) {
	var systems []string
	for _, m := range msgs {
		switch m.Role {
		case "system":
			systems = append(systems, m.Content)
		case "user":
			prompt = m.Content
		}
	}
	return strings.Join(systems, "\n"), prompt
}

func (c *Client) callOnce(ctx context.Context, body []byte) (string, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", fmt.Errorf("custom http url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build custom request: %w", err)
	}
	if len(c.cfg.Headers) == 0 {
		req.Header.Set("Content-Type", "application/json")
		if strings.TrimSpace(c.cfg.APIKey) != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
	} else {
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read custom response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("custom provider temporary status %d", resp.StatusCode)
	default:
		return "", fmt.Errorf("custom provider status %d: %w", resp.StatusCode, providers.ErrBadRequest)
	}

	return extractText(b)
}

// extractText pulls the completion text out of whatever shape the backend
// returns: a handful of common top-level keys, an OpenAI-style choices array,
// or the raw body as a last resort.
func extractText(body []byte) (string, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("decode custom response: %w", err)
	}

	for _, key := range []string{"text", "response", "answer", "output_text", "content"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	return "", fmt.Errorf("custom response does not contain text field")
}
