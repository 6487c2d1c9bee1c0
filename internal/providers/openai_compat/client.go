package openai_compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatgw/internal/providers"
)

type Config struct {
	Name       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible chat-completions endpoint. It carries
// no retry or breaker logic of its own; resilience wraps it from outside.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "openai"
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
	body, endpointURL, err := c.buildPayload(req, false)
	if err != nil {
		return providers.ChatResponseFull{}, err
	}

	created := time.Now().Unix()
	respBody, err := c.post(ctx, endpointURL, body)
	if err != nil {
		return providers.ChatResponseFull{}, err
	}

	full, err := parseChatCompletion(respBody)
	if err != nil {
		return providers.ChatResponseFull{}, err
	}
	if full.Created == 0 {
		full.Created = created
	}
	return full, nil
}

func (c *Client) GenerateStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.ChatResponseChunk, error) {
	body, endpointURL, err := c.buildPayload(req, true)
	if err != nil {
		return nil, err
	}

	created := time.Now().Unix()
	out := make(chan providers.ChatResponseChunk)
	rc, err := c.postStream(ctx, endpointURL, body)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			chunk, err := parseStreamChunk([]byte(data))
			if err != nil {
				c.emit(ctx, out, providers.ChatResponseChunk{Err: err})
				return
			}
			if chunk.Created == 0 {
				chunk.Created = created
			}
			if !c.emit(ctx, out, chunk) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.emit(ctx, out, providers.ChatResponseChunk{Err: fmt.Errorf("read stream: %w", err)})
		}
	}()

	return out, nil
}

func (c *Client) emit(ctx context.Context, out chan<- providers.ChatResponseChunk, chunk providers.ChatResponseChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) buildPayload(req providers.ChatRequest, stream bool) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	payload := map[string]any{
		"model":    strings.TrimPrefix(req.Model, c.cfg.Name+":"),
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if stream {
		payload["stream"] = true
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) newRequest(ctx context.Context, endpointURL string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, endpointURL string, body []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, endpointURL, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *Client) postStream(ctx context.Context, endpointURL string, body []byte) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, endpointURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("provider temporary status %d", status)
	default:
		return fmt.Errorf("provider status %d: %w", status, providers.ErrBadRequest)
	}
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}

func parseChatCompletion(body []byte) (providers.ChatResponseFull, error) {
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Created int64  `json:"created"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *providers.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponseFull{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponseFull{}, fmt.Errorf("empty choices in chat completion response")
	}
	return providers.ChatResponseFull{
		ID:           resp.ID,
		Model:        resp.Model,
		Created:      resp.Created,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
	}, nil
}

func parseStreamChunk(data []byte) (providers.ChatResponseChunk, error) {
	var chunk struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Created int64  `json:"created"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *providers.Usage `json:"usage"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return providers.ChatResponseChunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}

	out := providers.ChatResponseChunk{
		ID:      chunk.ID,
		Model:   chunk.Model,
		Created: chunk.Created,
		Usage:   chunk.Usage,
	}
	if len(chunk.Choices) > 0 {
		out.Delta = chunk.Choices[0].Delta.Content
		out.FinishReason = chunk.Choices[0].FinishReason
	}
	return out, nil
}
