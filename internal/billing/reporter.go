package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgw/internal/providers"
)

// Event is the usage record posted to the billing collector after a response
// has fully completed.
type Event struct {
	RequestID    string           `json:"request_id"`
	APIKeyHash   string           `json:"api_key_hash"`
	Model        string           `json:"model"`
	Stream       bool             `json:"stream"`
	Usage        *providers.Usage `json:"usage,omitempty"`
	TokensApprox int              `json:"tokens_count_approx,omitempty"`
	ElapsedMS    int64            `json:"elapsed_ms"`
}

// Reporter posts usage events fire-and-forget: a detached goroutine with a
// short timeout, failures logged and dropped. It never blocks response
// delivery. A nil or unconfigured reporter is a no-op.
type Reporter struct {
	url    string
	auth   string
	client *http.Client
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewReporter(url, auth string, logger zerolog.Logger) *Reporter {
	return &Reporter{
		url:    strings.TrimSpace(url),
		auth:   auth,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (r *Reporter) Report(event Event) {
	if r == nil || r.url == "" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.send(event); err != nil {
			r.logger.Warn().Err(err).Str("request_id", event.RequestID).Msg("usage callback failed")
		}
	}()
}

// Flush waits for in-flight reports; used on shutdown and in tests.
func (r *Reporter) Flush() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *Reporter) send(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.auth != "" {
		req.Header.Set("Authorization", r.auth)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post usage event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("usage collector status %d", resp.StatusCode)
	}
	return nil
}
