package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTrigger asks a (possibly remote) worker to run a processing pass by
// calling its process endpoint
type HTTPTrigger struct {
	url            string
	secret         string
	batchSize      int
	maxConcurrency int
	httpClient     *http.Client
}

func NewHTTPTrigger(url, secret string, batchSize, maxConcurrency int) *HTTPTrigger {
	return &HTTPTrigger{
		url:            url,
		secret:         secret,
		batchSize:      batchSize,
		maxConcurrency: maxConcurrency,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// TriggerProcessing posts the batch parameters and waits for the pass to finish
func (t *HTTPTrigger) TriggerProcessing(ctx context.Context) error {
	payload, err := json.Marshal(map[string]int{
		"batchSize":     t.batchSize,
		"maxConcurrent": t.maxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.secret != "" {
		req.Header.Set("Authorization", "Bearer "+t.secret)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("process trigger failed (status %d): %s", resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
