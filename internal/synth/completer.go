package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPCompleter is the concrete Completer binding against the operator's
// text-completion service (ORC_COMPLETION_API_KEY / ORC_COMPLETION_BASE_URL),
// shaped like internal/scraper's HTTP client since both wrap a single
// authenticated POST-and-decode external RPC.
type HTTPCompleter struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPCompleter(baseURL, apiKey string) *HTTPCompleter {
	return &HTTPCompleter{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 120 * time.Second}}
}

type completionRequest struct {
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Completion string `json:"completion"`
}

func (c *HTTPCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/complete", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("synth: complete request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("synth: completion service returned status %d", resp.StatusCode)
	}
	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("synth: decode completion response: %w", err)
	}
	return out.Completion, nil
}
