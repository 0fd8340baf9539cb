// Package openai talks to the OpenAI HTTP API: Whisper for recognition and
// chat completions for translation.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var log = logrus.WithField("component", "openai")

type (
	Client struct {
		baseURL string
		apiKey  string
		hc      *http.Client
	}

	// APIError is a non-2xx answer.
	APIError struct {
		Status  int
		Type    string
		Message string
	}

	errorBody struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
)

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai: http %d", e.Status)
	}
	return fmt.Sprintf("openai: http %d: %s", e.Status, e.Message)
}

// Retryable reports rate limits and server-side failures.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NewClient builds a client. An empty baseURL targets the public API. The
// recognition call may run for several minutes, so a nil hc gets a 5 minute
// timeout.
func NewClient(baseURL, apiKey string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, hc: hc}
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	log.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode, "elapsed": time.Since(start).String()}).Debug("openai call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			apiErr.Message = eb.Error.Message
			apiErr.Type = eb.Error.Type
		} else {
			apiErr.Message = truncate(string(raw), 200)
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
