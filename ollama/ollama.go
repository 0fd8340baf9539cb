// Package ollama is a translation provider backed by a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voxscribe/translation"
)

var log = logrus.WithField("component", "ollama")

type (
	Provider struct {
		BaseURL string
		Model   string
		hc      *http.Client
	}

	generateRequest struct {
		Model   string         `json:"model"`
		System  string         `json:"system"`
		Prompt  string         `json:"prompt"`
		Stream  bool           `json:"stream"`
		Format  string         `json:"format"`
		Options map[string]any `json:"options"`
	}

	generateResponse struct {
		Response string `json:"response"`
	}
)

var _ translation.Provider = (*Provider)(nil)

func NewProvider(baseURL, model string) *Provider {
	return &Provider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		hc:      &http.Client{Timeout: 20 * time.Minute},
	}
}

func (p *Provider) Name() string { return "ollama:" + p.Model }

func (p *Provider) Translate(ctx context.Context, req translation.Request) ([]byte, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  p.Model,
		System: req.Instructions,
		Prompt: req.Content,
		Stream: false,
		Format: "json",
		Options: map[string]any{
			"temperature":    0.3,
			"num_ctx":        8192,
			"num_predict":    req.MaxTokens,
			"repeat_penalty": 1.1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding generate request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := p.hc.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama error: status %d (check if model '%s' is pulled)", resp.StatusCode, p.Model)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}
	out := strings.TrimSpace(gr.Response)
	if out == "" {
		return nil, fmt.Errorf("ollama returned empty translation")
	}
	return []byte(out), nil
}

// EnsureModel checks /api/tags for the model and pulls it when missing.
func (p *Provider) EnsureModel(ctx context.Context) error {
	l := log.WithFields(logrus.Fields{"model": p.Model, "host": p.BaseURL})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to ollama: %w", err)
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decoding ollama tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == p.Model || m.Name == p.Model+":latest" {
			l.Debug("model present")
			return nil
		}
	}

	l.Info("model not found, pulling")
	body, _ := json.Marshal(map[string]any{"name": p.Model, "stream": false})
	preq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	pc := *p.hc
	pc.Timeout = 0
	presp, err := pc.Do(preq)
	if err != nil {
		return fmt.Errorf("failed to trigger pull: %w", err)
	}
	defer presp.Body.Close()
	if presp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama pull: status %d", presp.StatusCode)
	}
	return nil
}
