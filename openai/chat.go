package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"voxscribe/translation"
)

type (
	// Chat is a translation.Provider over /chat/completions in JSON mode.
	Chat struct {
		c     *Client
		model string
	}

	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatRequest struct {
		Model          string        `json:"model"`
		Messages       []chatMessage `json:"messages"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens,omitempty"`
	}

	chatResponse struct {
		Choices []struct {
			Message      chatMessage `json:"message"`
			FinishReason string      `json:"finish_reason"`
		} `json:"choices"`
	}
)

var _ translation.Provider = (*Chat)(nil)

func NewChat(c *Client, model string) *Chat {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Chat{c: c, model: model}
}

func (ch *Chat) Name() string { return ch.model }

func (ch *Chat) Translate(ctx context.Context, req translation.Request) ([]byte, error) {
	cr := chatRequest{
		Model: ch.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instructions},
			{Role: "user", Content: req.Content},
		},
		Temperature: 0.3,
		MaxTokens:   req.MaxTokens,
	}
	cr.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}
	var res chatResponse
	if err := ch.c.do(ctx, "/chat/completions", "application/json", bytes.NewReader(payload), &res); err != nil {
		return nil, err
	}
	if len(res.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	choice := res.Choices[0]
	if choice.FinishReason == "length" {
		return nil, fmt.Errorf("chat completion truncated at %d tokens", req.MaxTokens)
	}
	return []byte(choice.Message.Content), nil
}
