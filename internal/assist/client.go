// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package assist talks to the agent-assist collaborator service that turns
// transcript text into intents and knowledge-base suggestions. The pipeline
// works without it; an empty ASSIST_HOST wires the noop client.
package assist

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/agent-assist/pkg/commons"
)

// Article is one knowledge-base hit attached to a suggestion.
type Article struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Suggestion is the collaborator's verdict for one piece of transcript text.
type Suggestion struct {
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Articles   []Article `json:"articles"`
}

// Client resolves transcript text into suggestions.
type Client interface {
	Suggest(ctx context.Context, tenantID, interactionID, text string) (*Suggestion, error)
}

type suggestRequest struct {
	InteractionID string `json:"interaction_id"`
	Text          string `json:"text"`
}

type httpClient struct {
	rest   *resty.Client
	logger commons.Logger
}

// NewHTTPClient builds a resty-backed client against the collaborator host.
func NewHTTPClient(host string, logger commons.Logger) Client {
	rest := resty.New().
		SetBaseURL(host).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond)
	return &httpClient{rest: rest, logger: logger}
}

func (c *httpClient) Suggest(ctx context.Context, tenantID, interactionID, text string) (*Suggestion, error) {
	var out Suggestion
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("x-tenant-id", tenantID).
		SetBody(&suggestRequest{InteractionID: interactionID, Text: text}).
		SetResult(&out).
		Post("/api/v1/assist/suggest")
	if err != nil {
		return nil, fmt.Errorf("assist suggest: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("assist suggest: status %d", resp.StatusCode())
	}
	return &out, nil
}

type noopClient struct{}

// NewNoopClient returns a client that suggests nothing. Used when no
// collaborator host is configured.
func NewNoopClient() Client { return noopClient{} }

func (noopClient) Suggest(context.Context, string, string, string) (*Suggestion, error) {
	return &Suggestion{}, nil
}
