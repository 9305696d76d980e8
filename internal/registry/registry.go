// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package registry

import (
	"context"
	"errors"
	"time"
)

// Call status constants.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Call is the registry record for one live interaction. Registry records
// are authoritative for "is this call live"; everything else (audio,
// transcripts) flows over the bus.
type Call struct {
	InteractionID  string `json:"interaction_id"`
	TenantID       string `json:"tenant_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	StartTimeMs    int64  `json:"start_time_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	Status         string `json:"status"`
	SampleRateHz   int    `json:"sample_rate_hz"`
	Encoding       string `json:"encoding"`
}

// IsActive reports whether the call is still live.
func (c *Call) IsActive() bool {
	return c.Status == StatusActive
}

// ErrCallNotFound is returned by Get for unknown or expired calls.
var ErrCallNotFound = errors.New("registry: call not found")

// KeyPrefix is the key namespace for call metadata records.
const KeyPrefix = "call:metadata:"

// Registry is the TTL-backed directory of active calls. The ingest gateway
// writes it; the fan-out reads it to discover which calls deserve a
// transcript subscription. It is advisory: ingest keeps accepting audio
// when the registry is down, and the fan-out falls back to on-demand
// subscriptions triggered by client connects.
type Registry interface {
	// Register upserts the call record with the active-call TTL.
	Register(ctx context.Context, call *Call) error

	// Touch refreshes the TTL and the last-activity timestamp. No-op when
	// the record is absent.
	Touch(ctx context.Context, interactionID string) error

	// End marks the call ended and shortens the TTL for post-call queries.
	End(ctx context.Context, interactionID string) error

	// Get returns the record or ErrCallNotFound.
	Get(ctx context.Context, interactionID string) (*Call, error)

	// ListActive returns up to limit active calls, most recent activity first.
	ListActive(ctx context.Context, limit int) ([]*Call, error)
}

// Option configures registry implementations.
type Option func(*options)

type options struct {
	callTTL  time.Duration
	endedTTL time.Duration
}

func defaultOptions() options {
	return options{
		callTTL:  time.Hour,
		endedTTL: 5 * time.Minute,
	}
}

// WithCallTTL overrides the active-call TTL (default 3600 s).
func WithCallTTL(d time.Duration) Option {
	return func(o *options) { o.callTTL = d }
}

// WithEndedTTL overrides the post-call retention TTL (default 5 min).
func WithEndedTTL(d time.Duration) Option {
	return func(o *options) { o.endedTTL = d }
}
