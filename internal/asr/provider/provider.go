// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package provider

import (
	"context"
	"errors"
)

// Result is one transcription event from the vendor. Partial results are
// revisable hypotheses; final results are terminal for their utterance.
// Speaker is set only when the vendor can attribute the utterance to a
// channel; mono streams leave it empty.
type Result struct {
	Text       string
	Final      bool
	Confidence *float64
	Speaker    string
}

// StreamConfig describes the audio the vendor will receive for one call.
type StreamConfig struct {
	InteractionID string
	SampleRateHz  int
	Language      string
}

// Conn is a live streaming connection to the vendor for one call. Send and
// Results run as independent paths; Results closes when the connection
// dies, after which Err reports why.
type Conn interface {
	// Send forwards one PCM16 chunk to the vendor.
	Send(ctx context.Context, pcm []byte) error

	// Results yields transcription events in vendor-arrival order.
	Results() <-chan Result

	// Err reports the terminal error after Results closes; nil on a clean
	// close.
	Err() error

	// Close flushes and tears down the connection.
	Close(ctx context.Context) error
}

// Provider opens vendor streaming connections. Exactly one Conn may exist
// per interaction at any instant; the worker enforces this.
type Provider interface {
	Name() string
	Connect(ctx context.Context, cfg StreamConfig) (Conn, error)
}

// ErrConnClosed is returned by Send after the connection terminated.
var ErrConnClosed = errors.New("asr provider: connection closed")
