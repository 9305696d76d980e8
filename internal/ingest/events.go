// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package ingest

import (
	"encoding/json"
	"fmt"
)

// Telephony event discriminators.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
)

// Envelope is the discriminated union carried on every telephony text frame.
// Exactly one of Start, Media, Stop is set, matching Event.
type Envelope struct {
	Event          string       `json:"event"`
	SequenceNumber uint64       `json:"sequence_number,omitempty"`
	StreamSid      string       `json:"stream_sid,omitempty"`
	Start          *StartEvent  `json:"start,omitempty"`
	Media          *MediaEvent  `json:"media,omitempty"`
	Stop           *StopEvent   `json:"stop,omitempty"`
}

// StartEvent announces a new media stream for a call.
type StartEvent struct {
	StreamSid   string      `json:"stream_sid"`
	CallSid     string      `json:"call_sid"`
	AccountSid  string      `json:"account_sid"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	MediaFormat MediaFormat `json:"media_format"`
}

// MediaFormat carries the audio encoding negotiated by the provider.
// SampleRate arrives as a string in the primary dialect.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate string `json:"sample_rate"`
}

// MediaEvent carries one base64 PCM chunk.
type MediaEvent struct {
	Chunk     json.Number `json:"chunk"`
	Timestamp string      `json:"timestamp"`
	Payload   string      `json:"payload"`
}

// StopEvent ends the media stream.
type StopEvent struct {
	CallSid    string `json:"call_sid"`
	AccountSid string `json:"account_sid"`
	Reason     string `json:"reason"`
}

// AckEvent is the advisory server→provider acknowledgement sent every few
// frames.
type AckEvent struct {
	Event string `json:"event"`
	Seq   uint64 `json:"seq"`
}

// StartedAck is the server→provider acknowledgement of a start event.
type StartedAck struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	CallSid   string `json:"call_sid"`
}

// ParseEnvelope decodes a telephony frame and rejects unknown discriminators
// and envelopes whose body does not match the discriminator.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed telephony frame: %w", err)
	}
	switch env.Event {
	case EventConnected:
		return &env, nil
	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("start event missing body")
		}
		if env.Start.CallSid == "" {
			return nil, fmt.Errorf("start event missing call_sid")
		}
		return &env, nil
	case EventMedia:
		if env.Media == nil {
			return nil, fmt.Errorf("media event missing body")
		}
		return &env, nil
	case EventStop:
		if env.Stop == nil {
			return nil, fmt.Errorf("stop event missing body")
		}
		return &env, nil
	case "":
		return nil, fmt.Errorf("telephony frame missing event discriminator")
	default:
		return nil, fmt.Errorf("unknown telephony event %q", env.Event)
	}
}

// NormalizeEncoding maps provider encoding aliases onto pcm16. The gateway
// only speaks PCM16 little-endian; anything else is rejected at start.
func NormalizeEncoding(encoding string) (string, bool) {
	switch encoding {
	case "linear16", "pcm16", "slin", "raw":
		return "pcm16", true
	default:
		return "", false
	}
}
