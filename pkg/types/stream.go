// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package types

import (
	"encoding/json"
	"fmt"
)

// Audio encodings accepted after normalisation. Everything the gateway
// publishes is PCM16 little-endian.
const EncodingPCM16 = "pcm16"

// Transcript kinds. A partial is a revisable hypothesis; a final is
// terminal for its utterance boundary and never superseded.
const (
	TranscriptPartial = "partial"
	TranscriptFinal   = "final"
)

// AudioFrame is one media chunk on the audio_stream topic. For a given
// interaction seq is contiguous from 1; gaps signal frame loss and are
// logged by the consumer, never fatal.
type AudioFrame struct {
	TenantID      string `json:"tenant_id"`
	InteractionID string `json:"interaction_id"`
	Seq           uint64 `json:"seq"`
	TimestampMs   int64  `json:"timestamp_ms"`
	SampleRateHz  int    `json:"sample_rate"`
	Encoding      string `json:"encoding"`
	Audio         []byte `json:"audio"` // base64 on the wire
}

// Encode serialises the frame for the bus.
func (f *AudioFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeAudioFrame parses and validates a bus payload.
func DecodeAudioFrame(data []byte) (*AudioFrame, error) {
	var f AudioFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode audio frame: %w", err)
	}
	if f.InteractionID == "" {
		return nil, fmt.Errorf("audio frame missing interaction_id")
	}
	if f.Seq == 0 {
		return nil, fmt.Errorf("audio frame %s has zero seq", f.InteractionID)
	}
	if f.Encoding != EncodingPCM16 {
		return nil, fmt.Errorf("audio frame %s has unsupported encoding %q", f.InteractionID, f.Encoding)
	}
	return &f, nil
}

// Transcript is one utterance event on a per-call transcript topic. Seq is
// per-call monotonic over transcripts, independent of the audio seq.
type Transcript struct {
	InteractionID string   `json:"interaction_id"`
	TenantID      string   `json:"tenant_id"`
	Seq           uint64   `json:"seq"`
	Type          string   `json:"type"`
	Text          string   `json:"text"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Speaker       string   `json:"speaker,omitempty"`
	TimestampMs   int64    `json:"timestamp_ms"`
}

// Encode serialises the transcript for the bus.
func (tr *Transcript) Encode() ([]byte, error) {
	return json.Marshal(tr)
}

// DecodeTranscript parses and validates a bus payload. Unknown type
// discriminators are rejected.
func DecodeTranscript(data []byte) (*Transcript, error) {
	var tr Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if tr.InteractionID == "" {
		return nil, fmt.Errorf("transcript missing interaction_id")
	}
	if tr.Type != TranscriptPartial && tr.Type != TranscriptFinal {
		return nil, fmt.Errorf("transcript %s has unknown type %q", tr.InteractionID, tr.Type)
	}
	return &tr, nil
}
