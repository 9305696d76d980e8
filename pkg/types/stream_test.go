package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAudioFrame_Valid(t *testing.T) {
	frame := &AudioFrame{
		TenantID:      "t1",
		InteractionID: "c1",
		Seq:           3,
		TimestampMs:   1700000000000,
		SampleRateHz:  8000,
		Encoding:      EncodingPCM16,
		Audio:         []byte{0x01, 0x02},
	}
	data, err := frame.Encode()
	require.NoError(t, err)

	got, err := DecodeAudioFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestDecodeAudioFrame_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "{"},
		{"missing interaction", `{"tenant_id":"t1","seq":1,"encoding":"pcm16"}`},
		{"zero seq", `{"interaction_id":"c1","seq":0,"encoding":"pcm16"}`},
		{"bad encoding", `{"interaction_id":"c1","seq":1,"encoding":"mulaw"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAudioFrame([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodeTranscript_Valid(t *testing.T) {
	conf := 0.93
	tr := &Transcript{
		InteractionID: "c1",
		TenantID:      "t1",
		Seq:           1,
		Type:          TranscriptFinal,
		Text:          "hello there",
		Confidence:    &conf,
		TimestampMs:   1700000000000,
	}
	data, err := tr.Encode()
	require.NoError(t, err)

	got, err := DecodeTranscript(data)
	require.NoError(t, err)
	assert.Equal(t, tr, got)
}

func TestDecodeTranscript_OmitsNullConfidence(t *testing.T) {
	tr := &Transcript{InteractionID: "c1", Seq: 1, Type: TranscriptPartial, Text: "hi"}
	data, err := tr.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "confidence")
}

func TestDecodeTranscript_RejectsUnknownType(t *testing.T) {
	_, err := DecodeTranscript([]byte(`{"interaction_id":"c1","seq":1,"type":"guess","text":"x"}`))
	assert.Error(t, err)
}
