package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/utils"
)

func TestDeepgramConnectionString(t *testing.T) {
	p := NewDeepgramProvider("key", nil, commons.NewNopLogger())
	url := p.connectionString(StreamConfig{InteractionID: "c1", SampleRateHz: 8000})

	assert.True(t, strings.HasPrefix(url, "wss://api.deepgram.com/v1/listen?"))
	assert.Contains(t, url, "model=nova-2")
	assert.Contains(t, url, "encoding=linear16")
	assert.Contains(t, url, "sample_rate=8000")
	assert.Contains(t, url, "channels=1")
	assert.Contains(t, url, "interim_results=true")
	assert.NotContains(t, url, "language=")

	p = NewDeepgramProvider("key", utils.Option{"model": "nova-3", "interim_results": false}, commons.NewNopLogger())
	url = p.connectionString(StreamConfig{SampleRateHz: 16000, Language: "hi"})
	assert.Contains(t, url, "model=nova-3")
	assert.Contains(t, url, "sample_rate=16000")
	assert.Contains(t, url, "language=hi")
	assert.Contains(t, url, "interim_results=false")
}

func TestDeepgramOptions(t *testing.T) {
	p := NewDeepgramProvider("key", utils.Option{"max_malformed": 9, "punctuate": false}, commons.NewNopLogger())
	assert.Equal(t, 9, p.maxMalformed)
	assert.Contains(t, p.connectionString(StreamConfig{SampleRateHz: 8000}), "punctuate=false")

	// Empty model falls back to the default instead of an empty parameter.
	p = NewDeepgramProvider("key", utils.Option{"model": ""}, commons.NewNopLogger())
	assert.Contains(t, p.connectionString(StreamConfig{SampleRateHz: 8000}), "model=nova-2")
}

// fakeListenServer upgrades incoming connections and scripts vendor frames.
type fakeListenServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	gotAuth  chan string
	gotQuery chan string
	audio    chan []byte
	control  chan string

	// script frames are written to the client right after upgrade.
	script []string
}

func newFakeListenServer(t *testing.T, script ...string) *fakeListenServer {
	s := &fakeListenServer{
		t:        t,
		gotAuth:  make(chan string, 1),
		gotQuery: make(chan string, 1),
		audio:    make(chan []byte, 16),
		control:  make(chan string, 16),
		script:   script,
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeListenServer) handle(w http.ResponseWriter, r *http.Request) {
	s.gotAuth <- r.Header.Get("Authorization")
	s.gotQuery <- r.URL.RawQuery

	ws, err := s.upgrader.Upgrade(w, r, nil)
	require.NoError(s.t, err)
	defer ws.Close()

	for _, frame := range s.script {
		require.NoError(s.t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			s.audio <- data
		} else {
			s.control <- string(data)
		}
	}
}

func (s *fakeListenServer) dialProvider(t *testing.T) (*DeepgramProvider, Conn) {
	p := NewDeepgramProvider("test-key", nil, commons.NewNopLogger())
	p.endpoint = "ws" + strings.TrimPrefix(s.server.URL, "http")

	conn, err := p.Connect(context.Background(), StreamConfig{InteractionID: "c1", SampleRateHz: 8000})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(context.Background()) })
	return p, conn
}

func resultFrame(text string, final bool, confidence string) string {
	finalStr := "false"
	if final {
		finalStr = "true"
	}
	return `{"type":"Results","is_final":` + finalStr + `,"channel":{"alternatives":[{"transcript":"` + text + `","confidence":` + confidence + `}]}}`
}

func TestDeepgramConnect_AuthAndQuery(t *testing.T) {
	s := newFakeListenServer(t)
	s.dialProvider(t)

	assert.Equal(t, "Token test-key", <-s.gotAuth)
	query := <-s.gotQuery
	assert.Contains(t, query, "sample_rate=8000")
	assert.Contains(t, query, "encoding=linear16")
}

func TestDeepgramResults(t *testing.T) {
	s := newFakeListenServer(t,
		resultFrame("hello", false, "0"),
		`{"type":"Metadata","request_id":"r1"}`,
		resultFrame("hello world", true, "0.93"),
	)
	_, conn := s.dialProvider(t)

	var got []Result
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case res, ok := <-conn.Results():
			require.True(t, ok, "results closed early: %v", conn.Err())
			got = append(got, res)
		case <-timeout:
			t.Fatalf("results not delivered, have %d", len(got))
		}
	}

	assert.Equal(t, "hello", got[0].Text)
	assert.False(t, got[0].Final)
	assert.Nil(t, got[0].Confidence)

	assert.Equal(t, "hello world", got[1].Text)
	assert.True(t, got[1].Final)
	require.NotNil(t, got[1].Confidence)
	assert.InDelta(t, 0.93, *got[1].Confidence, 0.001)
}

func TestDeepgramChannelAttribution(t *testing.T) {
	s := newFakeListenServer(t,
		`{"type":"Results","is_final":true,"channel_index":[1,2],"channel":{"alternatives":[{"transcript":"agent side","confidence":0.9}]}}`,
		`{"type":"Results","is_final":true,"channel_index":[0,1],"channel":{"alternatives":[{"transcript":"mono line","confidence":0.9}]}}`,
	)
	_, conn := s.dialProvider(t)

	var got []Result
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case res, ok := <-conn.Results():
			require.True(t, ok, "results closed early: %v", conn.Err())
			got = append(got, res)
		case <-timeout:
			t.Fatalf("results not delivered, have %d", len(got))
		}
	}

	// Stereo streams carry the speaking channel; mono stays unattributed.
	assert.Equal(t, "channel_1", got[0].Speaker)
	assert.Empty(t, got[1].Speaker)
}

func TestDeepgramSendAndClose(t *testing.T) {
	s := newFakeListenServer(t)
	_, conn := s.dialProvider(t)

	chunk := []byte{1, 2, 3, 4}
	require.NoError(t, conn.Send(context.Background(), chunk))

	select {
	case got := <-s.audio:
		assert.Equal(t, chunk, got)
	case <-time.After(3 * time.Second):
		t.Fatal("server never received audio")
	}

	require.NoError(t, conn.Close(context.Background()))
	select {
	case ctrl := <-s.control:
		assert.Contains(t, ctrl, "CloseStream")
	case <-time.After(3 * time.Second):
		t.Fatal("server never received CloseStream")
	}

	assert.Error(t, conn.Send(context.Background(), chunk))
}

func TestDeepgramToleratesMalformedFrames(t *testing.T) {
	s := newFakeListenServer(t,
		"not json",
		"{{{",
		resultFrame("survived", true, "0.93"),
	)
	_, conn := s.dialProvider(t)

	select {
	case res, ok := <-conn.Results():
		require.True(t, ok)
		assert.Equal(t, "survived", res.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("result not delivered after malformed frames")
	}
}

func TestDeepgramFailsAfterTooManyMalformedFrames(t *testing.T) {
	script := make([]string, 0, deepgramMaxMalformed+1)
	for i := 0; i <= deepgramMaxMalformed; i++ {
		script = append(script, "garbage")
	}
	s := newFakeListenServer(t, script...)
	_, conn := s.dialProvider(t)

	select {
	case _, ok := <-conn.Results():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("results channel never closed")
	}
	assert.Error(t, conn.Err())
}
