package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agent-assist/config"
	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/internal/registry"
	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/types"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		IngestAuthMode:    "ip_allowlist",
		IngestAllowedIPs:  "127.0.0.1,::1",
		IngestIdleSeconds: 60,
	}
}

type gatewayFixture struct {
	bus      bus.Bus
	registry registry.Registry
	metrics  *metrics.Metrics
	gateway  *Gateway
	server   *httptest.Server
}

func newGatewayFixture(t *testing.T, b bus.Bus) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.NewMemoryRegistry()
	m := metrics.NewForTest()
	g, err := NewGateway(testConfig(), b, reg, m, commons.NewNopLogger())
	require.NoError(t, err)

	engine := gin.New()
	g.RegisterRoutes(engine)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &gatewayFixture{bus: b, registry: reg, metrics: m, gateway: g, server: server}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/ingest"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func startEvent(callSid, encoding, rate string) string {
	return fmt.Sprintf(`{"event":"start","sequence_number":1,"stream_sid":"s1",
		"start":{"stream_sid":"s1","call_sid":"%s","account_sid":"t1",
		"from":"+15550100","to":"+15550101",
		"media_format":{"encoding":"%s","sample_rate":"%s"}}}`, callSid, encoding, rate)
}

func mediaEvent(seq int, audio []byte) string {
	return fmt.Sprintf(`{"event":"media","sequence_number":%d,"stream_sid":"s1",
		"media":{"chunk":%d,"timestamp":"%d","payload":"%s"}}`,
		seq, seq, seq*20, base64.StdEncoding.EncodeToString(audio))
}

// readUntilClose drains server frames and returns the close code.
func readUntilClose(t *testing.T, conn *websocket.Conn) (int, [][]byte) {
	t.Helper()
	var frames [][]byte
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, frames
			}
			t.Fatalf("read failed without close frame: %v", err)
		}
		frames = append(frames, data)
	}
}

func TestGateway_HappyPath(t *testing.T) {
	b := bus.NewMemoryBus(commons.NewNopLogger())
	defer b.Close()
	f := newGatewayFixture(t, b)

	// Capture the audio topic before media flows (groups join at tail).
	framesCh := make(chan bus.Message, 256)
	sub, err := b.Subscribe(context.Background(), bus.AudioTopic, "test", "t1",
		func(_ context.Context, msg bus.Message) error {
			framesCh <- msg
			return nil
		})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	conn := f.dial(t)
	sendJSON(t, conn, `{"event":"connected"}`)
	sendJSON(t, conn, startEvent("c1", "pcm16", "8000"))

	audio := make([]byte, 320)
	for i := range audio {
		audio[i] = byte(i % 7)
	}
	const frames = 30
	for i := 1; i <= frames; i++ {
		sendJSON(t, conn, mediaEvent(i, audio))
	}

	// Registry entry appears with normalised metadata.
	assert.Eventually(t, func() bool {
		call, err := f.registry.Get(context.Background(), "c1")
		return err == nil && call.IsActive() && call.SampleRateHz == 8000 && call.Encoding == "pcm16"
	}, 2*time.Second, 20*time.Millisecond)

	// Every media frame published, seq contiguous from 1.
	var seq uint64
	for seq < frames {
		select {
		case msg := <-framesCh:
			frame, err := types.DecodeAudioFrame(msg.Payload)
			require.NoError(t, err)
			seq++
			assert.Equal(t, seq, frame.Seq)
			assert.Equal(t, "c1", frame.InteractionID)
			assert.Equal(t, "t1", frame.TenantID)
			assert.Equal(t, audio, frame.Audio)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not published", seq+1)
		}
	}

	sendJSON(t, conn, `{"event":"stop","stop":{"call_sid":"c1","account_sid":"t1","reason":"stopped"}}`)

	code, serverFrames := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, code)

	// started ack plus advisory acks every 10 frames.
	var sawStarted bool
	var ackSeqs []uint64
	for _, data := range serverFrames {
		var probe map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &probe))
		switch probe["event"] {
		case "started":
			sawStarted = true
			assert.Equal(t, "c1", probe["call_sid"])
		case "ack":
			ackSeqs = append(ackSeqs, uint64(probe["seq"].(float64)))
		}
	}
	assert.True(t, sawStarted)
	assert.Equal(t, []uint64{10, 20, 30}, ackSeqs)

	// Call marked ended after stop.
	call, err := f.registry.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, call.Status)
}

func TestGateway_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
	}{
		{"start before connected", []string{startEvent("c1", "pcm16", "8000")}},
		{"media before start", []string{`{"event":"connected"}`, mediaEvent(1, []byte{0, 0})}},
		{"unknown event", []string{`{"event":"mark"}`}},
		{"double connected", []string{`{"event":"connected"}`, `{"event":"connected"}`}},
		{"unsupported encoding", []string{`{"event":"connected"}`, startEvent("c1", "mulaw", "8000")}},
		{"bad sample rate", []string{`{"event":"connected"}`, startEvent("c1", "pcm16", "fast")}},
		{"media bad base64", []string{
			`{"event":"connected"}`, startEvent("c1", "pcm16", "8000"),
			`{"event":"media","media":{"chunk":1,"timestamp":"0","payload":"!!!"}}`,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.NewMemoryBus(commons.NewNopLogger())
			defer b.Close()
			f := newGatewayFixture(t, b)

			conn := f.dial(t)
			for _, frame := range tt.frames {
				sendJSON(t, conn, frame)
			}
			code, _ := readUntilClose(t, conn)
			assert.Equal(t, websocket.CloseProtocolError, code)
		})
	}
}

// failingBus always rejects publishes; everything else delegates.
type failingBus struct {
	bus.Bus
}

func (f *failingBus) Publish(context.Context, string, []byte) (string, error) {
	return "", fmt.Errorf("bus saturated")
}

func TestGateway_PublishFailureCloses1011(t *testing.T) {
	inner := bus.NewMemoryBus(commons.NewNopLogger())
	defer inner.Close()
	f := newGatewayFixture(t, &failingBus{Bus: inner})

	conn := f.dial(t)
	sendJSON(t, conn, `{"event":"connected"}`)
	sendJSON(t, conn, startEvent("c1", "pcm16", "8000"))
	sendJSON(t, conn, mediaEvent(1, []byte{1, 2, 3, 4}))

	code, _ := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PublishFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.FramesPublished))
}

func TestGateway_AuthRejectedUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	cfg.IngestAuthMode = "basic"
	cfg.IngestBasicUser = "user"
	cfg.IngestBasicPass = "pass"

	b := bus.NewMemoryBus(commons.NewNopLogger())
	defer b.Close()
	g, err := NewGateway(cfg, b, registry.NewMemoryRegistry(), metrics.NewForTest(), commons.NewNopLogger())
	require.NoError(t, err)

	engine := gin.New()
	g.RegisterRoutes(engine)
	server := httptest.NewServer(engine)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ingest"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestGateway_ShutdownDrainsStreamingCalls(t *testing.T) {
	b := bus.NewMemoryBus(commons.NewNopLogger())
	defer b.Close()
	f := newGatewayFixture(t, b)

	conn := f.dial(t)
	sendJSON(t, conn, `{"event":"connected"}`)
	sendJSON(t, conn, startEvent("c9", "pcm16", "8000"))

	assert.Eventually(t, func() bool {
		_, err := f.registry.Get(context.Background(), "c9")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.gateway.Shutdown(ctx))

	call, err := f.registry.Get(context.Background(), "c9")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, call.Status)
	assert.Equal(t, 0, f.gateway.ActiveConnections())
}
