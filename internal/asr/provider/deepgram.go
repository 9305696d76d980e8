// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/utils"
)

const (
	deepgramListenURL     = "wss://api.deepgram.com/v1/listen"
	deepgramDialTimeout   = 10 * time.Second
	deepgramWriteTimeout  = 5 * time.Second
	deepgramKeepAliveTick = 8 * time.Second

	// The vendor occasionally emits frames we cannot parse; tolerate a few
	// before declaring the connection unusable.
	deepgramMaxMalformed = 5
)

// DeepgramProvider opens streaming speech-to-text connections against the
// Deepgram listen endpoint.
type DeepgramProvider struct {
	apiKey       string
	model        string
	interim      bool
	punctuate    bool
	smartFormat  bool
	maxMalformed int
	logger       commons.Logger

	// endpoint overrides the listen URL in tests.
	endpoint string
	dialer   *websocket.Dialer
}

// NewDeepgramProvider builds a provider with the given API key. Recognised
// options: model (default nova-2), interim_results, punctuate, smart_format,
// max_malformed. A nil option bag keeps every default.
func NewDeepgramProvider(apiKey string, opts utils.Option, logger commons.Logger) *DeepgramProvider {
	p := &DeepgramProvider{
		apiKey:       apiKey,
		model:        "nova-2",
		interim:      opts.GetBool("interim_results", true),
		punctuate:    opts.GetBool("punctuate", true),
		smartFormat:  opts.GetBool("smart_format", true),
		maxMalformed: opts.GetInt("max_malformed", deepgramMaxMalformed),
		logger:       logger,
		endpoint:     deepgramListenURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: deepgramDialTimeout,
		},
	}
	if m, err := opts.GetString("model"); err == nil && m != "" {
		p.model = m
	}
	return p
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

// connectionString builds the listen URL for one call's audio format.
func (p *DeepgramProvider) connectionString(cfg StreamConfig) string {
	params := url.Values{}
	params.Set("model", p.model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(cfg.SampleRateHz))
	params.Set("channels", "1")
	params.Set("interim_results", strconv.FormatBool(p.interim))
	params.Set("punctuate", strconv.FormatBool(p.punctuate))
	params.Set("smart_format", strconv.FormatBool(p.smartFormat))
	if cfg.Language != "" {
		params.Set("language", cfg.Language)
	}
	return fmt.Sprintf("%s?%s", p.endpoint, params.Encode())
}

// Connect dials the vendor and starts the receive loop. The returned Conn
// is dedicated to one call; close it before opening a replacement.
func (p *DeepgramProvider) Connect(ctx context.Context, cfg StreamConfig) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	ws, resp, err := p.dialer.DialContext(ctx, p.connectionString(cfg), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	c := &deepgramConn{
		ws:           ws,
		logger:       p.logger,
		callID:       cfg.InteractionID,
		maxMalformed: p.maxMalformed,
		results:      make(chan Result, 64),
		done:         make(chan struct{}),
	}
	go c.receiveLoop()
	go c.keepAliveLoop()
	return c, nil
}

type deepgramConn struct {
	ws           *websocket.Conn
	logger       commons.Logger
	callID       string
	maxMalformed int

	writeMu sync.Mutex

	results chan Result
	done    chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// deepgramMessage is the subset of the Results frame we consume.
// ChannelIndex is [channel, total_channels].
type deepgramMessage struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	ChannelIndex []int  `json:"channel_index"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *deepgramConn) Send(ctx context.Context, pcm []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		c.fail(fmt.Errorf("deepgram send: %w", err))
		return err
	}
	return nil
}

func (c *deepgramConn) Results() <-chan Result { return c.results }

func (c *deepgramConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *deepgramConn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.shutdown()
}

func (c *deepgramConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Close tells the vendor to flush pending results, then tears down. A nil
// error means the stream ended at our request.
func (c *deepgramConn) Close(ctx context.Context) error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	err := c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	c.writeMu.Unlock()
	c.shutdown()
	if err != nil && err != websocket.ErrCloseSent {
		return fmt.Errorf("deepgram close: %w", err)
	}
	return nil
}

// receiveLoop owns the read side. It parses Results frames and forwards
// non-empty hypotheses; the channel closes when the connection dies.
func (c *deepgramConn) receiveLoop() {
	defer close(c.results)
	malformed := 0
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(fmt.Errorf("deepgram read: %w", err))
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			malformed++
			c.logger.Warnw("Malformed vendor frame", "call", c.callID, "error", err.Error())
			if malformed > c.maxMalformed {
				c.fail(fmt.Errorf("deepgram: %d malformed frames", malformed))
				return
			}
			continue
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}

		alt := msg.Channel.Alternatives[0]
		res := Result{Text: alt.Transcript, Final: msg.IsFinal}
		if msg.IsFinal {
			res.Confidence = utils.Ptr(alt.Confidence)
		}
		// Multichannel streams attribute each result to a channel; mono
		// leaves the speaker for downstream heuristics.
		if len(msg.ChannelIndex) == 2 && msg.ChannelIndex[1] > 1 {
			res.Speaker = fmt.Sprintf("channel_%d", msg.ChannelIndex[0])
		}
		select {
		case c.results <- res:
		case <-c.done:
			return
		}
	}
}

// keepAliveLoop keeps the vendor from idling the stream out during long
// silent stretches where no audio is forwarded.
func (c *deepgramConn) keepAliveLoop() {
	ticker := time.NewTicker(deepgramKeepAliveTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
