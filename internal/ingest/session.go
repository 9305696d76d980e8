// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/internal/registry"
	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/types"
)

// Connection states. The machine is single-threaded per connection, so the
// published seq is always monotonic.
type sessionState int

const (
	stateInit sessionState = iota
	stateConnected
	stateStreaming
	stateTerminated
)

const (
	// touchEvery refreshes the registry TTL every N media frames.
	touchEvery = 25
	// ackEvery sends the advisory ack every N media frames.
	ackEvery = 10

	// congestionLatency and congestionStreak define the saturated-bus
	// signal: publish latency above the threshold for N consecutive frames.
	congestionLatency = 500 * time.Millisecond
	congestionStreak  = 5

	writeTimeout = 5 * time.Second
)

// publishRetryDelays are the in-band retry delays before a publish failure
// is declared persistent and the connection is closed with 1011.
var publishRetryDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// session runs the telephony protocol state machine for one WebSocket
// connection.
type session struct {
	conn     *websocket.Conn
	bus      bus.Bus
	registry registry.Registry
	metrics  *metrics.Metrics
	logger   commons.Logger

	idleTimeout time.Duration
	now         func() time.Time
	sleep       func(time.Duration)

	streamSid  string
	tenantID   string
	sampleRate int
	seq        uint64

	congested int

	// writeMu guards the socket write side plus the fields Shutdown reads
	// from another goroutine.
	writeMu       sync.Mutex
	closed        bool
	state         sessionState
	interactionID string
}

func (s *session) setState(st sessionState) {
	s.writeMu.Lock()
	s.state = st
	s.writeMu.Unlock()
}

func (s *session) getState() sessionState {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.state
}

func (s *session) callID() string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.interactionID
}

func newSession(conn *websocket.Conn, b bus.Bus, reg registry.Registry, m *metrics.Metrics, logger commons.Logger, idleTimeout time.Duration) *session {
	return &session{
		conn:        conn,
		bus:         b,
		registry:    reg,
		metrics:     m,
		logger:      logger,
		idleTimeout: idleTimeout,
		now:         time.Now,
		sleep:       time.Sleep,
		state:       stateInit,
	}
}

// run drives the state machine until the connection terminates.
func (s *session) run(ctx context.Context) {
	defer s.terminate()

	for s.getState() != stateTerminated {
		if ctx.Err() != nil {
			s.stopInternally()
			return
		}

		_ = s.conn.SetReadDeadline(s.now().Add(s.idleTimeout))
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				s.logger.Warnw("Ingest connection idle, closing",
					"interaction_id", s.interactionID)
				s.close(websocket.CloseInternalServerErr, "idle timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.violation("binary frame on text protocol")
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			s.violation(err.Error())
			return
		}
		if !s.handle(ctx, env) {
			return
		}
	}
}

// handle applies one event to the state machine. Returns false when the
// connection should stop reading.
func (s *session) handle(ctx context.Context, env *Envelope) bool {
	st := s.getState()
	switch {
	case st == stateInit && env.Event == EventConnected:
		s.setState(stateConnected)
		return true

	case st == stateConnected && env.Event == EventStart:
		return s.handleStart(ctx, env)

	case st == stateStreaming && env.Event == EventMedia:
		return s.handleMedia(ctx, env)

	case st == stateStreaming && env.Event == EventStop:
		s.handleStop(ctx, env)
		return false

	default:
		s.violation("event " + env.Event + " not valid in current state")
		return false
	}
}

func (s *session) handleStart(ctx context.Context, env *Envelope) bool {
	start := env.Start
	if _, ok := NormalizeEncoding(start.MediaFormat.Encoding); !ok {
		s.violation("unsupported encoding " + start.MediaFormat.Encoding)
		return false
	}
	rate, err := strconv.Atoi(start.MediaFormat.SampleRate)
	if err != nil || rate <= 0 {
		s.violation("invalid sample_rate " + start.MediaFormat.SampleRate)
		return false
	}

	// call_sid is the canonical interaction id across the pipeline; the
	// stream_sid stays connection-scoped.
	s.streamSid = start.StreamSid
	s.tenantID = start.AccountSid
	s.sampleRate = rate
	s.seq = 0
	s.writeMu.Lock()
	s.interactionID = start.CallSid
	s.state = stateStreaming
	s.writeMu.Unlock()

	nowMs := s.now().UnixMilli()
	call := &registry.Call{
		InteractionID:  s.interactionID,
		TenantID:       s.tenantID,
		From:           start.From,
		To:             start.To,
		StartTimeMs:    nowMs,
		LastActivityMs: nowMs,
		Status:         registry.StatusActive,
		SampleRateHz:   rate,
		Encoding:       types.EncodingPCM16,
	}
	// The registry is advisory for discovery; audio keeps flowing when it
	// is unavailable.
	if err := s.registry.Register(ctx, call); err != nil {
		s.logger.Warnw("Registry register failed, continuing",
			"interaction_id", s.interactionID, "error", err.Error())
	}

	s.writeJSON(&StartedAck{Event: "started", StreamSid: s.streamSid, CallSid: s.interactionID})
	s.logger.Infow("Call stream started",
		"interaction_id", s.interactionID, "tenant", s.tenantID, "sample_rate", rate)
	return true
}

func (s *session) handleMedia(ctx context.Context, env *Envelope) bool {
	audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		s.violation("media payload is not valid base64")
		return false
	}

	s.seq++
	frame := &types.AudioFrame{
		TenantID:      s.tenantID,
		InteractionID: s.interactionID,
		Seq:           s.seq,
		TimestampMs:   s.now().UnixMilli(),
		SampleRateHz:  s.sampleRate,
		Encoding:      types.EncodingPCM16,
		Audio:         audio,
	}
	if !s.publishFrame(ctx, frame) {
		s.metrics.PublishFailures.Inc()
		s.logger.Errorw("Publish retries exhausted, closing so provider can retry",
			"interaction_id", s.interactionID, "seq", s.seq)
		s.close(websocket.CloseInternalServerErr, "bus unavailable")
		return false
	}
	s.metrics.FramesPublished.Inc()

	if s.seq%touchEvery == 0 {
		if err := s.registry.Touch(ctx, s.interactionID); err != nil {
			s.logger.Warnw("Registry touch failed",
				"interaction_id", s.interactionID, "error", err.Error())
		}
	}
	if s.seq%ackEvery == 0 {
		s.writeJSON(&AckEvent{Event: "ack", Seq: s.seq})
	}
	return true
}

// publishFrame publishes with in-band retries. Frames are never dropped on
// congestion; the telephony provider's flow control is the backstop.
func (s *session) publishFrame(ctx context.Context, frame *types.AudioFrame) bool {
	payload, err := frame.Encode()
	if err != nil {
		s.logger.Errorw("Frame encode failed", "interaction_id", frame.InteractionID, "error", err.Error())
		return false
	}

	started := s.now()
	for attempt := 0; ; attempt++ {
		_, err = s.bus.Publish(ctx, bus.AudioTopic, payload)
		if err == nil {
			break
		}
		if attempt >= len(publishRetryDelays) {
			return false
		}
		s.sleep(publishRetryDelays[attempt])
	}

	if s.now().Sub(started) > congestionLatency {
		s.congested++
		if s.congested >= congestionStreak {
			s.metrics.PublishCongested.Inc()
			s.congested = 0
		}
	} else {
		s.congested = 0
	}
	return true
}

func (s *session) handleStop(ctx context.Context, env *Envelope) {
	s.logger.Infow("Call stream stopped",
		"interaction_id", s.interactionID, "reason", env.Stop.Reason, "frames", s.seq)
	if err := s.registry.End(ctx, s.interactionID); err != nil {
		s.logger.Warnw("Registry end failed",
			"interaction_id", s.interactionID, "error", err.Error())
	}
	s.close(websocket.CloseNormalClosure, "stopped")
}

// stopInternally drains the session on shutdown: the call is marked ended
// as if the provider had sent stop.
func (s *session) stopInternally() {
	s.writeMu.Lock()
	streaming := s.state == stateStreaming
	id := s.interactionID
	s.writeMu.Unlock()
	if streaming {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.registry.End(ctx, id); err != nil {
			s.logger.Warnw("Registry end failed on drain",
				"interaction_id", id, "error", err.Error())
		}
	}
	s.close(websocket.CloseServiceRestart, "shutting down")
}

func (s *session) violation(reason string) {
	s.logger.Warnw("Ingest protocol violation",
		"interaction_id", s.interactionID, "reason", reason)
	s.close(websocket.CloseProtocolError, reason)
}

func (s *session) writeJSON(v interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	_ = s.conn.SetWriteDeadline(s.now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Debugw("Ack write failed", "interaction_id", s.interactionID, "error", err.Error())
	}
}

func (s *session) close(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state = stateTerminated
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.SetWriteDeadline(s.now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = s.conn.Close()
}

func (s *session) terminate() {
	s.close(websocket.CloseNormalClosure, "")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
