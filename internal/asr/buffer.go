// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package asr

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/types"
	"github.com/rapidaai/agent-assist/pkg/utils"

	"github.com/rapidaai/agent-assist/internal/asr/provider"
)

const frameQueueDepth = 256

// callBuffer is the single-goroutine owner of one call's ASR state: the
// pending audio window, the vendor connection, and the outbound transcript
// sequence. All mutation happens on the run goroutine; the receive
// goroutine only touches seqOut, which is atomic.
type callBuffer struct {
	callID     string
	tenantID   string
	sampleRate int

	cfg        Config
	thresholds SilenceThresholds
	provider   provider.Provider
	bus        bus.Bus
	metrics    *metrics.Metrics
	logger     commons.Logger

	frames chan *types.AudioFrame
	done   chan struct{}
	onExit func(callID string)

	// Injectable clocks for tests.
	now   func() time.Time
	sleep func(time.Duration)

	// run-goroutine state.
	pending      []byte
	lastActivity time.Time
	lastSeqIn    uint64
	conn         provider.Conn
	recvDone     chan struct{}

	firstFrameAt  time.Time
	firstObserved bool

	seqOut uint64
}

func newCallBuffer(frame *types.AudioFrame, cfg Config, p provider.Provider, b bus.Bus, m *metrics.Metrics, logger commons.Logger, onExit func(string)) *callBuffer {
	return &callBuffer{
		callID:     frame.InteractionID,
		tenantID:   frame.TenantID,
		sampleRate: frame.SampleRateHz,
		cfg:        cfg,
		thresholds: ThresholdsForRate(frame.SampleRateHz),
		provider:   p,
		bus:        b,
		metrics:    m,
		logger:     logger,
		frames:     make(chan *types.AudioFrame, frameQueueDepth),
		done:       make(chan struct{}),
		onExit:     onExit,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// enqueue hands a frame to the actor. It never blocks the consumer loop;
// when the actor is backed up the frame is dropped and counted as a gap
// the actor will observe on the next delivery.
func (b *callBuffer) enqueue(frame *types.AudioFrame) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.frames <- frame:
		return true
	default:
		b.logger.Warnw("Dropping audio frame, buffer actor backed up", "call", b.callID, "seq", frame.Seq)
		return true
	}
}

// run is the actor loop. It exits on context cancellation, idle teardown,
// or vendor abandonment; exit always tears down the connection and
// unregisters the buffer from the worker.
func (b *callBuffer) run(ctx context.Context) {
	b.metrics.ActiveBuffers.Inc()
	b.lastActivity = b.now()
	b.firstFrameAt = b.now()

	ticker := time.NewTicker(b.cfg.BufferWindow)
	defer ticker.Stop()
	defer b.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.frames:
			b.accept(frame)
		case <-ticker.C:
			if b.now().Sub(b.lastActivity) >= b.cfg.IdleTeardown {
				b.logger.Infow("Idle teardown", "call", b.callID)
				return
			}
			if !b.flush(ctx) {
				return
			}
		case <-b.recvWatch():
			if !b.handleConnDeath(ctx) {
				return
			}
		}
	}
}

// recvWatch returns the live receiver's done channel, or a never-ready
// channel when no connection is open.
func (b *callBuffer) recvWatch() <-chan struct{} {
	if b.recvDone != nil {
		return b.recvDone
	}
	return nil
}

// accept folds one frame into the pending window, deduplicating redeliveries
// and counting sequence gaps.
func (b *callBuffer) accept(frame *types.AudioFrame) {
	if b.lastSeqIn != 0 && frame.Seq <= b.lastSeqIn {
		// At-least-once redelivery; the audio is already in the window.
		return
	}
	if b.lastSeqIn != 0 && frame.Seq != b.lastSeqIn+1 {
		b.metrics.AudioSeqGaps.Inc()
		b.logger.Warnw("Audio sequence gap", "call", b.callID, "expected", b.lastSeqIn+1, "got", frame.Seq)
	}
	b.lastSeqIn = frame.Seq
	b.lastActivity = b.now()
	b.pending = append(b.pending, frame.Audio...)
}

// flush ships the pending window to the vendor. Silent windows are dropped
// before any connection is opened: a fully silent call never costs a vendor
// session. Returns false when the buffer must be destroyed.
func (b *callBuffer) flush(ctx context.Context) bool {
	if len(b.pending) == 0 {
		return true
	}
	chunk := b.pending
	b.pending = nil

	if b.thresholds.IsSilent(chunk) {
		b.metrics.ChunksSilent.Inc()
		return true
	}

	// Amplify a copy so a re-buffered chunk is never scaled twice.
	out := chunk
	if b.cfg.Amplify {
		out = make([]byte, len(chunk))
		copy(out, chunk)
		amplifyPCM16(out, b.cfg.Gain)
	}

	if b.conn == nil {
		if !b.connect(ctx) {
			return false
		}
	}
	if err := b.conn.Send(ctx, out); err != nil {
		b.logger.Warnw("Vendor send failed", "call", b.callID, "error", err.Error())
		// Re-buffer so the chunk rides the next window after reconnect.
		b.pending = append(chunk, b.pending...)
		b.dropConn(ctx)
		return b.connect(ctx)
	}
	b.metrics.ChunksSent.Inc()
	return true
}

// connect opens the vendor connection, retrying with jittered exponential
// backoff. After MaxReconnects consecutive failures the call is abandoned
// and the buffer destroyed. Exactly one connection exists per call: the
// previous one is always dropped before this runs.
func (b *callBuffer) connect(ctx context.Context) bool {
	for attempt := 0; attempt < b.cfg.MaxReconnects; attempt++ {
		if attempt > 0 {
			b.sleep(utils.Backoff(attempt-1, b.cfg.ReconnectInitial, b.cfg.ReconnectCap, b.cfg.ReconnectJitter))
		}
		if ctx.Err() != nil {
			return false
		}
		conn, err := b.provider.Connect(ctx, provider.StreamConfig{
			InteractionID: b.callID,
			SampleRateHz:  b.sampleRate,
		})
		if err != nil {
			b.logger.Warnw("Vendor connect failed", "call", b.callID, "attempt", attempt+1, "error", err.Error())
			continue
		}
		b.conn = conn
		b.recvDone = make(chan struct{})
		go b.receive(conn, b.recvDone)
		b.metrics.ConnectionsCreated.Inc()
		b.metrics.ConnectionsActive.WithLabelValues(b.callID).Set(1)
		return true
	}
	b.logger.Errorw("Vendor abandoned after repeated failures", "call", b.callID, "attempts", b.cfg.MaxReconnects)
	b.metrics.VendorFailures.Inc()
	return false
}

// handleConnDeath reacts to the receive loop ending. A vendor-initiated
// death triggers a reconnect; a requested close is terminal only during
// teardown, which never reaches here.
func (b *callBuffer) handleConnDeath(ctx context.Context) bool {
	err := b.conn.Err()
	b.dropConn(ctx)
	if err != nil {
		b.logger.Warnw("Vendor connection died", "call", b.callID, "error", err.Error())
		return b.connect(ctx)
	}
	return true
}

func (b *callBuffer) dropConn(ctx context.Context) {
	if b.conn == nil {
		return
	}
	b.conn.Close(ctx)
	<-b.recvDone
	b.conn = nil
	b.recvDone = nil
	b.metrics.ConnectionsActive.WithLabelValues(b.callID).Set(0)
}

func (b *callBuffer) teardown() {
	b.dropConn(context.Background())
	b.metrics.ConnectionsActive.DeleteLabelValues(b.callID)
	b.metrics.ActiveBuffers.Dec()
	close(b.done)
	if b.onExit != nil {
		b.onExit(b.callID)
	}
}

// receive drains vendor results for one connection, assigning the per-call
// transcript sequence and publishing to the call's topic. Empty hypotheses
// are never published.
func (b *callBuffer) receive(conn provider.Conn, done chan struct{}) {
	defer close(done)
	for res := range conn.Results() {
		if utils.IsEmpty(res.Text) {
			b.metrics.TranscriptsDropped.Inc()
			continue
		}
		kind := types.TranscriptPartial
		if res.Final {
			kind = types.TranscriptFinal
		}
		t := &types.Transcript{
			InteractionID: b.callID,
			TenantID:      b.tenantID,
			Seq:           atomic.AddUint64(&b.seqOut, 1),
			Type:          kind,
			Text:          res.Text,
			Confidence:    res.Confidence,
			Speaker:       res.Speaker,
			TimestampMs:   b.now().UnixMilli(),
		}
		payload, err := t.Encode()
		if err != nil {
			b.logger.Errorw("Transcript encode failed", "call", b.callID, "error", err.Error())
			continue
		}
		if _, err := b.bus.Publish(context.Background(), bus.TranscriptTopic(b.callID), payload); err != nil {
			b.logger.Errorw("Transcript publish failed", "call", b.callID, "seq", t.Seq, "error", err.Error())
			continue
		}
		b.metrics.TranscriptsReceived.Inc()
		if !b.firstObserved {
			b.firstObserved = true
			b.metrics.FirstPartialLatency.Observe(b.now().Sub(b.firstFrameAt).Seconds())
		}
	}
}
