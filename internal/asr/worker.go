// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package asr

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rapidaai/agent-assist/config"
	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/types"

	"github.com/rapidaai/agent-assist/internal/asr/provider"
)

// Config carries the tunables for the ASR worker.
type Config struct {
	Group    string
	Consumer string

	BufferWindow time.Duration
	IdleTeardown time.Duration

	Thresholds8k  SilenceThresholds
	Thresholds16k SilenceThresholds

	Amplify bool
	Gain    float64

	MaxReconnects    int
	ReconnectInitial time.Duration
	ReconnectCap     time.Duration
	ReconnectJitter  float64
}

// ConfigFromApp maps application config onto worker tunables. The consumer
// name is host+pid so parallel workers in one group stay distinct.
func ConfigFromApp(cfg *config.AppConfig) Config {
	host, _ := os.Hostname()
	return Config{
		Group:            cfg.RedisConsumerGroup,
		Consumer:         fmt.Sprintf("%s-%d", host, os.Getpid()),
		BufferWindow:     time.Duration(cfg.BufferWindowMs) * time.Millisecond,
		IdleTeardown:     time.Duration(cfg.IdleTeardownMs) * time.Millisecond,
		Thresholds8k:     SilenceThresholds{Energy: cfg.SilenceEnergy8k, Peak: cfg.SilencePeak8k},
		Thresholds16k:    SilenceThresholds{Energy: cfg.SilenceEnergy16k, Peak: cfg.SilencePeak16k},
		Amplify:          cfg.AmplificationOn,
		Gain:             cfg.AmplificationGain,
		MaxReconnects:    cfg.MaxReconnects,
		ReconnectInitial: 250 * time.Millisecond,
		ReconnectCap:     5 * time.Second,
		ReconnectJitter:  0.2,
	}
}

func (c Config) thresholdsForRate(sampleRateHz int) SilenceThresholds {
	if sampleRateHz <= 8000 {
		return c.Thresholds8k
	}
	return c.Thresholds16k
}

// withDefaults fills zero values so hand-built test configs stay small.
func (c Config) withDefaults() Config {
	if c.BufferWindow == 0 {
		c.BufferWindow = 300 * time.Millisecond
	}
	if c.IdleTeardown == 0 {
		c.IdleTeardown = 30 * time.Second
	}
	if c.Thresholds8k == (SilenceThresholds{}) {
		c.Thresholds8k = DefaultThresholds8k
	}
	if c.Thresholds16k == (SilenceThresholds{}) {
		c.Thresholds16k = DefaultThresholds16k
	}
	if c.Gain == 0 {
		c.Gain = 2.0
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectInitial == 0 {
		c.ReconnectInitial = 250 * time.Millisecond
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 5 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.2
	}
	return c
}

// Worker consumes the shared audio stream and routes frames to per-call
// buffer actors. Workers in the same consumer group share calls between
// them; a frame is acked as soon as its actor accepts it.
type Worker struct {
	cfg      Config
	provider provider.Provider
	bus      bus.Bus
	metrics  *metrics.Metrics
	logger   commons.Logger

	mu      sync.Mutex
	buffers map[string]*callBuffer
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	sub    bus.Subscription
}

// NewWorker builds a worker; Start attaches it to the bus.
func NewWorker(cfg Config, p provider.Provider, b bus.Bus, m *metrics.Metrics, logger commons.Logger) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		provider: p,
		bus:      b,
		metrics:  m,
		logger:   logger,
		buffers:  make(map[string]*callBuffer),
	}
}

const (
	reclaimInterval = 30 * time.Second
	reclaimMinIdle  = time.Minute
)

// Start subscribes to the audio stream. The worker joins at the stream
// tail: calls already in flight reach it only from their next frame on.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	sub, err := w.bus.Subscribe(w.ctx, bus.AudioTopic, w.cfg.Group, w.cfg.Consumer, w.handleMessage)
	if err != nil {
		w.cancel()
		return fmt.Errorf("asr worker subscribe: %w", err)
	}
	w.sub = sub
	w.wg.Add(1)
	go w.reclaimLoop()
	w.logger.Infow("ASR worker started", "group", w.cfg.Group, "consumer", w.cfg.Consumer, "provider", w.provider.Name())
	return nil
}

// reclaimLoop adopts frames a crashed group member left pending, so a call
// survives the loss of the worker that was handling it.
func (w *Worker) reclaimLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			msgs, err := w.bus.Reclaim(w.ctx, bus.AudioTopic, w.cfg.Group, w.cfg.Consumer, reclaimMinIdle)
			if err != nil {
				w.logger.Warnw("Reclaim failed", "error", err.Error())
				continue
			}
			for _, msg := range msgs {
				if err := w.handleMessage(w.ctx, msg); err == nil {
					_ = w.bus.Ack(w.ctx, bus.AudioTopic, w.cfg.Group, msg.ID)
				}
			}
			if len(msgs) > 0 {
				w.logger.Infow("Reclaimed stale audio frames", "count", len(msgs))
			}
		}
	}
}

func (w *Worker) handleMessage(_ context.Context, msg bus.Message) error {
	frame, err := types.DecodeAudioFrame(msg.Payload)
	if err != nil {
		// Poison frames are acked and dropped; redelivery cannot fix them.
		w.logger.Warnw("Dropping undecodable audio frame", "error", err.Error())
		return nil
	}
	w.bufferFor(frame).enqueue(frame)
	return nil
}

// bufferFor returns the call's actor, creating and starting it on first
// frame. Actors unregister themselves on exit.
func (w *Worker) bufferFor(frame *types.AudioFrame) *callBuffer {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.buffers[frame.InteractionID]; ok {
		return b
	}
	b := newCallBuffer(frame, w.cfg, w.provider, w.bus, w.metrics, w.logger, w.removeBuffer)
	b.thresholds = w.cfg.thresholdsForRate(frame.SampleRateHz)
	w.buffers[frame.InteractionID] = b
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		b.run(w.ctx)
	}()
	w.logger.Infow("Call buffer created", "call", frame.InteractionID, "sample_rate", frame.SampleRateHz)
	return b
}

func (w *Worker) removeBuffer(callID string) {
	w.mu.Lock()
	delete(w.buffers, callID)
	w.mu.Unlock()
}

// ActiveBuffers reports how many calls the worker currently holds.
func (w *Worker) ActiveBuffers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffers)
}

// Shutdown detaches from the bus and waits for every actor to flush and
// tear down its vendor connection.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w.sub != nil {
		w.sub.Unsubscribe()
	}
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
