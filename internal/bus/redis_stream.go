// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/connectors"
	"github.com/rapidaai/agent-assist/pkg/utils"
)

const (
	payloadField = "payload"

	// transcriptMaxLen bounds each per-call transcript topic.
	transcriptMaxLen = 100

	// defaultAudioMaxLen approximates a few minutes of audio retention at
	// telephony frame rates (~25 frames/s).
	defaultAudioMaxLen = 10000

	readBatch = 64
)

// StreamOption configures the redis-streams bus.
type StreamOption func(*streamBus)

// WithAudioMaxLen overrides the audio_stream trim length.
func WithAudioMaxLen(n int64) StreamOption {
	return func(b *streamBus) { b.audioMaxLen = n }
}

// WithReconnectCounter wires the consumer reconnect metric.
func WithReconnectCounter(c prometheus.Counter) StreamOption {
	return func(b *streamBus) { b.reconnects = c }
}

// streamBus implements Bus on redis streams. One XReadGroup loop per
// subscription; reconnects with jittered exponential backoff and resumes
// from the group cursor, so pending messages are re-delivered.
type streamBus struct {
	client     *redis.Client
	logger     commons.Logger
	reconnects prometheus.Counter

	audioMaxLen int64

	mu     sync.Mutex
	closed bool
	subs   map[*streamSubscription]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamBus creates a redis-streams backed bus.
func NewStreamBus(redisConn connectors.RedisConnector, logger commons.Logger, opts ...StreamOption) Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &streamBus{
		client:      redisConn.Client(),
		logger:      logger,
		audioMaxLen: defaultAudioMaxLen,
		subs:        make(map[*streamSubscription]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *streamBus) maxLenFor(topic string) int64 {
	if strings.HasPrefix(topic, TranscriptTopicPrefix) {
		return transcriptMaxLen
	}
	return b.audioMaxLen
}

func (b *streamBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLenFor(topic),
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// ensureGroup creates the consumer group at the topic tail. BUSYGROUP means
// the group already exists and is not an error.
func (b *streamBus) ensureGroup(ctx context.Context, topic, group string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := b.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", topic, group, err)
	}
	return nil
}

func (b *streamBus) Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}

	subCtx, subCancel := context.WithCancel(b.ctx)
	sub := &streamSubscription{
		topic:  topic,
		cancel: subCancel,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		}()
		b.consumeLoop(subCtx, topic, group, consumer, handler)
	}()

	return sub, nil
}

// consumeLoop reads new messages for the group until cancelled. Transient
// store errors trigger a jittered backoff; the group cursor makes resume
// transparent and pending entries stay claimable.
func (b *streamBus) consumeLoop(ctx context.Context, topic, group, consumer string, handler Handler) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    readBatch,
			Block:    blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				attempt = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if b.reconnects != nil {
				b.reconnects.Inc()
			}
			delay := utils.Backoff(attempt, reconnectInitial, reconnectCap, 0.2)
			attempt++
			b.logger.Warnw("Bus read failed, backing off",
				"topic", topic, "group", group, "delay", delay.String(), "error", err.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := Message{ID: entry.ID, Payload: payloadBytes(entry.Values)}
				if err := handler(ctx, msg); err != nil {
					// Left pending for reclaim.
					b.logger.Warnw("Handler failed, message stays pending",
						"topic", topic, "id", entry.ID, "error", err.Error())
					continue
				}
				if err := b.Ack(ctx, topic, group, entry.ID); err != nil && ctx.Err() == nil {
					b.logger.Warnw("Ack failed", "topic", topic, "id", entry.ID, "error", err.Error())
				}
			}
		}
	}
}

func payloadBytes(values map[string]interface{}) []byte {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

func (b *streamBus) Ack(ctx context.Context, topic, group, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := b.client.XAck(ctx, topic, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", topic, group, id, err)
	}
	return nil
}

func (b *streamBus) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    readBatch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", topic, group, err)
	}

	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, Message{ID: entry.ID, Payload: payloadBytes(entry.Values)})
	}
	return msgs, nil
}

func (b *streamBus) ScanTopics(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		topics []string
		cursor uint64
	)
	for {
		keys, next, err := b.client.ScanType(ctx, cursor, pattern, 100, "stream").Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		topics = append(topics, keys...)
		cursor = next
		if cursor == 0 {
			return topics, nil
		}
	}
}

func (b *streamBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

type streamSubscription struct {
	topic  string
	cancel context.CancelFunc
	once   sync.Once
}

func (s *streamSubscription) Topic() string { return s.topic }

func (s *streamSubscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
