// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package bus

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rapidaai/agent-assist/pkg/commons"
)

// memoryBus is an in-process Bus with the same contract as the redis
// adapter: tail-join groups, at-least-once delivery, FIFO per topic,
// pending/ack/reclaim. It is a first-class adapter (PUBSUB_ADAPTER=in_memory),
// not just a test double.
type memoryBus struct {
	logger commons.Logger

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool

	audioMaxLen int

	lastMs  int64
	lastSeq int64

	wg sync.WaitGroup
}

type memTopic struct {
	entries []Message
	groups  map[string]*memGroup
	// notify is closed and replaced on every publish so blocked consumers
	// wake without polling.
	notify chan struct{}
}

type memGroup struct {
	lastDelivered string
	pending       map[string]*memPending
}

type memPending struct {
	msg         Message
	consumer    string
	deliveredAt time.Time
}

// MemoryOption configures the in-memory bus.
type MemoryOption func(*memoryBus)

// WithMemoryAudioMaxLen overrides the audio_stream trim length.
func WithMemoryAudioMaxLen(n int) MemoryOption {
	return func(b *memoryBus) { b.audioMaxLen = n }
}

// NewMemoryBus creates the in-memory adapter.
func NewMemoryBus(logger commons.Logger, opts ...MemoryOption) Bus {
	b := &memoryBus{
		logger:      logger,
		topics:      make(map[string]*memTopic),
		audioMaxLen: defaultAudioMaxLen,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// nextID mimics redis stream ids: milliseconds-sequence, strictly increasing.
func (b *memoryBus) nextID() string {
	ms := time.Now().UnixMilli()
	if ms <= b.lastMs {
		ms = b.lastMs
		b.lastSeq++
	} else {
		b.lastMs = ms
		b.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", ms, b.lastSeq)
}

func (b *memoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		b.topics[name] = t
	}
	return t
}

func (b *memoryBus) maxLenFor(topic string) int {
	if strings.HasPrefix(topic, TranscriptTopicPrefix) {
		return transcriptMaxLen
	}
	return b.audioMaxLen
}

func (b *memoryBus) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	t := b.topic(topic)
	id := b.nextID()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.entries = append(t.entries, Message{ID: id, Payload: buf})

	// Trim from the head, but never drop an entry still pending in a group.
	maxLen := b.maxLenFor(topic)
	for len(t.entries) > maxLen && !t.isPending(t.entries[0].ID) {
		t.entries = t.entries[1:]
	}

	close(t.notify)
	t.notify = make(chan struct{})
	return id, nil
}

func (t *memTopic) isPending(id string) bool {
	for _, g := range t.groups {
		if _, ok := g.pending[id]; ok {
			return true
		}
	}
	return false
}

func (b *memoryBus) Subscribe(_ context.Context, topic, group, consumer string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}

	t := b.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		// New groups join at the tail: no history replay.
		g = &memGroup{pending: make(map[string]*memPending)}
		if len(t.entries) > 0 {
			g.lastDelivered = t.entries[len(t.entries)-1].ID
		}
		t.groups[group] = g
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	sub := &streamSubscription{topic: topic, cancel: cancel}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliverLoop(ctx, topic, group, consumer, handler)
	}()
	return sub, nil
}

func (b *memoryBus) deliverLoop(ctx context.Context, topic, group, consumer string, handler Handler) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		t := b.topic(topic)
		g := t.groups[group]
		msg, ok := g.take(t, consumer)
		notify := t.notify
		b.mu.Unlock()

		if !ok {
			select {
			case <-notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := handler(ctx, msg); err != nil {
			b.logger.Warnw("Handler failed, message stays pending",
				"topic", topic, "id", msg.ID, "error", err.Error())
			continue
		}
		_ = b.Ack(ctx, topic, group, msg.ID)
	}
}

// take claims the next undelivered entry for the group, marking it pending.
// Consumers in the same group race for the cursor, which distributes work.
func (g *memGroup) take(t *memTopic, consumer string) (Message, bool) {
	for _, entry := range t.entries {
		if idLess(g.lastDelivered, entry.ID) {
			g.lastDelivered = entry.ID
			g.pending[entry.ID] = &memPending{msg: entry, consumer: consumer, deliveredAt: time.Now()}
			return entry, true
		}
	}
	return Message{}, false
}

// idLess compares redis-style "<ms>-<seq>" ids. Empty sorts first.
func idLess(a, b string) bool {
	if a == "" {
		return true
	}
	var ams, aseq, bms, bseq int64
	fmt.Sscanf(a, "%d-%d", &ams, &aseq)
	fmt.Sscanf(b, "%d-%d", &bms, &bseq)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func (b *memoryBus) Ack(_ context.Context, topic, group, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		if g, ok := t.groups[group]; ok {
			delete(g.pending, id)
		}
	}
	return nil
}

func (b *memoryBus) Reclaim(_ context.Context, topic, group, consumer string, minIdle time.Duration) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil, nil
	}
	g, ok := t.groups[group]
	if !ok {
		return nil, nil
	}

	cutoff := time.Now().Add(-minIdle)
	var claimed []Message
	for _, p := range g.pending {
		if p.deliveredAt.Before(cutoff) {
			p.consumer = consumer
			p.deliveredAt = time.Now()
			claimed = append(claimed, p.msg)
		}
	}
	return claimed, nil
}

func (b *memoryBus) ScanTopics(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var names []string
	for name := range b.topics {
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	// Wake every blocked consumer so loops observe the closed flag.
	for _, t := range b.topics {
		close(t.notify)
		t.notify = make(chan struct{})
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
