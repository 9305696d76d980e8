// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package bus

import (
	"context"
	"errors"
	"time"
)

// Message is a single bus entry. ID is monotonically increasing per topic
// (timestamp-sequence), assigned by the store on publish.
type Message struct {
	ID      string
	Payload []byte
}

// Handler consumes one delivered message. Returning nil acknowledges the
// message; returning an error leaves it pending for Reclaim.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live consumer-group membership on one topic.
type Subscription interface {
	// Topic returns the subscribed topic name.
	Topic() string
	// Unsubscribe stops the delivery loop. Idempotent.
	Unsubscribe()
}

// Bus is a thin abstraction over an append-only log store with consumer
// groups. Delivery is at-least-once within a group, FIFO per topic. New
// groups join at the topic tail: subscribers never replay history, which
// matches live-transcript semantics.
type Bus interface {
	// Publish appends payload to topic and returns the assigned message id.
	Publish(ctx context.Context, topic string, payload []byte) (string, error)

	// Subscribe joins (or creates) group on topic and invokes handler for
	// every delivered message until the subscription is cancelled.
	Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) (Subscription, error)

	// Ack marks a delivered message processed for the group.
	Ack(ctx context.Context, topic, group, id string) error

	// Reclaim transfers messages pending longer than minIdle to consumer
	// and returns them for reprocessing. Crash recovery for the group.
	Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration) ([]Message, error)

	// ScanTopics enumerates topic names matching a glob pattern.
	ScanTopics(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

const (
	// AudioTopic is the single shared audio stream.
	AudioTopic = "audio_stream"

	// TranscriptTopicPrefix prefixes the per-call transcript topics.
	TranscriptTopicPrefix = "transcript."

	// Reconnect backoff bounds for consumer loops.
	reconnectInitial = 50 * time.Millisecond
	reconnectCap     = 2 * time.Second

	// opTimeout bounds non-blocking store calls; blockTimeout is the
	// long-poll window for group reads.
	opTimeout    = 5 * time.Second
	blockTimeout = 30 * time.Second
)

// TranscriptTopic returns the per-call transcript topic name.
func TranscriptTopic(interactionID string) string {
	return TranscriptTopicPrefix + interactionID
}
