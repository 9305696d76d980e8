// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package fanout subscribes to per-call transcript topics and streams the
// events to agent dashboards over SSE. Calls are discovered from the
// registry; a dashboard attaching to a call the discovery loop has not seen
// yet triggers an on-demand subscription.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/agent-assist/config"
	"github.com/rapidaai/agent-assist/internal/assist"
	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/internal/registry"
	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/types"
)

const (
	// Group shared by all fan-out instances so each transcript line is
	// delivered to exactly one of them.
	Group = "ui-fanout"

	// How long an ended call's subscription survives after its last
	// client detaches.
	subscriptionGrace = 60 * time.Second

	// discoveryLimit caps how many calls one reconcile pass subscribes.
	discoveryLimit = 50
)

// Event is one SSE frame: a name and a JSON payload.
type Event struct {
	Name string
	Data []byte
}

// Event names on the wire.
const (
	EventConnected      = "connected"
	EventTranscriptLine = "transcript_line"
	EventIntentUpdate   = "intent_update"
	EventDisposition    = "disposition"
)

// Config carries fan-out tunables.
type Config struct {
	DiscoveryInterval time.Duration
	QueueSize         int
	Heartbeat         time.Duration
	Consumer          string
}

// ConfigFromApp maps application config onto fan-out tunables.
func ConfigFromApp(cfg *config.AppConfig) Config {
	host, _ := os.Hostname()
	return Config{
		DiscoveryInterval: time.Duration(cfg.DiscoveryIntervalMs) * time.Millisecond,
		QueueSize:         cfg.SSEQueueSize,
		Heartbeat:         time.Duration(cfg.SSEHeartbeatSeconds) * time.Second,
		Consumer:          fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

func (c Config) withDefaults() Config {
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 5 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

// subscription tracks one per-call transcript subscription and its grace
// state. idleSince is zero while the call is active; ended calls carry the
// time their grace window started.
type subscription struct {
	sub         bus.Subscription
	ended       bool
	idleSince   time.Time
	transcripts uint64
}

// client is one attached SSE consumer. The queue is drained by the HTTP
// handler; overflow drops the client rather than stalling the fan-out.
type client struct {
	id     string
	callID string
	queue  chan Event
	// dropped closes when the fan-out gives up on this client.
	dropped chan struct{}
	once    sync.Once
}

func (c *client) drop() {
	c.once.Do(func() { close(c.dropped) })
}

// Service owns subscriptions and attached clients. One mutex guards both
// maps; handlers take a snapshot of a call's clients before writing so
// delivery never holds the lock across a channel send.
type Service struct {
	cfg      Config
	bus      bus.Bus
	registry registry.Registry
	assist   assist.Client
	metrics  *metrics.Metrics
	logger   commons.Logger

	mu           sync.Mutex
	running      bool
	subs         map[string]*subscription
	clients      map[string]map[*client]struct{}
	healthExtras map[string]func() interface{}

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the fan-out; Start launches discovery.
func NewService(cfg Config, b bus.Bus, reg registry.Registry, ac assist.Client, m *metrics.Metrics, logger commons.Logger) *Service {
	if ac == nil {
		ac = assist.NewNoopClient()
	}
	return &Service{
		cfg:          cfg.withDefaults(),
		bus:          b,
		registry:     reg,
		assist:       ac,
		metrics:      m,
		logger:       logger,
		subs:         make(map[string]*subscription),
		clients:      make(map[string]map[*client]struct{}),
		healthExtras: make(map[string]func() interface{}),
		now:          time.Now,
		// Replaced by Start; keeps the SSE loop safe if routes are hit first.
		ctx: context.Background(),
	}
}

// SetHealthExtra registers an extra field reported by the health endpoint,
// e.g. the ASR worker's active buffer count.
func (s *Service) SetHealthExtra(name string, fn func() interface{}) {
	s.mu.Lock()
	s.healthExtras[name] = fn
	s.mu.Unlock()
}

// Start launches the discovery loop.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.wg.Add(1)
	go s.discoveryLoop()
	s.logger.Infow("Fan-out started", "group", Group, "consumer", s.cfg.Consumer)
	return nil
}

func (s *Service) discoveryLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.discover()
		}
	}
}

// discover reconciles subscriptions against the registry: active calls gain
// subscriptions, ended or vanished calls start their grace clock, and
// graced-out subscriptions are closed. Active calls keep their subscription
// regardless of whether anyone is watching.
func (s *Service) discover() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	active, err := s.registry.ListActive(ctx, discoveryLimit)
	if err != nil {
		s.logger.Warnw("Discovery scan failed", "error", err.Error())
		return
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, call := range active {
		activeSet[call.InteractionID] = struct{}{}
	}

	for _, call := range active {
		if err := s.ensureSubscribed(call.InteractionID); err != nil {
			s.logger.Warnw("Subscribe failed", "call", call.InteractionID, "error", err.Error())
		}
	}

	s.mu.Lock()
	var toClose []string
	var endedNow []string
	for callID, sub := range s.subs {
		_, isActive := activeSet[callID]
		hasClients := len(s.clients[callID]) > 0
		switch {
		case isActive:
			sub.ended = false
			sub.idleSince = time.Time{}
		case !sub.ended:
			sub.ended = true
			sub.idleSince = s.now()
			endedNow = append(endedNow, callID)
		case hasClients:
			// Grace counts from the last client's departure.
			sub.idleSince = s.now()
		}
		if sub.ended && !hasClients && !sub.idleSince.IsZero() && s.now().Sub(sub.idleSince) >= subscriptionGrace {
			toClose = append(toClose, callID)
		}
	}
	s.mu.Unlock()

	for _, callID := range endedNow {
		s.broadcast(callID, s.dispositionEvent(callID))
	}
	for _, callID := range toClose {
		s.unsubscribe(callID)
	}
}

func (s *Service) dispositionEvent(callID string) Event {
	data, _ := json.Marshal(map[string]string{"callId": callID, "status": registry.StatusEnded})
	return Event{Name: EventDisposition, Data: data}
}

// transcriptLineEvent is the transcript_line payload dashboards consume.
// Tenant routing stays server-side; the wire carries only what the UI
// renders.
type transcriptLineEvent struct {
	CallID     string   `json:"callId"`
	Seq        uint64   `json:"seq"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker,omitempty"`
	Ts         int64    `json:"ts"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func lineFromTranscript(tr *types.Transcript) transcriptLineEvent {
	return transcriptLineEvent{
		CallID:     tr.InteractionID,
		Seq:        tr.Seq,
		Text:       tr.Text,
		Speaker:    tr.Speaker,
		Ts:         tr.TimestampMs,
		Type:       tr.Type,
		Confidence: tr.Confidence,
	}
}

// ensureSubscribed opens the call's transcript subscription if missing.
func (s *Service) ensureSubscribed(callID string) error {
	s.mu.Lock()
	if _, ok := s.subs[callID]; ok {
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot before releasing the lock so concurrent attaches
	// do not double-subscribe.
	entry := &subscription{}
	s.subs[callID] = entry
	s.mu.Unlock()

	sub, err := s.bus.Subscribe(s.ctx, bus.TranscriptTopic(callID), Group, s.cfg.Consumer,
		func(ctx context.Context, msg bus.Message) error {
			return s.handleTranscript(ctx, callID, msg)
		})
	if err != nil {
		s.mu.Lock()
		delete(s.subs, callID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	entry.sub = sub
	s.mu.Unlock()
	s.metrics.SubscriptionsOpen.Inc()
	s.logger.Infow("Transcript subscription opened", "call", callID)
	return nil
}

func (s *Service) unsubscribe(callID string) {
	s.mu.Lock()
	entry, ok := s.subs[callID]
	if ok {
		delete(s.subs, callID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if entry.sub != nil {
		entry.sub.Unsubscribe()
	}
	s.metrics.SubscriptionsOpen.Dec()
	s.logger.Infow("Transcript subscription closed", "call", callID)
}

// handleTranscript turns one bus message into SSE events. Undecodable
// payloads are acked and dropped.
func (s *Service) handleTranscript(ctx context.Context, callID string, msg bus.Message) error {
	tr, err := types.DecodeTranscript(msg.Payload)
	if err != nil {
		s.logger.Warnw("Dropping undecodable transcript", "call", callID, "error", err.Error())
		return nil
	}
	s.mu.Lock()
	if sub, ok := s.subs[callID]; ok {
		sub.transcripts++
	}
	s.mu.Unlock()
	data, err := json.Marshal(lineFromTranscript(tr))
	if err != nil {
		return nil
	}
	s.broadcast(callID, Event{Name: EventTranscriptLine, Data: data})

	// Finals are worth an intent lookup; partials churn too fast.
	if tr.Type == types.TranscriptFinal {
		s.suggest(ctx, tr)
	}
	return nil
}

// suggest asks the collaborator about a final line and broadcasts the
// verdict. Suggestion failures only log; the transcript already went out.
func (s *Service) suggest(ctx context.Context, tr *types.Transcript) {
	suggestion, err := s.assist.Suggest(ctx, tr.TenantID, tr.InteractionID, tr.Text)
	if err != nil {
		s.logger.Warnw("Assist lookup failed", "call", tr.InteractionID, "error", err.Error())
		return
	}
	if suggestion.Intent == "" && len(suggestion.Articles) == 0 {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"callId":     tr.InteractionID,
		"seq":        tr.Seq,
		"intent":     suggestion.Intent,
		"confidence": suggestion.Confidence,
		"articles":   suggestion.Articles,
	})
	if err != nil {
		return
	}
	s.broadcast(tr.InteractionID, Event{Name: EventIntentUpdate, Data: data})
}

// broadcast delivers an event to every client of a call. A client whose
// queue is full is dropped: a stalled dashboard must never stall the call.
func (s *Service) broadcast(callID string, ev Event) {
	s.mu.Lock()
	snapshot := make([]*client, 0, len(s.clients[callID]))
	for c := range s.clients[callID] {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		select {
		case c.queue <- ev:
			s.metrics.SSEDelivered.Inc()
		default:
			s.logger.Warnw("Dropping slow SSE client", "call", callID, "client", c.id)
			s.metrics.SSEDroppedSlow.Inc()
			c.drop()
			s.detach(c)
		}
	}
}

// attach registers an SSE client and guarantees its call has a live
// subscription, subscribing on demand ahead of the discovery tick.
func (s *Service) attach(ctx context.Context, callID string) (*client, error) {
	if _, err := s.registry.Get(ctx, callID); err != nil {
		return nil, err
	}

	c := &client{
		id:      uuid.NewString(),
		callID:  callID,
		queue:   make(chan Event, s.cfg.QueueSize),
		dropped: make(chan struct{}),
	}
	s.mu.Lock()
	if s.clients[callID] == nil {
		s.clients[callID] = make(map[*client]struct{})
	}
	s.clients[callID][c] = struct{}{}
	s.mu.Unlock()
	s.metrics.SSEClientsActive.Inc()

	// Subscribe after the client is registered: a resumed group's backlog
	// must land in this queue, not in a clientless broadcast.
	if err := s.ensureSubscribed(callID); err != nil {
		s.detach(c)
		return nil, err
	}
	return c, nil
}

func (s *Service) detach(c *client) {
	s.mu.Lock()
	set, ok := s.clients[c.callID]
	if ok {
		if _, present := set[c]; !present {
			ok = false
		} else {
			delete(set, c)
			if len(set) == 0 {
				delete(s.clients, c.callID)
				// Only ended calls run a grace clock; active calls stay
				// subscribed with or without watchers.
				if sub, subOK := s.subs[c.callID]; subOK && sub.ended {
					sub.idleSince = s.now()
				}
			}
		}
	}
	s.mu.Unlock()
	if ok {
		s.metrics.SSEClientsActive.Dec()
	}
}

// SubscriptionStatus is one call's entry on the transcripts status surface.
type SubscriptionStatus struct {
	InteractionID   string `json:"interactionId"`
	TranscriptCount uint64 `json:"transcriptCount"`
	Clients         int    `json:"clients"`
}

// Status reports the fan-out's subscriptions and attached clients.
type Status struct {
	IsRunning         bool                 `json:"isRunning"`
	SubscriptionCount int                  `json:"subscriptionCount"`
	Subscriptions     []SubscriptionStatus `json:"subscriptions"`
	Clients           int                  `json:"clients"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		IsRunning:         s.running,
		SubscriptionCount: len(s.subs),
		Subscriptions:     make([]SubscriptionStatus, 0, len(s.subs)),
	}
	for callID, sub := range s.subs {
		st.Subscriptions = append(st.Subscriptions, SubscriptionStatus{
			InteractionID:   callID,
			TranscriptCount: sub.transcripts,
			Clients:         len(s.clients[callID]),
		})
	}
	sort.Slice(st.Subscriptions, func(i, j int) bool {
		return st.Subscriptions[i].InteractionID < st.Subscriptions[j].InteractionID
	})
	for _, set := range s.clients {
		st.Clients += len(set)
	}
	return st
}

// Shutdown closes every subscription and drops every client.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	s.running = false
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*subscription)
	var all []*client
	for _, set := range s.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	s.clients = make(map[string]map[*client]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.sub != nil {
			sub.sub.Unsubscribe()
		}
		s.metrics.SubscriptionsOpen.Dec()
	}
	for _, c := range all {
		c.drop()
		s.metrics.SSEClientsActive.Dec()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
