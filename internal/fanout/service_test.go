package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agent-assist/internal/assist"
	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/internal/registry"
	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/types"
)

// scriptedAssist returns a fixed suggestion and records lookups.
type scriptedAssist struct {
	mu         sync.Mutex
	suggestion assist.Suggestion
	asked      []string
}

func (a *scriptedAssist) Suggest(_ context.Context, _, _, text string) (*assist.Suggestion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, text)
	s := a.suggestion
	return &s, nil
}

func (a *scriptedAssist) askedTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.asked))
	copy(out, a.asked)
	return out
}

type fanoutFixture struct {
	t        *testing.T
	bus      bus.Bus
	registry registry.Registry
	assist   *scriptedAssist
	metrics  *metrics.Metrics
	service  *Service
}

func newFanoutFixture(t *testing.T, cfg Config) *fanoutFixture {
	t.Helper()
	b := bus.NewMemoryBus(commons.NewNopLogger())
	t.Cleanup(func() { b.Close() })

	f := &fanoutFixture{
		t:        t,
		bus:      b,
		registry: registry.NewMemoryRegistry(),
		assist:   &scriptedAssist{},
		metrics:  metrics.NewForTest(),
	}
	f.service = NewService(cfg, b, f.registry, f.assist, f.metrics, commons.NewNopLogger())
	require.NoError(t, f.service.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		f.service.Shutdown(ctx)
	})
	return f
}

func (f *fanoutFixture) registerCall(callID string) {
	f.t.Helper()
	require.NoError(f.t, f.registry.Register(context.Background(), &registry.Call{
		InteractionID:  callID,
		TenantID:       "t1",
		Status:         registry.StatusActive,
		StartTimeMs:    time.Now().UnixMilli(),
		LastActivityMs: time.Now().UnixMilli(),
		SampleRateHz:   8000,
		Encoding:       types.EncodingPCM16,
	}))
}

func (f *fanoutFixture) publishTranscript(callID string, seq uint64, kind, text string) {
	f.t.Helper()
	tr := &types.Transcript{
		InteractionID: callID,
		TenantID:      "t1",
		Seq:           seq,
		Type:          kind,
		Text:          text,
		TimestampMs:   time.Now().UnixMilli(),
	}
	payload, err := tr.Encode()
	require.NoError(f.t, err)
	_, err = f.bus.Publish(context.Background(), bus.TranscriptTopic(callID), payload)
	require.NoError(f.t, err)
}

// slowDiscovery keeps the loop out of the way so tests drive discover()
// by hand.
func slowDiscovery() Config {
	return Config{DiscoveryInterval: time.Hour, QueueSize: 16, Heartbeat: time.Hour, Consumer: "test"}
}

func TestDiscovery_SubscribesActiveCalls(t *testing.T) {
	f := newFanoutFixture(t, Config{DiscoveryInterval: 30 * time.Millisecond, QueueSize: 16, Heartbeat: time.Hour, Consumer: "test"})
	f.registerCall("c1")
	f.registerCall("c2")

	assert.Eventually(t, func() bool {
		return f.service.Status().SubscriptionCount == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SubscriptionsOpen))
}

func TestAttach_OnDemandSubscription(t *testing.T) {
	f := newFanoutFixture(t, slowDiscovery())
	f.registerCall("c1")

	cl, err := f.service.attach(context.Background(), "c1")
	require.NoError(t, err)
	defer f.service.detach(cl)

	// The subscription opened ahead of any discovery tick.
	assert.Equal(t, 1, f.service.Status().SubscriptionCount)

	f.publishTranscript("c1", 1, types.TranscriptPartial, "hello wor")
	select {
	case ev := <-cl.queue:
		assert.Equal(t, EventTranscriptLine, ev.Name)
		var line transcriptLineEvent
		require.NoError(t, json.Unmarshal(ev.Data, &line))
		assert.Equal(t, "c1", line.CallID)
		assert.Equal(t, "hello wor", line.Text)
		assert.Equal(t, uint64(1), line.Seq)
		assert.NotZero(t, line.Ts)
	case <-time.After(2 * time.Second):
		t.Fatal("transcript event not delivered")
	}
}

func TestAttach_UnknownCall(t *testing.T) {
	f := newFanoutFixture(t, slowDiscovery())
	_, err := f.service.attach(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrCallNotFound)
}

func TestBroadcast_SlowClientDropped(t *testing.T) {
	f := newFanoutFixture(t, slowDiscovery())
	f.service.cfg.QueueSize = 4
	f.registerCall("c1")

	cl, err := f.service.attach(context.Background(), "c1")
	require.NoError(t, err)

	// Nobody drains the queue; delivery must give up on this client
	// without ever blocking the handler.
	for seq := uint64(1); seq <= 10; seq++ {
		f.publishTranscript("c1", seq, types.TranscriptPartial, "line")
	}

	select {
	case <-cl.dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("slow client never dropped")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.SSEDroppedSlow), 1.0)
	assert.Equal(t, 0, f.service.Status().Clients)
}

func TestDiscover_ActiveCallWithoutClientsStaysSubscribed(t *testing.T) {
	f := newFanoutFixture(t, slowDiscovery())
	f.registerCall("c1")

	now := time.Now()
	f.service.now = func() time.Time { return now }

	f.service.discover()
	require.Equal(t, 1, f.service.Status().SubscriptionCount)
	f.service.mu.Lock()
	before := f.service.subs["c1"]
	f.service.mu.Unlock()

	// No dashboard ever attaches. Far past the grace window the live call
	// must still hold the same subscription, not a churned replacement.
	now = now.Add(10 * time.Minute)
	f.service.discover()
	assert.Equal(t, 1, f.service.Status().SubscriptionCount)
	f.service.mu.Lock()
	after := f.service.subs["c1"]
	f.service.mu.Unlock()
	assert.Same(t, before, after)
}

func TestFinalTranscriptTriggersIntentUpdate(t *testing.T) {
	f := newFanoutFixture(t, slowDiscovery())
	f.assist.suggestion = assist.Suggestion{
		Intent:     "cancel_subscription",
		Confidence: 0.91,
		Articles:   []assist.Article{{ID: "kb-7", Title: "Cancellations"}},
	}
	f.registerCall("c1")

	cl, err := f.service.attach(context.Background(), "c1")
	require.NoError(t, err)
	defer f.service.detach(cl)

	f.publishTranscript("c1", 1, types.TranscriptPartial, "i want to")
	f.publishTranscript("c1", 2, types.TranscriptFinal, "i want to cancel")

	var names []string
	timeout := time.After(2 * time.Second)
	for len(names) < 3 {
		select {
		case ev := <-cl.queue:
			names = append(names, ev.Name)
		case <-timeout:
			t.Fatalf("expected 3 events, got %v", names)
		}
	}
	assert.Equal(t, []string{EventTranscriptLine, EventTranscriptLine, EventIntentUpdate}, names)

	// Only the final line was worth a lookup.
	assert.Equal(t, []string{"i want to cancel"}, f.assist.askedTexts())
}

func TestDiscover_EndedCallGetsDispositionAndGrace(t *testing.T) {
	f := newFanoutFixture(t, slowDiscovery())
	f.registerCall("c1")

	now := time.Now()
	f.service.now = func() time.Time { return now }

	f.service.discover()
	require.Equal(t, 1, f.service.Status().SubscriptionCount)

	cl, err := f.service.attach(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, f.registry.End(context.Background(), "c1"))
	f.service.discover()

	select {
	case ev := <-cl.queue:
		assert.Equal(t, EventDisposition, ev.Name)
		assert.Contains(t, string(ev.Data), registry.StatusEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("disposition event not delivered")
	}

	// Still inside the grace window with a client attached: stays open.
	now = now.Add(61 * time.Second)
	f.service.discover()
	assert.Equal(t, 1, f.service.Status().SubscriptionCount)

	// Client leaves, grace elapses: subscription closes.
	f.service.detach(cl)
	now = now.Add(61 * time.Second)
	f.service.discover()
	assert.Equal(t, 0, f.service.Status().SubscriptionCount)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SubscriptionsOpen))
}

func TestShutdown_DropsClientsAndSubscriptions(t *testing.T) {
	f := newFanoutFixture(t, slowDiscovery())
	f.registerCall("c1")

	cl, err := f.service.attach(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.service.Shutdown(ctx))

	select {
	case <-cl.dropped:
	case <-time.After(time.Second):
		t.Fatal("client not dropped on shutdown")
	}
	st := f.service.Status()
	assert.False(t, st.IsRunning)
	assert.Equal(t, 0, st.SubscriptionCount)
	assert.Equal(t, 0, st.Clients)
}

// TestRestart_ResumesGroupAfterShutdown covers a fan-out instance dying and
// another taking over mid-call: the shared consumer group resumes where it
// left off, duplicates keep their (seq, type) identity, and order holds.
func TestRestart_ResumesGroupAfterShutdown(t *testing.T) {
	b := bus.NewMemoryBus(commons.NewNopLogger())
	t.Cleanup(func() { b.Close() })
	reg := registry.NewMemoryRegistry()

	publish := func(seq uint64, text string) {
		tr := &types.Transcript{
			InteractionID: "c1",
			TenantID:      "t1",
			Seq:           seq,
			Type:          types.TranscriptPartial,
			Text:          text,
			TimestampMs:   time.Now().UnixMilli(),
		}
		payload, err := tr.Encode()
		require.NoError(t, err)
		_, err = b.Publish(context.Background(), bus.TranscriptTopic("c1"), payload)
		require.NoError(t, err)
	}

	require.NoError(t, reg.Register(context.Background(), &registry.Call{
		InteractionID: "c1", TenantID: "t1", Status: registry.StatusActive,
		SampleRateHz: 8000, Encoding: types.EncodingPCM16,
	}))

	first := NewService(slowDiscovery(), b, reg, assist.NewNoopClient(), metrics.NewForTest(), commons.NewNopLogger())
	require.NoError(t, first.Start(context.Background()))

	cl1, err := first.attach(context.Background(), "c1")
	require.NoError(t, err)
	publish(1, "one")
	publish(2, "two")
	for want := 0; want < 2; want++ {
		select {
		case ev := <-cl1.queue:
			assert.Equal(t, EventTranscriptLine, ev.Name)
		case <-time.After(2 * time.Second):
			t.Fatal("first instance never delivered")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, first.Shutdown(ctx))

	// Lines published while no instance is up, including a producer retry
	// of seq 3, wait in the group for the successor.
	publish(3, "three")
	publish(3, "three")
	publish(4, "four")

	second := NewService(slowDiscovery(), b, reg, assist.NewNoopClient(), metrics.NewForTest(), commons.NewNopLogger())
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		second.Shutdown(ctx)
	})

	cl2, err := second.attach(context.Background(), "c1")
	require.NoError(t, err)

	var seqs []uint64
	timeout := time.After(2 * time.Second)
	for len(seqs) < 3 {
		select {
		case ev := <-cl2.queue:
			require.Equal(t, EventTranscriptLine, ev.Name)
			var line transcriptLineEvent
			require.NoError(t, json.Unmarshal(ev.Data, &line))
			seqs = append(seqs, line.Seq)
		case <-timeout:
			t.Fatalf("expected 3 lines after restart, got %v", seqs)
		}
	}
	assert.Equal(t, []uint64{3, 3, 4}, seqs, "duplicates share their seq, nothing reorders, nothing replays from before the cursor")
}
