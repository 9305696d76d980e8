package bus

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/connectors"
)

func newMockedBus(t *testing.T) (Bus, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	conn := connectors.NewRedisConnectorWithClient(client, commons.NewNopLogger())
	return NewStreamBus(conn, commons.NewNopLogger()), mock
}

func TestStreamBus_PublishTranscriptTrimsTo100(t *testing.T) {
	b, mock := newMockedBus(t)
	defer b.Close()

	payload := []byte(`{"seq":1,"text":"hello"}`)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "transcript.c1",
		MaxLen: transcriptMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).SetVal("1700000000000-0")

	id, err := b.Publish(context.Background(), "transcript.c1", payload)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamBus_PublishAudioUsesAudioRetention(t *testing.T) {
	b, mock := newMockedBus(t)
	defer b.Close()

	payload := []byte(`{"seq":7}`)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: AudioTopic,
		MaxLen: defaultAudioMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).SetVal("1700000000001-0")

	_, err := b.Publish(context.Background(), AudioTopic, payload)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamBus_PublishError(t *testing.T) {
	b, mock := newMockedBus(t)
	defer b.Close()

	payload := []byte("x")
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: AudioTopic,
		MaxLen: defaultAudioMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).SetErr(assert.AnError)

	_, err := b.Publish(context.Background(), AudioTopic, payload)
	assert.Error(t, err)
}

func TestStreamBus_Ack(t *testing.T) {
	b, mock := newMockedBus(t)
	defer b.Close()

	mock.ExpectXAck("transcript.c1", "ui-fanout", "1-0").SetVal(1)
	require.NoError(t, b.Ack(context.Background(), "transcript.c1", "ui-fanout", "1-0"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamBus_Reclaim(t *testing.T) {
	b, mock := newMockedBus(t)
	defer b.Close()

	mock.ExpectXAutoClaim(&redis.XAutoClaimArgs{
		Stream:   "transcript.c1",
		Group:    "ui-fanout",
		Consumer: "node-2",
		MinIdle:  30 * time.Second,
		Start:    "0-0",
		Count:    readBatch,
	}).SetVal([]redis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{payloadField: "a"}},
		{ID: "1-1", Values: map[string]interface{}{payloadField: "b"}},
	}, "0-0")

	msgs, err := b.Reclaim(context.Background(), "transcript.c1", "ui-fanout", "node-2", 30*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.Equal(t, []byte("a"), msgs[0].Payload)
	assert.Equal(t, []byte("b"), msgs[1].Payload)
}

func TestStreamBus_SubscribeCreatesGroupAtTail(t *testing.T) {
	b, mock := newMockedBus(t)

	mock.ExpectXGroupCreateMkStream("transcript.c1", "ui-fanout", "$").SetVal("OK")
	// The read loop runs in the background; let it hit an unexpected-call
	// error and back off, we only assert group creation here.
	sub, err := b.Subscribe(context.Background(), "transcript.c1", "ui-fanout", "node-1",
		func(_ context.Context, _ Message) error { return nil })
	require.NoError(t, err)
	sub.Unsubscribe()
	b.Close()
}

func TestStreamBus_SubscribeBusyGroupIsNotAnError(t *testing.T) {
	b, mock := newMockedBus(t)

	mock.ExpectXGroupCreateMkStream("transcript.c1", "ui-fanout", "$").
		SetErr(errBusyGroup{})

	sub, err := b.Subscribe(context.Background(), "transcript.c1", "ui-fanout", "node-1",
		func(_ context.Context, _ Message) error { return nil })
	require.NoError(t, err)
	sub.Unsubscribe()
	b.Close()
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string {
	return "BUSYGROUP Consumer Group name already exists"
}

func TestPayloadBytes(t *testing.T) {
	tests := []struct {
		name     string
		values   map[string]interface{}
		expected []byte
	}{
		{"string", map[string]interface{}{payloadField: "abc"}, []byte("abc")},
		{"bytes", map[string]interface{}{payloadField: []byte("abc")}, []byte("abc")},
		{"missing", map[string]interface{}{}, nil},
		{"mistyped", map[string]interface{}{payloadField: 42}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, payloadBytes(tt.values))
		})
	}
}
