package messages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/routemq/storage"
)

func TestInflightAddAck(t *testing.T) {
	tr := NewTracker(10)

	msg := &storage.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}
	require.NoError(t, tr.Add(1, msg, Outbound))
	require.True(t, tr.Has(1))
	require.Equal(t, 1, tr.Count())

	got, err := tr.Ack(1)
	require.NoError(t, err)
	assert.Equal(t, "a/b", got.Topic)
	assert.False(t, tr.Has(1))

	_, err = tr.Ack(1)
	assert.ErrorIs(t, err, ErrPacketNotFound)
}

func TestInflightCapacity(t *testing.T) {
	tr := NewTracker(2)

	require.NoError(t, tr.Add(1, &storage.Message{}, Outbound))
	require.NoError(t, tr.Add(2, &storage.Message{}, Outbound))
	assert.ErrorIs(t, tr.Add(3, &storage.Message{}, Outbound), ErrInflightFull)
}

func TestInflightStateTransitions(t *testing.T) {
	tr := NewTracker(10)
	require.NoError(t, tr.Add(7, &storage.Message{QoS: 2}, Outbound))

	m, ok := tr.Get(7)
	require.True(t, ok)
	assert.Equal(t, StatePublishSent, m.State)

	require.NoError(t, tr.UpdateState(7, StatePubRecReceived))
	m, ok = tr.Get(7)
	require.True(t, ok)
	assert.Equal(t, StatePubRecReceived, m.State)

	assert.ErrorIs(t, tr.UpdateState(99, StatePublishSent), ErrPacketNotFound)
}

func TestInflightReceivedIDs(t *testing.T) {
	tr := NewTracker(10)

	assert.False(t, tr.WasReceived(5))
	tr.MarkReceived(5)
	assert.True(t, tr.WasReceived(5))
	tr.ClearReceived(5)
	assert.False(t, tr.WasReceived(5))
}

func TestInflightExpiryAndRetry(t *testing.T) {
	tr := NewTracker(10)
	require.NoError(t, tr.Add(1, &storage.Message{Topic: "t"}, Outbound))

	assert.Empty(t, tr.GetExpired(time.Minute))
	expired := tr.GetExpired(0)
	require.Len(t, expired, 1)
	assert.Equal(t, uint16(1), expired[0].PacketID)

	require.NoError(t, tr.MarkRetry(1))
	m, ok := tr.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, m.Retries)

	assert.ErrorIs(t, tr.MarkRetry(42), ErrPacketNotFound)
}

func TestInflightGetReturnsCopy(t *testing.T) {
	tr := NewTracker(10)
	require.NoError(t, tr.Add(1, &storage.Message{}, Outbound))

	m, ok := tr.Get(1)
	require.True(t, ok)
	m.State = StatePubRecReceived

	orig, ok := tr.Get(1)
	require.True(t, ok)
	assert.Equal(t, StatePublishSent, orig.State)
}
