package messages

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/routemq/storage"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(&storage.Message{Topic: fmt.Sprintf("t/%d", i)}))
	}
	require.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		msg := q.Dequeue()
		require.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("t/%d", i), msg.Topic)
	}
	assert.Nil(t, q.Dequeue())
	assert.True(t, q.IsEmpty())
}

func TestQueueFullDropsNewest(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Enqueue(&storage.Message{Topic: "a"}))
	require.NoError(t, q.Enqueue(&storage.Message{Topic: "b"}))
	require.True(t, q.IsFull())

	err := q.Enqueue(&storage.Message{Topic: "c"})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())

	// Oldest entries survive the drop.
	assert.Equal(t, "a", q.Peek().Topic)
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Enqueue(&storage.Message{Topic: "a"}))
	require.NoError(t, q.Enqueue(&storage.Message{Topic: "b"}))

	msgs := q.Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Topic)
	assert.Equal(t, "b", msgs[1].Topic)
	assert.True(t, q.IsEmpty())
}

func TestQueueCopiesOnEnqueue(t *testing.T) {
	q := NewQueue(10)
	msg := &storage.Message{Topic: "a", Payload: []byte("orig")}
	require.NoError(t, q.Enqueue(msg))

	msg.Payload[0] = 'X'
	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, []byte("orig"), got.Payload)
}
