// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/routemq/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMessageStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ms := s.Messages()

	msg := &storage.Message{Topic: "a/b", Payload: []byte("hello"), QoS: 1, PacketID: 7}
	require.NoError(t, ms.Store("c1/inflight/7", msg))

	got, err := ms.Get("c1/inflight/7")
	require.NoError(t, err)
	assert.Equal(t, msg.Topic, got.Topic)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.PacketID, got.PacketID)

	_, err = ms.Get("c1/inflight/8")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ms.Delete("c1/inflight/7"))
	_, err = ms.Get("c1/inflight/7")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessageStoreQueueOrder(t *testing.T) {
	s := newTestStore(t)
	ms := s.Messages()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("c1/queue/%010d", i)
		require.NoError(t, ms.Store(key, &storage.Message{Topic: fmt.Sprintf("t/%d", i)}))
	}

	msgs, err := ms.List("c1/queue/")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("t/%d", i), msg.Topic)
	}

	require.NoError(t, ms.DeleteByPrefix("c1/"))
	msgs, err = ms.List("c1/")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSessionStorePersistence(t *testing.T) {
	s := newTestStore(t)
	ss := s.Sessions()

	now := time.Now().Truncate(time.Second)
	sess := &storage.Session{
		ClientID:       "c1",
		ExpiryInterval: 300,
		ConnectedAt:    now,
		Connected:      true,
	}
	require.NoError(t, ss.Save(sess))

	got, err := ss.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint32(300), got.ExpiryInterval)
	assert.True(t, got.Connected)

	sessions, err := ss.List()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionStoreGetExpired(t *testing.T) {
	s := newTestStore(t)
	ss := s.Sessions()
	now := time.Now()

	require.NoError(t, ss.Save(&storage.Session{
		ClientID:       "old",
		ExpiryInterval: 1,
		DisconnectedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, ss.Save(&storage.Session{
		ClientID:       "immortal",
		ExpiryInterval: 0xFFFFFFFF,
		DisconnectedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, ss.Save(&storage.Session{
		ClientID:       "live",
		ExpiryInterval: 1,
		Connected:      true,
	}))

	expired, err := ss.GetExpired(now)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, expired)
}

func TestSubscriptionStorePersistence(t *testing.T) {
	s := newTestStore(t)
	subs := s.Subscriptions()

	require.NoError(t, subs.Add(&storage.Subscription{ClientID: "c1", Filter: "a/+", QoS: 1}))
	require.NoError(t, subs.Add(&storage.Subscription{ClientID: "c1", Filter: "b/#", QoS: 2}))
	require.NoError(t, subs.Add(&storage.Subscription{ClientID: "c2", Filter: "a/b", QoS: 0}))
	assert.Equal(t, 3, subs.Count())

	// Replacing is not a new subscription.
	require.NoError(t, subs.Add(&storage.Subscription{ClientID: "c1", Filter: "a/+", QoS: 0}))
	assert.Equal(t, 3, subs.Count())

	forClient, err := subs.GetForClient("c1")
	require.NoError(t, err)
	assert.Len(t, forClient, 2)

	matched, err := subs.Match("a/b")
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	require.NoError(t, subs.Remove("c2", "a/b"))
	assert.Equal(t, 2, subs.Count())

	require.NoError(t, subs.RemoveAll("c1"))
	assert.Equal(t, 0, subs.Count())
}

func TestRetainedStorePersistence(t *testing.T) {
	s := newTestStore(t)
	rs := s.Retained()
	ctx := context.Background()

	require.NoError(t, rs.Set(ctx, "a/b", &storage.Message{Topic: "a/b", Payload: []byte("v1"), Retain: true}))
	require.NoError(t, rs.Set(ctx, "a/c", &storage.Message{Topic: "a/c", Payload: []byte("v2"), Retain: true}))

	got, err := rs.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Payload)

	msgs, err := rs.Match(ctx, "a/+")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// Empty payload clears.
	require.NoError(t, rs.Set(ctx, "a/b", &storage.Message{Topic: "a/b"}))
	_, err = rs.Get(ctx, "a/b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWillStorePersistence(t *testing.T) {
	s := newTestStore(t)
	ws := s.wills
	ctx := context.Background()

	will := &storage.WillMessage{ClientID: "c1", Topic: "dead/c1", Payload: []byte("bye"), QoS: 1}
	require.NoError(t, ws.Set(ctx, "c1", will))

	got, err := ws.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "dead/c1", got.Topic)

	// Not pending until the client disconnects.
	pending, err := ws.GetPending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, ws.MarkDisconnected("c1"))
	pending, err = ws.GetPending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ClientID)

	require.NoError(t, ws.Delete(ctx, "c1"))
	_, err = ws.Get(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Sessions().Save(&storage.Session{ClientID: "c1", ExpiryInterval: 60}))
	require.NoError(t, s.Subscriptions().Add(&storage.Subscription{ClientID: "c1", Filter: "a/#", QoS: 1}))
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Sessions().Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint32(60), sess.ExpiryInterval)
	assert.Equal(t, 1, s.Subscriptions().Count())
}
