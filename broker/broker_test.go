// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/routemq/config"
	"github.com/absmach/routemq/packets"
	"github.com/absmach/routemq/session"
	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/storage/memory"
)

// fakeConn records written packets and serves reads from a channel.
type fakeConn struct {
	mu      sync.Mutex
	written []packets.ControlPacket
	readCh  chan packets.ControlPacket
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan packets.ControlPacket, 16)}
}

func (c *fakeConn) ReadPacket() (packets.ControlPacket, error) {
	pkt, ok := <-c.readCh
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

func (c *fakeConn) WritePacket(p packets.ControlPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.written = append(c.written, p)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4321}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) packets() []packets.ControlPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]packets.ControlPacket(nil), c.written...)
}

// packetsAfterConnack skips the CONNACK written during connect.
func (c *fakeConn) packetsAfterConnack() []packets.ControlPacket {
	pkts := c.packets()
	if len(pkts) == 0 {
		return nil
	}
	return pkts[1:]
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	cfg := config.Default()
	cfg.Broker.SysInterval = 0
	b, err := New(cfg, memory.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connect(t *testing.T, b *Broker, clientID string, opts ...func(*packets.Connect)) (*session.Session, *fakeConn) {
	t.Helper()

	pkt := &packets.Connect{ClientID: clientID, CleanStart: true}
	for _, opt := range opts {
		opt(pkt)
	}
	conn := newFakeConn()
	s, err := b.HandleConnect(context.Background(), conn, pkt)
	require.NoError(t, err)

	pkts := conn.packets()
	require.NotEmpty(t, pkts)
	_, ok := pkts[0].(*packets.Connack)
	require.True(t, ok, "first packet must be CONNACK")
	return s, conn
}

func subscribe(t *testing.T, b *Broker, s *session.Session, filter string, qos byte, opts ...func(*packets.SubscribeOptions)) {
	t.Helper()

	subOpts := packets.SubscribeOptions{QoS: qos}
	for _, opt := range opts {
		opt(&subOpts)
	}
	err := b.HandleSubscribe(context.Background(), s, &packets.Subscribe{
		PacketID:      1,
		Subscriptions: []packets.Subscription{{Filter: filter, Options: subOpts}},
	})
	require.NoError(t, err)
}

func publishes(pkts []packets.ControlPacket) []*packets.Publish {
	var pubs []*packets.Publish
	for _, p := range pkts {
		if pub, ok := p.(*packets.Publish); ok {
			pubs = append(pubs, pub)
		}
	}
	return pubs
}

func TestPublishRoundTripQoS0(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connect(t, b, "pub")
	_, subConn := connect(t, b, "sub")
	subscribe(t, b, b.sessions.Get("sub"), "sensors/+/temp", 0)

	err := b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic:   "sensors/dev1/temp",
		Payload: []byte("21.5"),
	})
	require.NoError(t, err)

	pubs := publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	assert.Equal(t, "sensors/dev1/temp", pubs[0].Topic)
	assert.Equal(t, []byte("21.5"), pubs[0].Payload)
	assert.Equal(t, byte(0), pubs[0].QoS)
}

func TestPublishQoS1AcksAndDelivers(t *testing.T) {
	b := newTestBroker(t)
	pub, pubConn := connect(t, b, "pub")
	_, subConn := connect(t, b, "sub")
	sub := b.sessions.Get("sub")
	subscribe(t, b, sub, "a/b", 1)

	err := b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic:    "a/b",
		Payload:  []byte("x"),
		QoS:      1,
		PacketID: 7,
	})
	require.NoError(t, err)

	// Publisher gets PUBACK for its packet ID.
	acks := pubConn.packetsAfterConnack()
	require.Len(t, acks, 1)
	ack, ok := acks[0].(*packets.PubAck)
	require.True(t, ok)
	assert.Equal(t, uint16(7), ack.PacketID)
	assert.Equal(t, packets.ReasonSuccess, ack.ReasonCode)

	// Subscriber gets the message under a broker-assigned packet ID.
	pubs := publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	assert.Equal(t, byte(1), pubs[0].QoS)
	require.NotZero(t, pubs[0].PacketID)
	require.True(t, sub.Inflight.Has(pubs[0].PacketID))

	// The subscriber's PUBACK completes the exchange.
	require.NoError(t, b.HandlePubAck(sub, &packets.PubAck{PacketID: pubs[0].PacketID}))
	assert.False(t, sub.Inflight.Has(pubs[0].PacketID))
}

func TestPublishQoS1NoMatchingSubscribers(t *testing.T) {
	b := newTestBroker(t)
	pub, pubConn := connect(t, b, "pub")

	require.NoError(t, b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic: "nobody/home", QoS: 1, PacketID: 3,
	}))

	acks := pubConn.packetsAfterConnack()
	require.Len(t, acks, 1)
	assert.Equal(t, packets.ReasonNoMatchingSubs, acks[0].(*packets.PubAck).ReasonCode)
}

func TestPublishQoS2ExactlyOnce(t *testing.T) {
	b := newTestBroker(t)
	pub, pubConn := connect(t, b, "pub")
	_, subConn := connect(t, b, "sub")
	subscribe(t, b, b.sessions.Get("sub"), "a/b", 0)

	msg := &packets.Publish{Topic: "a/b", Payload: []byte("x"), QoS: 2, PacketID: 5}
	require.NoError(t, b.HandlePublish(context.Background(), pub, msg))

	// A retransmitted PUBLISH must not be admitted again.
	dup := *msg
	dup.Dup = true
	require.NoError(t, b.HandlePublish(context.Background(), pub, &dup))

	// Nothing reaches subscribers until PUBREL releases the exchange.
	assert.Empty(t, publishes(subConn.packetsAfterConnack()))

	recs := 0
	for _, p := range pubConn.packetsAfterConnack() {
		if _, ok := p.(*packets.PubRec); ok {
			recs++
		}
	}
	assert.Equal(t, 2, recs)

	// PUBREL routes the parked message exactly once and gets a PUBCOMP.
	require.NoError(t, b.HandlePubRel(pub, &packets.PubRel{PacketID: 5}))
	last := pubConn.packets()[len(pubConn.packets())-1]
	comp, ok := last.(*packets.PubComp)
	require.True(t, ok)
	assert.Equal(t, packets.ReasonSuccess, comp.ReasonCode)
	assert.False(t, pub.Inflight.WasReceived(5))
	assert.Len(t, publishes(subConn.packetsAfterConnack()), 1)

	// A second PUBREL is answered but flagged as unknown, with no
	// further delivery.
	require.NoError(t, b.HandlePubRel(pub, &packets.PubRel{PacketID: 5}))
	last = pubConn.packets()[len(pubConn.packets())-1]
	assert.Equal(t, packets.ReasonPacketIDNotFound, last.(*packets.PubComp).ReasonCode)
	assert.Len(t, publishes(subConn.packetsAfterConnack()), 1)
}

func TestSubscriptionQoSCapsDelivery(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connect(t, b, "pub")
	_, subConn := connect(t, b, "sub")
	subscribe(t, b, b.sessions.Get("sub"), "a/b", 0)

	require.NoError(t, b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic: "a/b", QoS: 2, PacketID: 9,
	}))
	require.NoError(t, b.HandlePubRel(pub, &packets.PubRel{PacketID: 9}))

	pubs := publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	assert.Equal(t, byte(0), pubs[0].QoS)
	assert.Zero(t, pubs[0].PacketID)
}

func TestNoLocalSuppressesOwnMessages(t *testing.T) {
	b := newTestBroker(t)
	s, conn := connect(t, b, "c1")
	subscribe(t, b, s, "chat/room", 0, func(o *packets.SubscribeOptions) { o.NoLocal = true })

	require.NoError(t, b.HandlePublish(context.Background(), s, &packets.Publish{
		Topic: "chat/room", Payload: []byte("hi"),
	}))

	assert.Empty(t, publishes(conn.packetsAfterConnack()))
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connect(t, b, "pub")

	require.NoError(t, b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic: "status/dev1", Payload: []byte("online"), Retain: true,
	}))

	_, subConn := connect(t, b, "sub")
	subscribe(t, b, b.sessions.Get("sub"), "status/+", 0)

	pubs := publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	assert.Equal(t, "status/dev1", pubs[0].Topic)
	assert.True(t, pubs[0].Retain, "replayed retained message carries the retain flag")
}

func TestRetainHandlingSuppressesReplay(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connect(t, b, "pub")
	require.NoError(t, b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic: "status/dev1", Payload: []byte("online"), Retain: true,
	}))

	// Retain handling 2: never replay.
	_, never := connect(t, b, "never")
	subscribe(t, b, b.sessions.Get("never"), "status/+", 0,
		func(o *packets.SubscribeOptions) { o.RetainHandling = 2 })
	assert.Empty(t, publishes(never.packetsAfterConnack()))

	// Retain handling 1: replay only for new subscriptions.
	sOnce, once := connect(t, b, "once")
	subscribe(t, b, sOnce, "status/+", 0,
		func(o *packets.SubscribeOptions) { o.RetainHandling = 1 })
	assert.Len(t, publishes(once.packetsAfterConnack()), 1)

	subscribe(t, b, sOnce, "status/+", 0,
		func(o *packets.SubscribeOptions) { o.RetainHandling = 1 })
	assert.Len(t, publishes(once.packetsAfterConnack()), 1, "resubscribe must not replay")
}

func TestEmptyRetainedPayloadClears(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connect(t, b, "pub")
	ctx := context.Background()

	require.NoError(t, b.HandlePublish(ctx, pub, &packets.Publish{
		Topic: "status/dev1", Payload: []byte("online"), Retain: true,
	}))
	require.NoError(t, b.HandlePublish(ctx, pub, &packets.Publish{
		Topic: "status/dev1", Retain: true,
	}))

	_, subConn := connect(t, b, "sub")
	subscribe(t, b, b.sessions.Get("sub"), "status/+", 0)
	assert.Empty(t, publishes(subConn.packetsAfterConnack()))
}

func TestUnsubscribeStopsDeliveryAndReportsMissing(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connect(t, b, "pub")
	s, subConn := connect(t, b, "sub")
	subscribe(t, b, s, "a/b", 0)

	require.NoError(t, b.HandleUnsubscribe(s, &packets.Unsubscribe{PacketID: 2, Filters: []string{"a/b", "x/y"}}))

	pkts := subConn.packetsAfterConnack()
	var unsub *packets.UnsubAck
	for _, p := range pkts {
		if u, ok := p.(*packets.UnsubAck); ok {
			unsub = u
		}
	}
	require.NotNil(t, unsub)
	require.Len(t, unsub.ReasonCodes, 2)
	assert.Equal(t, packets.ReasonSuccess, unsub.ReasonCodes[0])
	assert.Equal(t, packets.ReasonNoSubscription, unsub.ReasonCodes[1])

	require.NoError(t, b.HandlePublish(context.Background(), pub, &packets.Publish{Topic: "a/b"}))
	assert.Empty(t, publishes(subConn.packetsAfterConnack()))
}

func TestSessionTakeover(t *testing.T) {
	b := newTestBroker(t)
	_, first := connect(t, b, "c1")
	_, second := connect(t, b, "c1")

	pkts := first.packetsAfterConnack()
	require.NotEmpty(t, pkts)
	disc, ok := pkts[len(pkts)-1].(*packets.Disconnect)
	require.True(t, ok)
	assert.Equal(t, packets.ReasonSessionTakenOver, disc.ReasonCode)

	s := b.sessions.Get("c1")
	require.NotNil(t, s)
	assert.True(t, s.IsConnected())
	require.NoError(t, s.WritePacket(&packets.PingResp{}))
	assert.NotEmpty(t, second.packetsAfterConnack())
}

func TestOfflineQueueFlushedOnResume(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connect(t, b, "pub")

	s, _ := connect(t, b, "sub", func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = 3600
	})
	subscribe(t, b, s, "a/b", 1)
	s.Disconnect(true)

	require.NoError(t, b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic: "a/b", Payload: []byte("queued"), QoS: 1, PacketID: 11,
	}))
	assert.Equal(t, 1, s.OfflineQueue.Len())

	resumed, conn := connect(t, b, "sub", func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = 3600
	})
	assert.Same(t, s, resumed)

	pubs := publishes(conn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	assert.Equal(t, []byte("queued"), pubs[0].Payload)
	assert.Equal(t, 0, s.OfflineQueue.Len())
}

func TestResumeReportsSessionPresent(t *testing.T) {
	b := newTestBroker(t)

	persistent := func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = 3600
	}
	s, _ := connect(t, b, "c1", persistent)
	s.Disconnect(true)

	_, conn := connect(t, b, "c1", persistent)
	ack := conn.packets()[0].(*packets.Connack)
	assert.True(t, ack.SessionPresent)
}

func TestExpiredSessionDiscardedOnReconnect(t *testing.T) {
	b := newTestBroker(t)

	persistent := func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = 1
	}
	s, _ := connect(t, b, "c1", persistent)
	subscribe(t, b, s, "a/b", 1)
	s.Disconnect(true)

	// Backdate the disconnect so the interval elapsed before the sweep
	// could run.
	s.RestoreFrom(&storage.Session{
		ExpiryInterval: 1,
		DisconnectedAt: time.Now().Add(-2 * time.Second),
	})

	_, conn := connect(t, b, "c1", persistent)
	ack := conn.packets()[0].(*packets.Connack)
	assert.False(t, ack.SessionPresent, "expired session must not be resumed")
	assert.Equal(t, 0, b.router.Count())
}

func TestCleanStartDiscardsState(t *testing.T) {
	b := newTestBroker(t)
	s, _ := connect(t, b, "c1", func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = 3600
	})
	subscribe(t, b, s, "a/b", 1)
	s.Disconnect(true)

	_, conn := connect(t, b, "c1")
	ack := conn.packets()[0].(*packets.Connack)
	assert.False(t, ack.SessionPresent)
	assert.Equal(t, 0, b.router.Count())

	subs, err := b.store.Subscriptions().GetForClient("c1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestEmptyClientIDGetsAssigned(t *testing.T) {
	b := newTestBroker(t)
	s, conn := connect(t, b, "")

	ack := conn.packets()[0].(*packets.Connack)
	assert.NotEmpty(t, ack.AssignedClientID)
	assert.Equal(t, ack.AssignedClientID, s.ID)
}

func TestWillPublishedOnAbnormalDisconnect(t *testing.T) {
	b := newTestBroker(t)
	_, subConn := connect(t, b, "watcher")
	subscribe(t, b, b.sessions.Get("watcher"), "clients/+/status", 0)

	s, _ := connect(t, b, "dev1", func(p *packets.Connect) {
		p.Will = &packets.Will{Topic: "clients/dev1/status", Payload: []byte("gone")}
	})

	s.Disconnect(false)

	pubs := publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	assert.Equal(t, "clients/dev1/status", pubs[0].Topic)
	assert.Equal(t, []byte("gone"), pubs[0].Payload)
}

func TestWillSuppressedOnGracefulDisconnect(t *testing.T) {
	b := newTestBroker(t)
	_, subConn := connect(t, b, "watcher")
	subscribe(t, b, b.sessions.Get("watcher"), "clients/+/status", 0)

	s, _ := connect(t, b, "dev1", func(p *packets.Connect) {
		p.Will = &packets.Will{Topic: "clients/dev1/status", Payload: []byte("gone")}
	})

	b.HandleDisconnect(context.Background(), s, &packets.Disconnect{})
	assert.Empty(t, publishes(subConn.packetsAfterConnack()))
}

func TestDisconnectWithWillPublishes(t *testing.T) {
	b := newTestBroker(t)
	_, subConn := connect(t, b, "watcher")
	subscribe(t, b, b.sessions.Get("watcher"), "clients/+/status", 0)

	s, _ := connect(t, b, "dev1", func(p *packets.Connect) {
		p.Will = &packets.Will{Topic: "clients/dev1/status", Payload: []byte("bye")}
	})

	b.HandleDisconnect(context.Background(), s, &packets.Disconnect{
		ReasonCode: packets.ReasonDisconnectWithWill,
	})

	require.Len(t, publishes(subConn.packetsAfterConnack()), 1)
}

func TestDelayedWillWaitsForTimer(t *testing.T) {
	b := newTestBroker(t)
	_, subConn := connect(t, b, "watcher")
	subscribe(t, b, b.sessions.Get("watcher"), "clients/+/status", 0)

	s, _ := connect(t, b, "dev1", func(p *packets.Connect) {
		p.ExpiryInterval = 3600
		p.CleanStart = false
		p.Will = &packets.Will{Topic: "clients/dev1/status", Payload: []byte("gone"), DelayInterval: 60}
	})

	s.Disconnect(false)
	assert.Empty(t, publishes(subConn.packetsAfterConnack()), "will must wait for its delay")

	// The stored will is pending, not published.
	will, err := b.store.Wills().Get(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, uint32(60), will.Delay)
}

func TestReconnectCancelsPendingWill(t *testing.T) {
	b := newTestBroker(t)
	s, _ := connect(t, b, "dev1", func(p *packets.Connect) {
		p.ExpiryInterval = 3600
		p.CleanStart = false
		p.Will = &packets.Will{Topic: "clients/dev1/status", Payload: []byte("gone"), DelayInterval: 60}
	})
	s.Disconnect(false)

	// Reconnect without a will: nothing must remain pending.
	_, _ = connect(t, b, "dev1", func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = 3600
	})

	pending, err := b.store.Wills().GetPending(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMessageTooLargeRejected(t *testing.T) {
	b := newTestBroker(t)
	b.cfg.Broker.MaxMessageSize = 1024
	pub, pubConn := connect(t, b, "pub")

	require.NoError(t, b.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic: "a/b", Payload: make([]byte, 2048), QoS: 1, PacketID: 1,
	}))

	acks := pubConn.packetsAfterConnack()
	require.Len(t, acks, 1)
	assert.Equal(t, packets.ReasonPacketTooLarge, acks[0].(*packets.PubAck).ReasonCode)
}

func TestSysTopicsHiddenFromWildcards(t *testing.T) {
	b := newTestBroker(t)
	_, all := connect(t, b, "all")
	subscribe(t, b, b.sessions.Get("all"), "#", 0)
	_, sys := connect(t, b, "sys")
	subscribe(t, b, b.sessions.Get("sys"), "$SYS/#", 0)

	b.publishSysStats()

	assert.Empty(t, publishes(all.packetsAfterConnack()))
	assert.NotEmpty(t, publishes(sys.packetsAfterConnack()))
}

func TestBrokerRestartRestoresState(t *testing.T) {
	store := memory.New()
	cfg := config.Default()
	cfg.Broker.SysInterval = 0

	b1, err := New(cfg, store)
	require.NoError(t, err)

	s, _ := connect(t, b1, "sub", func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = packets.ExpiryNever
	})
	subscribe(t, b1, s, "a/b", 1)
	s.Disconnect(true)

	// Queue a message for the offline client, then "restart".
	pub, _ := connect(t, b1, "pub")
	require.NoError(t, b1.HandlePublish(context.Background(), pub, &packets.Publish{
		Topic: "a/b", Payload: []byte("survives"), QoS: 1, PacketID: 1,
	}))
	require.NoError(t, b1.Close())

	b2, err := New(cfg, store)
	require.NoError(t, err)
	require.NoError(t, b2.Start())
	defer b2.Close()

	assert.Equal(t, 1, b2.router.Count(), "subscription restored into the trie")

	_, conn := connect(t, b2, "sub", func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = packets.ExpiryNever
	})
	pubs := publishes(conn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	assert.Equal(t, []byte("survives"), pubs[0].Payload)
}

func TestInboundQoS2DedupSurvivesRestart(t *testing.T) {
	store := memory.New()
	cfg := config.Default()
	cfg.Broker.SysInterval = 0

	persistent := func(p *packets.Connect) {
		p.CleanStart = false
		p.ExpiryInterval = packets.ExpiryNever
	}

	b1, err := New(cfg, store)
	require.NoError(t, err)

	sub, _ := connect(t, b1, "sub", persistent)
	subscribe(t, b1, sub, "a/b", 0)

	pub, _ := connect(t, b1, "pub", persistent)
	msg := &packets.Publish{Topic: "a/b", Payload: []byte("x"), QoS: 2, PacketID: 7}
	require.NoError(t, b1.HandlePublish(context.Background(), pub, msg))
	require.NoError(t, b1.Close())

	b2, err := New(cfg, store)
	require.NoError(t, err)
	require.NoError(t, b2.Start())
	defer b2.Close()

	pub2, _ := connect(t, b2, "pub", persistent)
	require.True(t, pub2.Inflight.WasReceived(7), "unreleased exchange restored")

	_, subConn := connect(t, b2, "sub", persistent)

	// The client retransmits the unreleased PUBLISH after the restart;
	// it stays parked.
	dup := *msg
	dup.Dup = true
	require.NoError(t, b2.HandlePublish(context.Background(), pub2, &dup))
	assert.Empty(t, publishes(subConn.packetsAfterConnack()))

	// PUBREL routes it exactly once.
	require.NoError(t, b2.HandlePubRel(pub2, &packets.PubRel{PacketID: 7}))
	assert.Len(t, publishes(subConn.packetsAfterConnack()), 1)
}

func TestQueuedMessagesKeepOrderAgainstNewPublishes(t *testing.T) {
	b := newTestBroker(t)
	b.cfg.Session.MaxInflightMessages = 1
	pub, _ := connect(t, b, "pub")
	s, subConn := connect(t, b, "sub")
	subscribe(t, b, s, "a/b", 1)

	ctx := context.Background()
	require.NoError(t, b.HandlePublish(ctx, pub, &packets.Publish{
		Topic: "a/b", Payload: []byte("one"), QoS: 1, PacketID: 1,
	}))
	require.NoError(t, b.HandlePublish(ctx, pub, &packets.Publish{
		Topic: "a/b", Payload: []byte("two"), QoS: 1, PacketID: 2,
	}))

	pubs := publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 1)
	require.Equal(t, 1, s.OfflineQueue.Len())

	// The window frees while "two" is still queued; a fresh publish
	// must not overtake it.
	s.Inflight.Remove(pubs[0].PacketID)
	require.NoError(t, b.HandlePublish(ctx, pub, &packets.Publish{
		Topic: "a/b", Payload: []byte("three"), QoS: 1, PacketID: 3,
	}))

	pubs = publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 2)
	assert.Equal(t, []byte("two"), pubs[1].Payload)
	assert.Equal(t, 1, s.OfflineQueue.Len(), "the new message waits behind the queue")
}

func TestAbandonedRetriesReleaseQueuedMessages(t *testing.T) {
	b := newTestBroker(t)
	b.cfg.Session.MaxInflightMessages = 1
	pub, _ := connect(t, b, "pub")
	s, subConn := connect(t, b, "sub")
	subscribe(t, b, s, "a/b", 1)

	ctx := context.Background()
	require.NoError(t, b.HandlePublish(ctx, pub, &packets.Publish{
		Topic: "a/b", Payload: []byte("one"), QoS: 1, PacketID: 1,
	}))
	require.NoError(t, b.HandlePublish(ctx, pub, &packets.Publish{
		Topic: "a/b", Payload: []byte("two"), QoS: 1, PacketID: 2,
	}))
	require.Equal(t, 1, s.OfflineQueue.Len())

	// The subscriber never acks; once the retry budget is spent the
	// exchange is abandoned and the freed identifier serves the queue.
	s.RetryTimeout = 0
	s.MaxRetries = 0
	b.retryTick(s)

	pubs := publishes(subConn.packetsAfterConnack())
	require.Len(t, pubs, 2)
	assert.Equal(t, []byte("two"), pubs[1].Payload)
	assert.Equal(t, 0, s.OfflineQueue.Len())
}
