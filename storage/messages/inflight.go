package messages

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/routemq/storage"
)

// InflightState tracks where a QoS exchange stands.
type InflightState int

const (
	// StatePublishSent: PUBLISH sent, waiting for PUBACK (QoS 1) or PUBREC (QoS 2).
	StatePublishSent InflightState = iota
	// StatePubRecReceived: PUBREC received and PUBREL sent, waiting for PUBCOMP.
	StatePubRecReceived
)

// Direction indicates message direction relative to the broker.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// InflightMessage is a message awaiting acknowledgment.
type InflightMessage struct {
	SentAt    time.Time
	Message   *storage.Message
	State     InflightState
	Retries   int
	Direction Direction
	PacketID  uint16
}

// Inflight defines operations on inflight messages.
type Inflight interface {
	Add(packetID uint16, msg *storage.Message, direction Direction) error
	Ack(packetID uint16) (*storage.Message, error)
	Get(packetID uint16) (*InflightMessage, bool)
	Has(packetID uint16) bool
	Remove(packetID uint16)
	UpdateState(packetID uint16, state InflightState) error
	WasReceived(packetID uint16) bool
	MarkReceived(packetID uint16)
	ClearReceived(packetID uint16)
	GetExpired(timeout time.Duration) []*InflightMessage
	MarkRetry(packetID uint16) error
	GetAll() []*InflightMessage
	Count() int
}

type inflight struct {
	mu       sync.RWMutex
	messages map[uint16]*InflightMessage
	maxSize  int

	// QoS 2 inbound: packet IDs seen but not yet released, for
	// duplicate suppression.
	receivedIDs map[uint16]time.Time
}

// NewTracker creates an inflight tracker bounded to maxSize entries.
func NewTracker(maxSize int) Inflight {
	if maxSize <= 0 {
		maxSize = 65535
	}
	return &inflight{
		messages:    make(map[uint16]*InflightMessage),
		maxSize:     maxSize,
		receivedIDs: make(map[uint16]time.Time),
	}
}

func (t *inflight) Add(packetID uint16, msg *storage.Message, direction Direction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.messages) >= t.maxSize {
		return ErrInflightFull
	}

	t.messages[packetID] = &InflightMessage{
		PacketID:  packetID,
		Message:   msg,
		State:     StatePublishSent,
		SentAt:    time.Now(),
		Direction: direction,
	}
	return nil
}

func (t *inflight) Get(packetID uint16) (*InflightMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

func (t *inflight) Has(packetID uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.messages[packetID]
	return ok
}

func (t *inflight) UpdateState(packetID uint16, state InflightState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("update state for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	msg.State = state
	return nil
}

// Ack acknowledges and removes a message (PUBACK for QoS 1, PUBCOMP for
// QoS 2) and returns what was tracked.
func (t *inflight) Ack(packetID uint16) (*storage.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, fmt.Errorf("ack packet ID %d: %w", packetID, ErrPacketNotFound)
	}

	delete(t.messages, packetID)
	return msg.Message, nil
}

func (t *inflight) Remove(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.messages, packetID)
}

// GetExpired returns copies of messages older than the retry timeout.
func (t *inflight) GetExpired(timeout time.Duration) []*InflightMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	var expired []*InflightMessage
	for _, msg := range t.messages {
		if now.Sub(msg.SentAt) >= timeout {
			cp := *msg
			expired = append(expired, &cp)
		}
	}
	return expired
}

func (t *inflight) MarkRetry(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("mark retry for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	msg.SentAt = time.Now()
	msg.Retries++
	return nil
}

func (t *inflight) GetAll() []*InflightMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*InflightMessage, 0, len(t.messages))
	for _, msg := range t.messages {
		cp := *msg
		result = append(result, &cp)
	}
	return result
}

func (t *inflight) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// MarkReceived records an inbound QoS 2 packet ID for duplicate detection.
func (t *inflight) MarkReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivedIDs[packetID] = time.Now()
}

func (t *inflight) WasReceived(packetID uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.receivedIDs[packetID]
	return ok
}

// ClearReceived drops a received packet ID after PUBCOMP is sent.
func (t *inflight) ClearReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.receivedIDs, packetID)
}
