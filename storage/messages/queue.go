// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messages

import (
	"fmt"
	"sync"

	"github.com/absmach/routemq/storage"
)

// Queue defines operations on an offline message queue.
type Queue interface {
	Enqueue(msg *storage.Message) error
	Dequeue() *storage.Message
	Peek() *storage.Message
	Len() int
	IsEmpty() bool
	IsFull() bool
	Dropped() uint64
	Drain() []*storage.Message
	Messages() []*storage.Message
}

// queue buffers QoS > 0 messages for disconnected persistent sessions.
// FIFO; when full the newest message is dropped and counted.
type queue struct {
	mu       sync.Mutex
	messages []*storage.Message
	maxSize  int
	dropped  uint64
}

// NewQueue creates an offline queue bounded to maxSize messages.
func NewQueue(maxSize int) Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &queue{
		messages: make([]*storage.Message, 0),
		maxSize:  maxSize,
	}
}

// Enqueue appends a message. Returns ErrQueueFull (and counts the drop)
// when the queue is at capacity.
func (q *queue) Enqueue(msg *storage.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.maxSize {
		q.dropped++
		return fmt.Errorf("enqueue message for topic %s (current: %d, max: %d): %w",
			msg.Topic, len(q.messages), q.maxSize, ErrQueueFull)
	}

	q.messages = append(q.messages, storage.CopyMessage(msg))
	return nil
}

// Dequeue removes and returns the oldest message, nil when empty.
func (q *queue) Dequeue() *storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg
}

// Peek returns the oldest message without removing it.
func (q *queue) Peek() *storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil
	}
	return q.messages[0]
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) == 0
}

func (q *queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) >= q.maxSize
}

// Dropped returns how many messages were rejected because the queue was full.
func (q *queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Messages returns a snapshot of the queue in FIFO order without
// removing anything. Used to persist the queue at disconnect.
func (q *queue) Messages() []*storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*storage.Message(nil), q.messages...)
}

// Drain removes and returns all messages in FIFO order.
func (q *queue) Drain() []*storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.messages
	q.messages = make([]*storage.Message, 0)
	return msgs
}
