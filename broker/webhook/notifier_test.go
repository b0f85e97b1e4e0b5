// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/config"
)

type captureSender struct {
	mu       sync.Mutex
	payloads [][]byte
	urls     []string
	fail     bool
}

func (s *captureSender) Send(_ context.Context, url string, _ map[string]string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assert.AnError
	}
	s.urls = append(s.urls, url)
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     100 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 3,
				ResetTimeout:     time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifierDeliversEnvelope(t *testing.T) {
	sender := &captureSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name: "all", Type: "http", URL: "http://example/hook",
	}), "broker-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
	waitFor(t, func() bool { return sender.count() == 1 })

	var env events.Envelope
	require.NoError(t, json.Unmarshal(sender.payloads[0], &env))
	assert.Equal(t, events.TypeClientConnected, env.EventType)
	assert.Equal(t, "broker-1", env.BrokerID)
	assert.NotEmpty(t, env.EventID)
}

func TestNotifierEventTypeFilter(t *testing.T) {
	sender := &captureSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name: "pubs", Type: "http", URL: "http://example/hook",
		Events: []string{events.TypeMessagePublished},
	}), "broker-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
	require.NoError(t, n.Notify(context.Background(), events.MessagePublished{ClientID: "c1", MessageTopic: "a/b"}))
	waitFor(t, func() bool { return sender.count() == 1 })

	var env events.Envelope
	require.NoError(t, json.Unmarshal(sender.payloads[0], &env))
	assert.Equal(t, events.TypeMessagePublished, env.EventType)
}

func TestNotifierTopicFilter(t *testing.T) {
	sender := &captureSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name: "sensors", Type: "http", URL: "http://example/hook",
		TopicFilters: []string{"sensors/#"},
	}), "broker-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.MessagePublished{MessageTopic: "other/x"}))
	require.NoError(t, n.Notify(context.Background(), events.MessagePublished{MessageTopic: "sensors/temp"}))
	waitFor(t, func() bool { return sender.count() == 1 })
}

func TestRetryDelayBackoff(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	}

	assert.Equal(t, 200*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 400*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}

func TestNotifierRejectsNilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "broker-1", nil, nil)
	require.Error(t, err)
}
