// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/routemq/broker/events"
	"github.com/absmach/routemq/config"
	"github.com/absmach/routemq/topics"
)

var _ Notifier = (*GenericNotifier)(nil)

// GenericNotifier fans events out to endpoints through a bounded queue
// and a worker pool. Each endpoint has its own circuit breaker so one
// failing receiver doesn't stall the others.
type GenericNotifier struct {
	cfg        config.WebhookConfig
	brokerID   string
	endpoints  []endpointConfig
	eventQueue chan eventJob
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retry        config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a notifier and starts its worker pool.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:        cfg,
		brokerID:   brokerID,
		endpoints:  endpoints,
		eventQueue: make(chan eventJob, cfg.QueueSize),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues the event for every matching endpoint.
func (n *GenericNotifier) Notify(_ context.Context, ev events.Event) error {
	for _, endpoint := range n.endpoints {
		if !n.shouldNotify(endpoint, ev) {
			continue
		}

		job := eventJob{event: ev, endpoint: endpoint}
		select {
		case n.eventQueue <- job:
		default:
			n.handleFullQueue(job)
		}
	}
	return nil
}

// handleFullQueue applies the drop policy: "oldest" makes room by
// discarding the head, "newest" discards the incoming job.
func (n *GenericNotifier) handleFullQueue(job eventJob) {
	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.eventQueue:
		default:
		}
		select {
		case n.eventQueue <- job:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", job.event.Type()),
		slog.String("endpoint", job.endpoint.name))
}

func (n *GenericNotifier) shouldNotify(endpoint endpointConfig, event events.Event) bool {
	if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[event.Type()] {
		return false
	}

	if event.Topic() != "" && len(endpoint.topicFilters) > 0 {
		for _, filter := range endpoint.topicFilters {
			if topics.Match(filter, event.Topic()) {
				return true
			}
		}
		return false
	}
	return true
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob sends one webhook through the endpoint's circuit breaker
// and schedules a retry with exponential backoff on failure.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		select {
		case n.eventQueue <- job:
		default:
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func (n *GenericNotifier) send(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))
	return nil
}

func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close shuts down the notifier, waiting up to the shutdown timeout for
// in-flight deliveries.
func (n *GenericNotifier) Close() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.eventQueue)))
	}
	return nil
}

// NoopNotifier discards all events. Used when webhooks are disabled.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, events.Event) error { return nil }
func (NoopNotifier) Close() error                               { return nil }
