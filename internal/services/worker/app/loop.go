package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/idproof/internal/services/idv/storage"
	workerdomain "github.com/louisbranch/idproof/internal/services/worker/domain"
)

const (
	defaultConsumer      = "idproof-worker"
	defaultPollInterval  = 2 * time.Second
	defaultLeaseTTL      = 2 * time.Minute
	defaultBatchSize     = 10
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = 5 * time.Second
	defaultRetryMaxDelay = 5 * time.Minute
)

// Outcome is the acknowledgement sent for one processed event.
type Outcome int

const (
	OutcomeUnspecified Outcome = iota
	OutcomeSucceeded
	OutcomeRetry
	OutcomeDead
)

// OutboxStore is the outbox surface the loop consumes.
type OutboxStore interface {
	LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.OutboxEvent, error)
	MarkOutboxSucceeded(ctx context.Context, id, consumer string, processedAt time.Time) error
	MarkOutboxRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error
	MarkOutboxDead(ctx context.Context, id, consumer, lastError string, processedAt time.Time) error
}

// EventHandler processes one leased outbox event.
type EventHandler interface {
	Handle(ctx context.Context, event storage.OutboxEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event storage.OutboxEvent) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event storage.OutboxEvent) error {
	return f(ctx, event)
}

// Attempt is one processing outcome reported to the recorder.
type Attempt struct {
	EventID      string
	EventType    string
	Outcome      Outcome
	AttemptCount int
	Error        string
	Duration     time.Duration
	CreatedAt    time.Time
}

// AttemptRecorder receives every processing outcome.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// Config tunes the processing loop.
type Config struct {
	Consumer      string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	BatchSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = defaultConsumer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = defaultRetryMaxDelay
		if c.RetryMaxDelay < c.RetryBackoff {
			c.RetryMaxDelay = c.RetryBackoff
		}
	}
	return c
}

// retryDelay doubles the base backoff per prior attempt up to the cap.
func (c Config) retryDelay(attempt int) time.Duration {
	delay := c.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return delay
}

// Loop leases outbox events and dispatches them by type.
type Loop struct {
	store    OutboxStore
	recorder AttemptRecorder
	handlers map[string]EventHandler
	cfg      Config
	clock    func() time.Time
}

// New builds a loop. A nil clock uses time.Now.
func New(store OutboxStore, recorder AttemptRecorder, handlers map[string]EventHandler, cfg Config, clock func() time.Time) *Loop {
	if clock == nil {
		clock = time.Now
	}
	registered := make(map[string]EventHandler, len(handlers))
	for eventType, handler := range handlers {
		eventType = strings.TrimSpace(eventType)
		if eventType == "" || handler == nil {
			continue
		}
		registered[eventType] = handler
	}
	return &Loop{
		store:    store,
		recorder: recorder,
		handlers: registered,
		cfg:      cfg.normalized(),
		clock:    clock,
	}
}

// Run polls until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("worker loop is not configured")
	}
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("worker poll: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch and processes it, returning how many events were
// handled.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	events, err := l.store.LeaseOutboxEvents(ctx, l.cfg.Consumer, l.cfg.BatchSize, l.clock().UTC(), l.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox events: %w", err)
	}
	for i, event := range events {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		l.process(ctx, event)
	}
	return len(events), nil
}

func (l *Loop) process(ctx context.Context, event storage.OutboxEvent) {
	started := l.clock()
	attempt := event.AttemptCount + 1

	var handleErr error
	handler, ok := l.handlers[event.EventType]
	if !ok {
		handleErr = workerdomain.Permanent(fmt.Errorf("no handler for event type %q", event.EventType))
	} else {
		handleErr = handler.Handle(ctx, event)
	}

	now := l.clock().UTC()
	outcome := OutcomeSucceeded
	var markErr error
	switch {
	case handleErr == nil:
		markErr = l.store.MarkOutboxSucceeded(ctx, event.ID, l.cfg.Consumer, now)
	case workerdomain.IsPermanent(handleErr) || attempt >= l.cfg.MaxAttempts:
		outcome = OutcomeDead
		markErr = l.store.MarkOutboxDead(ctx, event.ID, l.cfg.Consumer, handleErr.Error(), now)
	default:
		outcome = OutcomeRetry
		markErr = l.store.MarkOutboxRetry(ctx, event.ID, l.cfg.Consumer, now.Add(l.cfg.retryDelay(attempt)), handleErr.Error())
	}
	if markErr != nil {
		if errors.Is(markErr, storage.ErrNotFound) {
			log.Printf("worker lost lease on event %s before ack", event.ID)
		} else {
			log.Printf("ack event %s as %s: %v", event.ID, canonicalOutcomeValue(outcome), markErr)
		}
		return
	}
	if outcome != OutcomeSucceeded {
		log.Printf("event %s (%s) attempt %d: %s: %v", event.ID, event.EventType, attempt, canonicalOutcomeValue(outcome), handleErr)
	}

	if l.recorder == nil {
		return
	}
	record := Attempt{
		EventID:      event.ID,
		EventType:    event.EventType,
		Outcome:      outcome,
		AttemptCount: attempt,
		Duration:     now.Sub(started),
		CreatedAt:    now,
	}
	if handleErr != nil {
		record.Error = handleErr.Error()
	}
	if err := l.recorder.RecordAttempt(ctx, record); err != nil {
		log.Printf("record attempt for event %s: %v", event.ID, err)
	}
}
