// Package analytics ships gateway events to the warehouse. Events flow
// through an in-memory queue that batches them, validates each one, and
// writes batches to a sink with bounded retries; batches that exhaust their
// retries land in a dead-letter store instead of blocking the stream.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Event is the envelope every analytics record travels in.
type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	TenantID  string          `json:"tenant_id"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// valid reports whether the event carries the fields every consumer depends
// on. Malformed events are dropped, never retried.
func (e Event) valid() bool {
	return e.EventID != "" && e.EventType != "" && e.TenantID != ""
}

// Sink persists event batches.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// DeadLetter records a batch that could not be delivered.
type DeadLetter struct {
	Events   []Event
	Reason   string
	FailedAt time.Time
}

// DeadLetterStore keeps undeliverable batches for operator inspection.
type DeadLetterStore struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

func (s *DeadLetterStore) Add(letter DeadLetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
}

func (s *DeadLetterStore) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

const (
	queueBufferSize = 10000
	queueBatchSize  = 100
	queueFlushEvery = time.Second
	writeTimeout    = 10 * time.Second
	maxAttempts     = 3
)

// Queue batches events and delivers them to the sink. A single goroutine
// owns batching and delivery, so writes are naturally single-flight.
type Queue struct {
	ch           chan Event
	wg           sync.WaitGroup
	sink         Sink
	dlq          *DeadLetterStore
	logger       *zap.SugaredLogger
	retryBackoff time.Duration
}

func NewQueue(sink Sink, dlq *DeadLetterStore, logger *zap.SugaredLogger) *Queue {
	queue := &Queue{
		ch:           make(chan Event, queueBufferSize),
		sink:         sink,
		dlq:          dlq,
		logger:       logger,
		retryBackoff: 250 * time.Millisecond,
	}
	queue.wg.Add(1)
	go queue.drain()
	return queue
}

// Publish enqueues an event without blocking. Invalid events are dropped at
// the door; a full buffer drops the event with a warning.
func (q *Queue) Publish(event Event) {
	if !event.valid() {
		q.logger.Warnw("dropping malformed analytics event",
			"eventId", event.EventID, "eventType", event.EventType, "tenant", event.TenantID)
		return
	}
	select {
	case q.ch <- event:
	default:
		q.logger.Warnw("analytics buffer full, dropping event",
			"eventId", event.EventID, "eventType", event.EventType)
	}
}

// Close flushes pending events and stops the delivery goroutine.
func (q *Queue) Close() {
	close(q.ch)
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()

	batch := make([]Event, 0, queueBatchSize)
	ticker := time.NewTicker(queueFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-q.ch:
			if !ok {
				if len(batch) > 0 {
					q.deliver(batch)
				}
				return
			}
			batch = append(batch, event)
			if len(batch) >= queueBatchSize {
				q.deliver(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				q.deliver(batch)
				batch = batch[:0]
			}
		}
	}
}

// deliver writes the batch with bounded retries, then dead-letters it.
func (q *Queue) deliver(batch []Event) {
	events := make([]Event, len(batch))
	copy(events, batch)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		lastErr = q.sink.Write(ctx, events)
		cancel()
		if lastErr == nil {
			return
		}
		q.logger.Warnw("analytics write failed",
			"attempt", attempt, "size", len(events), "error", lastErr)
		if attempt < maxAttempts {
			time.Sleep(q.retryBackoff * time.Duration(attempt))
		}
	}

	q.logger.Errorw("analytics batch exhausted retries, dead-lettering",
		"size", len(events), "error", lastErr)
	q.dlq.Add(DeadLetter{
		Events:   events,
		Reason:   lastErr.Error(),
		FailedAt: time.Now(),
	})
}
