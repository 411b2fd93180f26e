package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicCampaignDispatch carries DispatchJob payloads.
const TopicCampaignDispatch = "campaign_dispatch"

// DispatchJob asks a consumer to run one dispatch for a campaign.
type DispatchJob struct {
	CampaignID int `json:"campaign_id"`
}

// Handler consumes one message body. Returning an error wrapped with
// Permanent drops the message; any other error is retried.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, handler Handler) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// InMemoryQueue runs handlers on goroutines inside the publishing process,
// retrying failed jobs with linear backoff.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	wg         sync.WaitGroup
	log        *zap.Logger
	MaxRetries int
	Backoff    func(attempt int) time.Duration
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(maxRetries int, log *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		log:        log,
		MaxRetries: maxRetries,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*500) * time.Millisecond
		},
	}
}

// job wraps a message body with retry info
type job struct {
	topic      string
	body       []byte
	retryCount int
}

// Publish hands the payload to every subscriber of topic. The handlers run
// detached from ctx's cancellation so a finished HTTP request does not abort
// the dispatch it triggered.
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(detached, handler, job{topic: topic, body: body})
	}

	return nil
}

func (q *InMemoryQueue) processJob(ctx context.Context, handler Handler, j job) {
	defer q.wg.Done()

	for {
		err := handler(ctx, j.body)
		if err == nil {
			q.log.Debug("✅ Job processed", zap.String("topic", j.topic), zap.Int("retries", j.retryCount))
			return // ACK
		}

		if IsPermanent(err) {
			q.log.Warn("⚠️ Job dropped", zap.String("topic", j.topic), zap.Error(err))
			return
		}

		j.retryCount++
		if j.retryCount > q.MaxRetries {
			q.log.Error("❌ Job permanently failed",
				zap.String("topic", j.topic),
				zap.Int("attempts", j.retryCount),
				zap.Error(err))
			return // No requeue
		}

		q.log.Warn("⚠️ Job failed, retrying",
			zap.String("topic", j.topic),
			zap.Int("attempt", j.retryCount),
			zap.Int("max_retries", q.MaxRetries),
			zap.Error(err))
		time.Sleep(q.Backoff(j.retryCount))
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, including retries.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Close is a no-op; in-flight jobs are drained with Wait.
func (q *InMemoryQueue) Close() error {
	return nil
}

var _ Broker = (*InMemoryQueue)(nil)
