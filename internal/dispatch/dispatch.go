// Package dispatch hands alert firings to the external notifier over
// Kafka. The queue is asynchronous and bounded so a slow or down
// notifier never stalls rule evaluation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"wattboard/internal/config"
	"wattboard/internal/logger"
	"wattboard/internal/metrics"
	"wattboard/internal/models"
)

var (
	ErrQueueClosed     = errors.New("dispatch queue is closed")
	ErrQueueFull       = errors.New("dispatch queue is full")
	ErrSerializeFailed = errors.New("failed to serialize dispatch")
)

// messageWriter is the slice of *kafka.Writer the queue uses, split
// out so tests can substitute a fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FailureHandler is called after a dispatch exhausts its retries, with
// the firing it belonged to. Used to surface delivery failure in the
// alert history.
type FailureHandler func(firingID string, err error)

// Queue buffers firing notifications and publishes them to the
// notifier topic with a pool of writers. Enqueue has a bounded
// timeout; publishing retries with exponential backoff and a capped
// attempt count.
type Queue struct {
	cfg       config.DispatchConfig
	writers   []messageWriter
	pool      chan messageWriter
	ch        chan *models.Dispatch
	onFailure FailureHandler
	closed    atomic.Bool
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New creates the queue and starts its drain workers.
func New(cfg config.DispatchConfig, onFailure FailureHandler) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	writers := make([]messageWriter, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{}, // Partition by alert
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  1, // Retry policy lives in the queue
			Async:        false,
		}
	}
	return newQueue(cfg, onFailure, writers), nil
}

func newQueue(cfg config.DispatchConfig, onFailure FailureHandler, writers []messageWriter) *Queue {
	if onFailure == nil {
		onFailure = func(string, error) {}
	}
	q := &Queue{
		cfg:       cfg,
		writers:   writers,
		pool:      make(chan messageWriter, len(writers)),
		ch:        make(chan *models.Dispatch, cfg.QueueSize),
		onFailure: onFailure,
	}
	for _, w := range writers {
		q.pool <- w
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < len(writers); i++ {
		q.wg.Add(1)
		go q.drain(ctx)
	}
	return q
}

// Enqueue adds one dispatch to the queue, waiting at most the
// configured enqueue timeout when the queue is full. It returns before
// delivery; the engine never awaits confirmation.
func (q *Queue) Enqueue(d *models.Dispatch) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case q.ch <- d:
		metrics.DispatchQueueSize.Set(float64(len(q.ch)))
		return nil
	default:
	}

	timer := time.NewTimer(q.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case q.ch <- d:
		metrics.DispatchQueueSize.Set(float64(len(q.ch)))
		return nil
	case <-timer.C:
		q.failed.Add(1)
		metrics.DispatchPublishTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()
	log := logger.WithComponent("dispatch")

	for d := range q.ch {
		metrics.DispatchQueueSize.Set(float64(len(q.ch)))
		start := time.Now()
		err := q.publish(ctx, d)
		metrics.DispatchPublishDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			q.failed.Add(1)
			metrics.DispatchPublishTotal.WithLabelValues("failed").Inc()
			log.Error().Err(err).
				Str("alert_id", d.AlertID).
				Str("channel", string(d.Channel)).
				Msg("dispatch publish failed after all retries")
			q.onFailure(d.Context["firing_id"], err)
			continue
		}
		q.sent.Add(1)
		metrics.DispatchPublishTotal.WithLabelValues("success").Inc()
	}
}

func (q *Queue) publish(ctx context.Context, d *models.Dispatch) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	msg := kafka.Message{
		Key:   []byte(d.AlertID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(d.AlertID)},
			{Key: "channel", Value: []byte(d.Channel)},
		},
		Time: d.Ts,
	}

	var w messageWriter
	select {
	case w = <-q.pool:
		defer func() { q.pool <- w }()
	case <-ctx.Done():
		return ctx.Err()
	}

	return q.publishWithRetry(ctx, w, msg)
}

// publishWithRetry publishes a single message with exponential backoff.
func (q *Queue) publishWithRetry(ctx context.Context, w messageWriter, msg kafka.Message) error {
	log := logger.WithComponent("dispatch")
	var lastErr error
	backoff := q.cfg.RetryBackoff

	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying dispatch publish")
			metrics.DispatchRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := w.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", q.cfg.MaxRetries+1, lastErr)
}

// Close stops intake, drains buffered dispatches and closes the
// writers.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	close(q.ch)
	q.wg.Wait()
	q.cancel()

	var errs []error
	for _, w := range q.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing writers: %v", errs)
	}
	return nil
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Sent:    q.sent.Load(),
		Failed:  q.failed.Load(),
		Pending: len(q.ch),
	}
}

// Stats holds dispatch queue counters.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Pending int
}

// HealthCheck reports whether a writer can be checked out.
func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case w := <-q.pool:
		q.pool <- w
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
