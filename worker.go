package octoflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// OutboxSender delivers one outbox message to the external transport (message
// broker, webhook fan-out). An error schedules a retry; exhausting retries
// moves the message to the dead letter state.
type OutboxSender interface {
	Send(ctx context.Context, msg *OutboxMessage) error
}

type OutboxSenderFunc func(ctx context.Context, msg *OutboxMessage) error

func (f OutboxSenderFunc) Send(ctx context.Context, msg *OutboxMessage) error {
	return f(ctx, msg)
}

// OutboxDispatcher polls the outbox and pushes pending messages through a
// sender. Multiple dispatchers may run against one database; dequeueing skips
// rows locked by siblings.
type OutboxDispatcher struct {
	store      Store
	txManager  TxManager
	sender     OutboxSender
	metrics    *Metrics
	logger     *slog.Logger
	workerID   string
	interval   time.Duration
	batchSize  int
	maxRetries int
	baseDelay  time.Duration
	strategy   RetryStrategy
	stopCh     chan struct{}
}

type DispatcherOption func(*OutboxDispatcher)

func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(d *OutboxDispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

func WithBatchSize(size int) DispatcherOption {
	return func(d *OutboxDispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

func WithMaxRetries(n int) DispatcherOption {
	return func(d *OutboxDispatcher) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

func WithRetryBackoff(strategy RetryStrategy, baseDelay time.Duration) DispatcherOption {
	return func(d *OutboxDispatcher) {
		d.strategy = strategy
		if baseDelay > 0 {
			d.baseDelay = baseDelay
		}
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *OutboxDispatcher) {
		d.logger = logger
	}
}

func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *OutboxDispatcher) {
		d.metrics = metrics
	}
}

func NewOutboxDispatcher(txManager TxManager, store Store, sender OutboxSender, opts ...DispatcherOption) *OutboxDispatcher {
	d := &OutboxDispatcher{
		store:      store,
		txManager:  txManager,
		sender:     sender,
		logger:     slog.Default(),
		workerID:   uuid.NewString(),
		interval:   time.Second,
		batchSize:  50,
		maxRetries: 5,
		baseDelay:  5 * time.Second,
		strategy:   RetryStrategyExponential,
		stopCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started", "worker_id", d.workerID)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopping: context cancelled", "worker_id", d.workerID)

			return
		case <-d.stopCh:
			d.logger.Info("outbox dispatcher stopping: stop signal received", "worker_id", d.workerID)

			return
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil {
				d.logger.Error("outbox dispatch failed", "worker_id", d.workerID, "error", err)
			}
		}
	}
}

func (d *OutboxDispatcher) Stop() {
	close(d.stopCh)
}

// DispatchPending processes one batch of due messages and reports how many
// were delivered.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context) (int, error) {
	dispatched := 0

	err := d.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		msgs, err := d.store.DequeueDueOutbox(ctx, d.batchSize)
		if err != nil {
			return err
		}

		for _, msg := range msgs {
			if err := d.dispatchOne(ctx, msg); err != nil {
				return err
			}
			if msg.ProcessedAt != nil {
				dispatched++
			}
		}

		return nil
	})

	return dispatched, err
}

func (d *OutboxDispatcher) dispatchOne(ctx context.Context, msg *OutboxMessage) error {
	sendErr := d.sender.Send(ctx, msg)
	if sendErr == nil {
		if err := d.store.MarkOutboxProcessed(ctx, msg.ID); err != nil {
			return err
		}
		now := time.Now()
		msg.ProcessedAt = &now

		d.metrics.outboxResult(true, false)

		return nil
	}

	deadLetter := msg.RetryCount+1 >= d.maxRetries
	var nextRetryAt *time.Time
	if !deadLetter {
		next := time.Now().Add(CalculateRetryDelay(d.strategy, d.baseDelay, msg.RetryCount+1))
		nextRetryAt = &next
	}

	d.logger.Warn("outbox send failed",
		"worker_id", d.workerID, "message_id", msg.ID, "event_type", msg.EventType,
		"retry_count", msg.RetryCount+1, "dead_letter", deadLetter, "error", sendErr)

	if err := d.store.MarkOutboxFailed(ctx, msg.ID, sendErr.Error(), nextRetryAt, deadLetter); err != nil {
		return err
	}
	errStr := sendErr.Error()
	msg.Error = &errStr
	msg.RetryCount++
	msg.DeadLetter = deadLetter

	d.metrics.outboxResult(false, deadLetter)

	return nil
}
