package octoflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxEventType(t *testing.T) {
	assert.Equal(t, "workflow.instance.started", OutboxEventType(EventTypeInstance, EventStarted))
	assert.Equal(t, "workflow.join.paralleljoinsatisfied", OutboxEventType(EventTypeJoin, EventJoinSatisfied))
	assert.Equal(t, "workflow.task.completed", OutboxEventType(EventTypeTask, EventTaskCompleted))
}

func TestEveryEventHasExactlyOneOutboxMessage(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "outbox-flow", "Outbox").
		Start("start").
		HumanTask("review").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "outbox-flow", nil, "alice")
	require.NoError(t, err)

	task, err := store.GetOpenTaskByNode(ctx, instance.ID, "review")
	require.NoError(t, err)
	claimAndComplete(t, runtime, task, "bob", nil)

	events, err := store.ListEventsByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	msgs, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusAll, TenantID: testTenant})
	require.NoError(t, err)
	require.Len(t, msgs, len(events))

	keys := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		assert.NotEmpty(t, msg.IdempotencyKey)
		assert.False(t, keys[msg.IdempotencyKey], "idempotency keys must be unique")
		keys[msg.IdempotencyKey] = true
		assert.Contains(t, msg.EventType, "workflow.")
	}
}

func TestOutboxDispatcherDelivers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	txManager := NewMemoryTxManager()

	require.NoError(t, store.EnqueueOutbox(ctx, &OutboxMessage{
		TenantID:       testTenant,
		EventType:      "workflow.instance.started",
		EventData:      []byte(`{}`),
		IdempotencyKey: "key-1",
	}))

	var sent []*OutboxMessage
	dispatcher := NewOutboxDispatcher(txManager, store, OutboxSenderFunc(
		func(_ context.Context, msg *OutboxMessage) error {
			sent = append(sent, msg)

			return nil
		}))

	dispatched, err := dispatcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	require.Len(t, sent, 1)
	assert.Equal(t, "key-1", sent[0].IdempotencyKey)

	metrics, err := store.GetOutboxMetrics(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Processed)
	assert.Equal(t, 0, metrics.Pending)

	// Processed messages are not redelivered.
	dispatched, err = dispatcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)
	assert.Len(t, sent, 1)
}

func TestOutboxDispatcherRetriesAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	txManager := NewMemoryTxManager()

	require.NoError(t, store.EnqueueOutbox(ctx, &OutboxMessage{
		TenantID:       testTenant,
		EventType:      "workflow.instance.failed",
		EventData:      []byte(`{}`),
		IdempotencyKey: "key-2",
	}))

	dispatcher := NewOutboxDispatcher(txManager, store, OutboxSenderFunc(
		func(context.Context, *OutboxMessage) error {
			return errors.New("broker unavailable")
		}),
		WithMaxRetries(2),
		WithRetryBackoff(RetryStrategyFixed, time.Minute),
	)

	// First failure schedules a retry in the future.
	dispatched, err := dispatcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)

	msgs, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusFailed})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].RetryCount)
	assert.False(t, msgs[0].DeadLetter)
	require.NotNil(t, msgs[0].NextRetryAt)
	assert.True(t, msgs[0].NextRetryAt.After(time.Now()))

	// Not due yet: nothing to dispatch.
	due, err := store.DequeueDueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Force the retry due and exhaust the budget.
	past := time.Now().Add(-time.Second)
	msgs[0].NextRetryAt = &past

	_, err = dispatcher.DispatchPending(ctx)
	require.NoError(t, err)

	dead, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusDeadLetter})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].RetryCount)
	require.NotNil(t, dead[0].Error)
	assert.Contains(t, *dead[0].Error, "broker unavailable")

	// Dead-lettered messages leave the queue.
	due, err = store.DequeueDueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestOutboxRetryDelay(t *testing.T) {
	base := time.Second

	assert.Equal(t, base, CalculateRetryDelay(RetryStrategyFixed, base, 3))
	assert.Equal(t, 8*time.Second, CalculateRetryDelay(RetryStrategyExponential, base, 3))
	assert.Equal(t, 3*time.Second, CalculateRetryDelay(RetryStrategyLinear, base, 3))
}

func TestMemoryStoreOutboxFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i, key := range []string{"k-1", "k-2", "k-3"} {
		msg := &OutboxMessage{
			TenantID:       testTenant,
			EventType:      "workflow.instance.started",
			IdempotencyKey: key,
		}
		require.NoError(t, store.EnqueueOutbox(ctx, msg))

		if i == 1 {
			require.NoError(t, store.MarkOutboxProcessed(ctx, msg.ID))
		}
		if i == 2 {
			require.NoError(t, store.MarkOutboxFailed(ctx, msg.ID, "nope", nil, false))
		}
	}

	pending, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	processed, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusProcessed})
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, "k-2", processed[0].IdempotencyKey)

	byKey, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusAll, IdempotencyKey: "k-3"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)

	minRetries := 1
	failed, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusAll, MinRetryCount: &minRetries})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "k-3", failed[0].IdempotencyKey)

	limited, err := store.ListOutboxMessages(ctx, OutboxFilter{Status: OutboxStatusAll, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
