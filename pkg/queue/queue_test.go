package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/persistence/memory"
)

const testQuoteID = "0198a001-0000-7000-8000-000000000001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		IdempotencyTTL:  time.Hour,
		LeaseTimeout:    10 * time.Minute,
	}
}

func newTestQueue(t *testing.T) (*Queue, *memory.Persistence) {
	t.Helper()

	chain := ledger.NewChain(ledger.NewSigner([]byte("test-signing-key")))
	store := memory.NewPersistence(testLogger(), chain)

	return NewQueue(store, testConfig(), testLogger()), store
}

func TestStateKeyAndIdempotencyKey(t *testing.T) {
	assert.Equal(t, "recompute_pricing@v3", StateKey(models.OperationRecomputePricing, 3))
	assert.Equal(t, testQuoteID+":recompute_pricing@v3", IdempotencyKey(testQuoteID, models.OperationRecomputePricing, 3))
}

func TestEnqueue_DeduplicatesByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, map[string]any{"term": "12m"}, now)
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, map[string]any{"term": "12m"}, now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, map[string]any{"term": "12m"}, second.Payload)

	tasks, err := store.TasksByQuoteID(ctx, testQuoteID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestEnqueue_ConflictingPayloadRejected(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, map[string]any{"term": "12m"}, now)
	require.NoError(t, err)

	// Same key, different payload: this is a producer bug, not a duplicate.
	_, err = q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, map[string]any{"term": "24m"}, now.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, persistence.IsIdempotencyConflict(err))

	stored, err := store.TaskByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"term": "12m"}, stored.Payload)
}

func TestEnqueue_DistinctVersionsProduceDistinctTasks(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, nil, now)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 4, nil, now)
	require.NoError(t, err)

	tasks, err := store.TasksByQuoteID(ctx, testQuoteID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestLeaseNext_OrdersByAvailability(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationSyncCRM, 5, nil, now.Add(time.Minute))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, testQuoteID, models.OperationRouteApproval, 5, nil, now)
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, models.OperationRouteApproval, leased.Operation)
	assert.Equal(t, models.TaskStatusProcessing, leased.Status)

	leased, err = q.LeaseNext(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, models.OperationSyncCRM, leased.Operation)

	leased, err = q.LeaseNext(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestLeaseNext_RespectsAvailableAt(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationSyncCRM, 5, nil, now.Add(time.Hour))
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestLeaseNext_SetsLeaseDeadline(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, nil, now)
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NotNil(t, leased.LeasedUntil)
	assert.Equal(t, now.Add(10*time.Minute), *leased.LeasedUntil)
}

func TestReclaimExpiredLeases_ResetsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, nil, now)
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, leased)

	// The worker vanishes without completing. Before the deadline the task
	// stays claimed.
	early, err := store.ReclaimExpiredLeases(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, early)

	reclaimed, err := store.ReclaimExpiredLeases(ctx, now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	stored, err := store.TaskByID(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Nil(t, stored.LeasedUntil)

	again, err := q.LeaseNext(ctx, now.Add(12*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, leased.ID, again.ID)

	audits, err := store.AuditByTaskID(ctx, leased.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.TaskStatusProcessing, audits[0].FromStatus)
	assert.Equal(t, models.TaskStatusPending, audits[0].ToStatus)
	assert.Equal(t, "lease expired, reclaimed", audits[0].Note)
}

func TestComplete_SuccessRecordsIdempotencyEntry(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 3, nil, now)
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, leased)

	err = q.Complete(ctx, leased, Outcome{Result: map[string]any{"subtotal": 1440}}, now)
	require.NoError(t, err)

	stored, err := store.TaskByID(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, stored.Status)

	entry, err := store.IdempotencyEntry(ctx, testQuoteID, "recompute_pricing@v3")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.QuoteVersion)
	assert.Equal(t, map[string]any{"subtotal": 1440}, entry.Result)
	assert.Equal(t, now.Add(time.Hour), entry.ExpiresAt)
}

func TestComplete_FailureSchedulesRetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationGenerateDocument, 6, nil, now)
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, leased)

	err = q.Complete(ctx, leased, Outcome{Err: errors.New("document store unavailable")}, now)
	require.NoError(t, err)

	stored, err := store.TaskByID(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "document store unavailable", stored.LastError)
	assert.True(t, stored.AvailableAt.After(now))

	// Not leasable again until the backoff delay elapses.
	early, err := q.LeaseNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, early)

	again, err := q.LeaseNext(ctx, stored.AvailableAt)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, leased.ID, again.ID)
}

func TestComplete_FailFailSucceedWritesOneAuditRowPerEdge(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	task, err := q.Enqueue(ctx, testQuoteID, models.OperationRouteApproval, 4, nil, now)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		leased, err := q.LeaseNext(ctx, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, leased)

		err = q.Complete(ctx, leased, Outcome{Err: errors.New("approval service timeout")}, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
	}

	leased, err := q.LeaseNext(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, leased)

	err = q.Complete(ctx, leased, Outcome{Result: map[string]any{"channel": "approvals:USD"}}, now.Add(3*time.Hour))
	require.NoError(t, err)

	audits, err := store.AuditByTaskID(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, audits, 3)

	assert.Equal(t, models.TaskStatusPending, audits[0].ToStatus)
	assert.Equal(t, models.TaskStatusPending, audits[1].ToStatus)
	assert.Equal(t, models.TaskStatusSucceeded, audits[2].ToStatus)

	for _, audit := range audits {
		assert.Equal(t, models.TaskStatusProcessing, audit.FromStatus)
	}

	entries, err := store.IdempotencyEntry(ctx, testQuoteID, "route_approval@v4")
	require.NoError(t, err)
	require.NotNil(t, entries)
	assert.Equal(t, 4, entries.QuoteVersion)
}

func TestComplete_ExhaustionMarksTaskDead(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationSyncCRM, 7, nil, now)
	require.NoError(t, err)

	var lastErr error

	for attempt := 1; attempt <= 3; attempt++ {
		leased, leaseErr := q.LeaseNext(ctx, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, leaseErr)
		require.NotNil(t, leased)

		lastErr = q.Complete(ctx, leased, Outcome{Err: errors.New("crm unreachable")}, now.Add(time.Duration(attempt)*time.Hour))
	}

	require.Error(t, lastErr)
	assert.True(t, IsTaskExhausted(lastErr))

	var exhausted *TaskExhaustedError
	require.ErrorAs(t, lastErr, &exhausted)
	assert.Equal(t, testQuoteID, exhausted.QuoteID)
	assert.Equal(t, models.OperationSyncCRM, exhausted.Operation)
	assert.Equal(t, 3, exhausted.Attempts)

	dead, err := store.DeadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, models.TaskStatusDead, dead[0].Status)

	// Dead tasks are parked, never re-leased.
	leased, err := q.LeaseNext(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, leased)

	entry, err := store.IdempotencyEntry(ctx, testQuoteID, "sync_crm@v7")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestMarkReplayed_SkipsIdempotencyWrite(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, testQuoteID, models.OperationRecomputePricing, 2, nil, now)
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, leased)

	err = q.MarkReplayed(ctx, leased, now)
	require.NoError(t, err)

	stored, err := store.TaskByID(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, stored.Status)

	entry, err := store.IdempotencyEntry(ctx, testQuoteID, "recompute_pricing@v2")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRetryDelay_GrowsAndCaps(t *testing.T) {
	config := Config{
		MaxAttempts:     10,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
	}

	assert.Equal(t, 2*time.Second, retryDelay(config, 1))

	previous := time.Duration(0)

	for attempt := 1; attempt <= 10; attempt++ {
		delay := retryDelay(config, attempt)
		assert.GreaterOrEqual(t, delay, previous)
		assert.LessOrEqual(t, delay, config.MaxInterval)
		previous = delay
	}

	assert.Equal(t, config.MaxInterval, retryDelay(config, 10))
}

func TestRetryDelay_Deterministic(t *testing.T) {
	config := testConfig()

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		assert.Equal(t, retryDelay(config, attempt), retryDelay(config, attempt))
	}
}

func TestQuoteVersionOf(t *testing.T) {
	task := &models.ExecutionQueueTask{
		Operation: models.OperationRecomputePricing,
		StateKey:  "recompute_pricing@v12",
	}

	assert.Equal(t, 12, quoteVersionOf(task))
}
