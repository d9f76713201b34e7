package postgresql_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/queue"
)

func TestInsertTask_Deduplicates(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)

	task, err := queue.NewTask(quote.ID, models.OperationRecomputePricing, 3, map[string]any{"term": "12m"}, time.Now(), 3)
	require.NoError(t, err)

	stored, inserted, err := p.InsertTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, task.ID, stored.ID)

	duplicate, err := queue.NewTask(quote.ID, models.OperationRecomputePricing, 3, map[string]any{"term": "12m"}, time.Now(), 3)
	require.NoError(t, err)

	existing, inserted, err := p.InsertTask(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, task.ID, existing.ID)
	assert.Equal(t, "12m", existing.Payload["term"])

	tasks, err := p.TasksByQuoteID(ctx, quote.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestInsertTask_ConflictingPayload(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)

	task, err := queue.NewTask(quote.ID, models.OperationRecomputePricing, 3, map[string]any{"term": "12m"}, time.Now(), 3)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, task)
	require.NoError(t, err)

	conflicting, err := queue.NewTask(quote.ID, models.OperationRecomputePricing, 3, map[string]any{"term": "24m"}, time.Now(), 3)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, conflicting)
	require.Error(t, err)
	assert.True(t, persistence.IsIdempotencyConflict(err))

	stored, err := p.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "12m", stored.Payload["term"])
}

func TestLeaseNext_ClaimsInAvailabilityOrder(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)
	now := time.Now().UTC()

	later, err := queue.NewTask(quote.ID, models.OperationSyncCRM, 4, nil, now.Add(time.Minute), 3)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, later)
	require.NoError(t, err)

	sooner, err := queue.NewTask(quote.ID, models.OperationRouteApproval, 4, nil, now, 3)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, sooner)
	require.NoError(t, err)

	leased, err := p.LeaseNext(ctx, now.Add(2*time.Minute), now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, sooner.ID, leased.ID)
	assert.Equal(t, models.TaskStatusProcessing, leased.Status)
	require.NotNil(t, leased.LeasedUntil)
	assert.WithinDuration(t, now.Add(10*time.Minute), *leased.LeasedUntil, time.Second)

	leased, err = p.LeaseNext(ctx, now.Add(2*time.Minute), now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, later.ID, leased.ID)

	_, err = p.LeaseNext(ctx, now.Add(2*time.Minute), now.Add(10*time.Minute))
	require.ErrorIs(t, err, persistence.ErrNoTaskAvailable)
}

func TestLeaseNext_SkipsUnavailableTasks(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)
	now := time.Now().UTC()

	future, err := queue.NewTask(quote.ID, models.OperationSyncCRM, 4, nil, now.Add(time.Hour), 3)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, future)
	require.NoError(t, err)

	_, err = p.LeaseNext(ctx, now, now.Add(10*time.Minute))
	require.ErrorIs(t, err, persistence.ErrNoTaskAvailable)
}

func TestUpdateTask_WritesAuditRow(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)

	task, err := queue.NewTask(quote.ID, models.OperationGenerateDocument, 7, nil, time.Now(), 3)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, task)
	require.NoError(t, err)

	leased, err := p.LeaseNext(ctx, time.Now().Add(time.Second), time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	leased.Status = models.TaskStatusPending
	leased.Attempts = 1
	leased.LastError = "document store unavailable"
	leased.AvailableAt = time.Now().Add(2 * time.Second).UTC()

	err = p.UpdateTask(ctx, leased, models.TaskStatusProcessing, "retry scheduled: document store unavailable")
	require.NoError(t, err)

	stored, err := p.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "document store unavailable", stored.LastError)

	audits, err := p.AuditByTaskID(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.TaskStatusProcessing, audits[0].FromStatus)
	assert.Equal(t, models.TaskStatusPending, audits[0].ToStatus)
	assert.Equal(t, 1, audits[0].Attempt)
	assert.Equal(t, "retry scheduled: document store unavailable", audits[0].Note)
}

func TestUpdateTask_NotFound(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)

	task, err := queue.NewTask(quote.ID, models.OperationSyncCRM, 2, nil, time.Now(), 3)
	require.NoError(t, err)

	task.Status = models.TaskStatusSucceeded

	err = p.UpdateTask(ctx, task, models.TaskStatusProcessing, "")
	require.Error(t, err)
	assert.True(t, persistence.IsTaskNotFound(err))
}

func TestDeadTasks(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)

	task, err := queue.NewTask(quote.ID, models.OperationSyncCRM, 5, nil, time.Now(), 1)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, task)
	require.NoError(t, err)

	leased, err := p.LeaseNext(ctx, time.Now().Add(time.Second), time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	leased.Status = models.TaskStatusDead
	leased.Attempts = 1
	leased.LastError = "crm unreachable"

	err = p.UpdateTask(ctx, leased, models.TaskStatusProcessing, "retries exhausted: crm unreachable")
	require.NoError(t, err)

	dead, err := p.DeadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].ID)
	assert.Equal(t, "crm unreachable", dead[0].LastError)
}

func TestReclaimExpiredLeases_ReturnsStaleTasksToPending(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)
	now := time.Now().UTC()

	task, err := queue.NewTask(quote.ID, models.OperationRecomputePricing, 2, nil, now, 3)
	require.NoError(t, err)

	_, _, err = p.InsertTask(ctx, task)
	require.NoError(t, err)

	leased, err := p.LeaseNext(ctx, now.Add(time.Second), now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusProcessing, leased.Status)

	reclaimed, err := p.ReclaimExpiredLeases(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	reclaimed, err = p.ReclaimExpiredLeases(ctx, now.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	stored, err := p.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Nil(t, stored.LeasedUntil)

	audits, err := p.AuditByTaskID(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.TaskStatusProcessing, audits[0].FromStatus)
	assert.Equal(t, models.TaskStatusPending, audits[0].ToStatus)
	assert.Equal(t, "lease expired, reclaimed", audits[0].Note)
}

func TestIdempotencyEntry_RoundTripAndMiss(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	quote := createTestQuote(ctx, t, p)
	now := time.Now().UTC()

	miss, err := p.IdempotencyEntry(ctx, quote.ID, "recompute_pricing@v3")
	require.NoError(t, err)
	assert.Nil(t, miss)

	err = p.SaveIdempotencyEntry(ctx, &models.IdempotencyLedgerEntry{
		QuoteID:      quote.ID,
		StateKey:     "recompute_pricing@v3",
		QuoteVersion: 3,
		Result:       map[string]any{"subtotal": float64(1440)},
		ExpiresAt:    now.Add(time.Hour),
	})
	require.NoError(t, err)

	entry, err := p.IdempotencyEntry(ctx, quote.ID, "recompute_pricing@v3")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.QuoteVersion)
	assert.Equal(t, float64(1440), entry.Result["subtotal"])

	// Upsert replaces the recorded result.
	err = p.SaveIdempotencyEntry(ctx, &models.IdempotencyLedgerEntry{
		QuoteID:      quote.ID,
		StateKey:     "recompute_pricing@v3",
		QuoteVersion: 3,
		Result:       map[string]any{"subtotal": float64(2880)},
		ExpiresAt:    now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	entry, err = p.IdempotencyEntry(ctx, quote.ID, "recompute_pricing@v3")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, float64(2880), entry.Result["subtotal"])
}
