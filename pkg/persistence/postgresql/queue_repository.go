package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
)

// QueueRepository handles execution queue and idempotency ledger operations.
type QueueRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db *sql.DB, logger *slog.Logger) *QueueRepository {
	return &QueueRepository{db: db, logger: logger}
}

const taskColumns = `
	id
  , quote_id
  , operation
  , idempotency_key
  , state_key
  , payload
  , available_at
  , attempts
  , max_attempts
  , status
  , leased_until
  , last_error
  , created_at
  , updated_at
`

// Insert inserts a task unless its idempotency key already exists. On a key
// hit the stored task is returned with inserted=false; a hit whose
// operation, quote or payload disagrees with the new task is a conflict.
func (r *QueueRepository) Insert(ctx context.Context, task *models.ExecutionQueueTask) (*models.ExecutionQueueTask, bool, error) {
	inserted, err := r.insert(ctx, r.db, task)
	if err != nil {
		return nil, false, err
	}

	if inserted {
		return task, true, nil
	}

	existing, err := r.byIdempotencyKey(ctx, task.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}

	if existing.Operation != task.Operation || existing.QuoteID != task.QuoteID || !existing.SamePayload(task.Payload) {
		return nil, false, persistence.NewTaskError("InsertTask", task.IdempotencyKey, persistence.ErrIdempotencyConflict)
	}

	return existing, false, nil
}

// insertTx inserts a transition's task inside the transition transaction.
// A duplicate idempotency key is silently skipped; re-applying a transition
// must not double-enqueue.
func (r *QueueRepository) insertTx(ctx context.Context, tx *sql.Tx, task *models.ExecutionQueueTask) error {
	_, err := r.insert(ctx, tx, task)

	return err
}

func (r *QueueRepository) insert(ctx context.Context, db execer, task *models.ExecutionQueueTask) (bool, error) {
	now := time.Now().UTC()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	task.UpdatedAt = now

	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("failed to generate task ID: %w", err)
		}

		task.ID = id.String()
	}

	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	if task.AvailableAt.IsZero() {
		task.AvailableAt = now
	}

	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	query := `
		INSERT INTO execution_queue_tasks (id, quote_id, operation, idempotency_key, state_key, payload, available_at, attempts, max_attempts, status, leased_until, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	result, err := db.ExecContext(ctx, query,
		task.ID,
		task.QuoteID,
		task.Operation,
		task.IdempotencyKey,
		task.StateKey,
		payloadJSON,
		task.AvailableAt,
		task.Attempts,
		task.MaxAttempts,
		task.Status,
		task.LeasedUntil,
		task.LastError,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

// LeaseNext atomically claims the earliest available pending task until
// leaseUntil. SKIP LOCKED keeps concurrent workers from blocking on each
// other's lease.
func (r *QueueRepository) LeaseNext(ctx context.Context, now, leaseUntil time.Time) (*models.ExecutionQueueTask, error) {
	query := `
		UPDATE execution_queue_tasks
		SET status = 'processing', leased_until = $3, updated_at = $2
		WHERE id = (
			SELECT id FROM execution_queue_tasks
			WHERE status = 'pending' AND available_at <= $1
			ORDER BY available_at ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRowContext(ctx, query, now, now.UTC(), leaseUntil.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNoTaskAvailable
		}

		return nil, fmt.Errorf("failed to lease task: %w", err)
	}

	return task, nil
}

// Update persists a status change and writes one transition-audit row for
// the edge, both in one transaction.
func (r *QueueRepository) Update(ctx context.Context, task *models.ExecutionQueueTask, from models.TaskStatus, note string) error {
	task.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				r.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rollbackErr)
			}
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE execution_queue_tasks
		SET status = $2, attempts = $3, available_at = $4, leased_until = $5, last_error = $6, updated_at = $7
		WHERE id = $1
	`,
		task.ID,
		task.Status,
		task.Attempts,
		task.AvailableAt,
		task.LeasedUntil,
		task.LastError,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		err = persistence.NewTaskError("UpdateTask", task.ID, persistence.ErrTaskNotFound)

		return err
	}

	err = r.auditTx(ctx, tx, task, from, task.Status, note)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ReclaimExpiredLeases hands tasks stuck in processing past their lease
// deadline back to pending, one audit row each. The crashed worker's
// half-done side effect is covered by the idempotency ledger on the re-run.
func (r *QueueRepository) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				r.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rollbackErr)
			}
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		UPDATE execution_queue_tasks
		SET status = 'pending', leased_until = NULL, updated_at = $2
		WHERE status = 'processing' AND leased_until IS NOT NULL AND leased_until <= $1
		RETURNING id, quote_id, attempts
	`, now, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	var reclaimed []*models.ExecutionQueueTask

	for rows.Next() {
		var task models.ExecutionQueueTask

		err = rows.Scan(&task.ID, &task.QuoteID, &task.Attempts)
		if err != nil {
			closeErr := rows.Close()
			if closeErr != nil {
				r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
			}

			return 0, fmt.Errorf("failed to scan reclaimed task: %w", err)
		}

		reclaimed = append(reclaimed, &task)
	}

	err = rows.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to close rows: %w", err)
	}

	err = rows.Err()
	if err != nil {
		return 0, fmt.Errorf("error iterating reclaimed tasks: %w", err)
	}

	for _, task := range reclaimed {
		err = r.auditTx(ctx, tx, task, models.TaskStatusProcessing, models.TaskStatusPending, "lease expired, reclaimed")
		if err != nil {
			return 0, err
		}
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return len(reclaimed), nil
}

// skipPendingTx cancels the quote's still-pending tasks inside a terminal
// transition, writing one audit row per skipped task.
func (r *QueueRepository) skipPendingTx(ctx context.Context, tx *sql.Tx, quoteID string, at time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		UPDATE execution_queue_tasks
		SET status = 'skipped', updated_at = $2
		WHERE quote_id = $1 AND status = 'pending'
		RETURNING id, attempts
	`, quoteID, at)
	if err != nil {
		return fmt.Errorf("failed to skip pending tasks: %w", err)
	}

	type skipped struct {
		id       string
		attempts int
	}

	var skippedTasks []skipped

	for rows.Next() {
		var s skipped

		err = rows.Scan(&s.id, &s.attempts)
		if err != nil {
			closeErr := rows.Close()
			if closeErr != nil {
				r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
			}

			return fmt.Errorf("failed to scan skipped task: %w", err)
		}

		skippedTasks = append(skippedTasks, s)
	}

	err = rows.Close()
	if err != nil {
		return fmt.Errorf("failed to close rows: %w", err)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("error iterating skipped tasks: %w", err)
	}

	for _, s := range skippedTasks {
		task := &models.ExecutionQueueTask{ID: s.id, QuoteID: quoteID, Attempts: s.attempts}

		err = r.auditTx(ctx, tx, task, models.TaskStatusPending, models.TaskStatusSkipped, "flow reached terminal step")
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *QueueRepository) auditTx(ctx context.Context, tx *sql.Tx, task *models.ExecutionQueueTask, from, to models.TaskStatus, note string) error {
	auditID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate audit ID: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_queue_transition_audit (id, task_id, quote_id, from_status, to_status, attempt, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		auditID.String(),
		task.ID,
		task.QuoteID,
		from,
		to,
		task.Attempts,
		note,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition audit: %w", err)
	}

	return nil
}

// GetByID returns a task by its ID.
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.ExecutionQueueTask, error) {
	query := `SELECT ` + taskColumns + ` FROM execution_queue_tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("TaskByID", id, persistence.ErrTaskNotFound)
		}

		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	return task, nil
}

func (r *QueueRepository) byIdempotencyKey(ctx context.Context, key string) (*models.ExecutionQueueTask, error) {
	query := `SELECT ` + taskColumns + ` FROM execution_queue_tasks WHERE idempotency_key = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("InsertTask", key, persistence.ErrTaskNotFound)
		}

		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	return task, nil
}

// GetByQuoteID returns all tasks for a quote, newest first.
func (r *QueueRepository) GetByQuoteID(ctx context.Context, quoteID string) ([]*models.ExecutionQueueTask, error) {
	query := `SELECT ` + taskColumns + ` FROM execution_queue_tasks WHERE quote_id = $1 ORDER BY created_at DESC`

	return r.queryTasks(ctx, query, quoteID)
}

// Dead returns all dead-lettered tasks, oldest first.
func (r *QueueRepository) Dead(ctx context.Context) ([]*models.ExecutionQueueTask, error) {
	query := `SELECT ` + taskColumns + ` FROM execution_queue_tasks WHERE status = 'dead' ORDER BY updated_at ASC`

	return r.queryTasks(ctx, query)
}

func (r *QueueRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*models.ExecutionQueueTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	tasks := make([]*models.ExecutionQueueTask, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// AuditByTaskID returns a task's transition-audit rows in commit order.
func (r *QueueRepository) AuditByTaskID(ctx context.Context, taskID string) ([]*models.TransitionAudit, error) {
	query := `
		SELECT id, task_id, quote_id, from_status, to_status, attempt, note, created_at
		FROM execution_queue_transition_audit
		WHERE task_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transition audit: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	audits := make([]*models.TransitionAudit, 0)

	for rows.Next() {
		var (
			audit models.TransitionAudit
			note  sql.NullString
		)

		err = rows.Scan(
			&audit.ID,
			&audit.TaskID,
			&audit.QuoteID,
			&audit.FromStatus,
			&audit.ToStatus,
			&audit.Attempt,
			&note,
			&audit.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition audit: %w", err)
		}

		audit.Note = note.String
		audits = append(audits, &audit)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating transition audit: %w", err)
	}

	return audits, nil
}

// SaveIdempotencyEntry upserts the (quote, state key) execution record.
func (r *QueueRepository) SaveIdempotencyEntry(ctx context.Context, entry *models.IdempotencyLedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency result: %w", err)
	}

	query := `
		INSERT INTO execution_idempotency_ledger (quote_id, state_key, quote_version, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (quote_id, state_key) DO UPDATE SET
			quote_version = EXCLUDED.quote_version,
			result = EXCLUDED.result,
			expires_at = EXCLUDED.expires_at
	`

	_, err = r.db.ExecContext(ctx, query,
		entry.QuoteID,
		entry.StateKey,
		entry.QuoteVersion,
		resultJSON,
		entry.CreatedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save idempotency entry: %w", err)
	}

	return nil
}

// IdempotencyEntry returns the entry for (quote, state key), or nil when
// none exists.
func (r *QueueRepository) IdempotencyEntry(ctx context.Context, quoteID, stateKey string) (*models.IdempotencyLedgerEntry, error) {
	query := `
		SELECT quote_id, state_key, quote_version, result, created_at, expires_at
		FROM execution_idempotency_ledger
		WHERE quote_id = $1 AND state_key = $2
	`

	var (
		entry      models.IdempotencyLedgerEntry
		resultJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, quoteID, stateKey).Scan(
		&entry.QuoteID,
		&entry.StateKey,
		&entry.QuoteVersion,
		&resultJSON,
		&entry.CreatedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan idempotency entry: %w", err)
	}

	if len(resultJSON) > 0 {
		err = json.Unmarshal(resultJSON, &entry.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal idempotency result: %w", err)
		}
	}

	return &entry, nil
}

// ExpireIdempotencyEntries removes entries past their TTL whose quote has
// moved past the recorded version. Both conditions are required: an expired
// entry for a quote still at the same version could still suppress a
// legitimate replay.
func (r *QueueRepository) ExpireIdempotencyEntries(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM execution_idempotency_ledger e
		USING quotes q
		WHERE q.id = e.quote_id
		  AND e.expires_at <= $1
		  AND q.version > e.quote_version
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire idempotency entries: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

func scanTask(row rowScanner) (*models.ExecutionQueueTask, error) {
	var (
		task        models.ExecutionQueueTask
		payloadJSON []byte
		leasedUntil sql.NullTime
		lastError   sql.NullString
	)

	err := row.Scan(
		&task.ID,
		&task.QuoteID,
		&task.Operation,
		&task.IdempotencyKey,
		&task.StateKey,
		&payloadJSON,
		&task.AvailableAt,
		&task.Attempts,
		&task.MaxAttempts,
		&task.Status,
		&leasedUntil,
		&lastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if leasedUntil.Valid {
		until := leasedUntil.Time
		task.LeasedUntil = &until
	}

	task.LastError = lastError.String

	if len(payloadJSON) > 0 {
		err = json.Unmarshal(payloadJSON, &task.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
		}
	}

	return &task, nil
}
