// Package postgresql provides the PostgreSQL persistence implementation for
// quotes, flow states, the execution queue and the quote ledger.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
	chain  *ledger.Chain

	quoteRepo  *QuoteRepository
	flowRepo   *FlowStateRepository
	queueRepo  *QueueRepository
	ledgerRepo *LedgerRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string, chain *ledger.Chain) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:         database,
		logger:     logger,
		chain:      chain,
		quoteRepo:  NewQuoteRepository(database, logger),
		flowRepo:   NewFlowStateRepository(database, logger),
		queueRepo:  NewQueueRepository(database, logger),
		ledgerRepo: NewLedgerRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Quote repository delegation.

func (p *Persistence) CreateQuote(ctx context.Context, quote *models.Quote) error {
	return p.quoteRepo.Create(ctx, quote)
}

func (p *Persistence) QuoteByID(ctx context.Context, id string) (*models.Quote, error) {
	return p.quoteRepo.GetByID(ctx, id)
}

func (p *Persistence) QuotesPastTerm(ctx context.Context, now time.Time) ([]*models.Quote, error) {
	return p.quoteRepo.PastTerm(ctx, now)
}

func (p *Persistence) SetLedgerHalted(ctx context.Context, quoteID string, halted bool) error {
	return p.quoteRepo.SetLedgerHalted(ctx, quoteID, halted)
}

// Flow state repository delegation.

func (p *Persistence) SaveFlowState(ctx context.Context, state *models.FlowState) error {
	return p.flowRepo.Save(ctx, state)
}

func (p *Persistence) FlowStateByQuoteID(ctx context.Context, quoteID string) (*models.FlowState, error) {
	return p.flowRepo.GetByQuoteID(ctx, quoteID)
}

// Queue repository delegation.

func (p *Persistence) InsertTask(ctx context.Context, task *models.ExecutionQueueTask) (*models.ExecutionQueueTask, bool, error) {
	return p.queueRepo.Insert(ctx, task)
}

func (p *Persistence) LeaseNext(ctx context.Context, now, leaseUntil time.Time) (*models.ExecutionQueueTask, error) {
	return p.queueRepo.LeaseNext(ctx, now, leaseUntil)
}

func (p *Persistence) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	return p.queueRepo.ReclaimExpiredLeases(ctx, now)
}

func (p *Persistence) UpdateTask(ctx context.Context, task *models.ExecutionQueueTask, from models.TaskStatus, note string) error {
	return p.queueRepo.Update(ctx, task, from, note)
}

func (p *Persistence) TaskByID(ctx context.Context, id string) (*models.ExecutionQueueTask, error) {
	return p.queueRepo.GetByID(ctx, id)
}

func (p *Persistence) TasksByQuoteID(ctx context.Context, quoteID string) ([]*models.ExecutionQueueTask, error) {
	return p.queueRepo.GetByQuoteID(ctx, quoteID)
}

func (p *Persistence) DeadTasks(ctx context.Context) ([]*models.ExecutionQueueTask, error) {
	return p.queueRepo.Dead(ctx)
}

func (p *Persistence) AuditByTaskID(ctx context.Context, taskID string) ([]*models.TransitionAudit, error) {
	return p.queueRepo.AuditByTaskID(ctx, taskID)
}

func (p *Persistence) SaveIdempotencyEntry(ctx context.Context, entry *models.IdempotencyLedgerEntry) error {
	return p.queueRepo.SaveIdempotencyEntry(ctx, entry)
}

func (p *Persistence) IdempotencyEntry(ctx context.Context, quoteID, stateKey string) (*models.IdempotencyLedgerEntry, error) {
	return p.queueRepo.IdempotencyEntry(ctx, quoteID, stateKey)
}

func (p *Persistence) ExpireIdempotencyEntries(ctx context.Context, now time.Time) (int, error) {
	return p.queueRepo.ExpireIdempotencyEntries(ctx, now)
}

// Ledger repository delegation.

func (p *Persistence) LatestLedgerEntry(ctx context.Context, quoteID string) (*models.QuoteLedgerEntry, error) {
	return p.ledgerRepo.Latest(ctx, quoteID)
}

func (p *Persistence) LedgerHistory(ctx context.Context, quoteID string, fromVersion int) ([]*models.QuoteLedgerEntry, error) {
	return p.ledgerRepo.History(ctx, quoteID, fromVersion)
}

func (p *Persistence) SaveVerification(ctx context.Context, verification *models.LedgerVerification) error {
	return p.ledgerRepo.SaveVerification(ctx, verification)
}

func (p *Persistence) VerificationsByQuoteID(ctx context.Context, quoteID string) ([]*models.LedgerVerification, error) {
	return p.ledgerRepo.VerificationsByQuoteID(ctx, quoteID)
}

// ApplyTransition commits one flow transition atomically: the quote update,
// the flow state upsert, the task inserts and exactly one ledger append run
// in a single serializable transaction scoped to the quote. The loser of a
// concurrent race receives ErrConcurrentModification.
func (p *Persistence) ApplyTransition(ctx context.Context, commit *persistence.TransitionCommit) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transition transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = p.applyTransitionTx(ctx, tx, commit)
	if err != nil {
		return mapConflict(err)
	}

	err = tx.Commit()
	if err != nil {
		return mapConflict(fmt.Errorf("failed to commit transition: %w", err))
	}

	return nil
}

func (p *Persistence) applyTransitionTx(ctx context.Context, tx *sql.Tx, commit *persistence.TransitionCommit) error {
	quoteID := commit.Quote.ID

	var (
		currentVersion int
		halted         bool
	)

	// The quote row lock serializes all transitions and ledger appends for
	// this quote.
	err := tx.QueryRowContext(ctx,
		`SELECT version, ledger_halted FROM quotes WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		quoteID,
	).Scan(&currentVersion, &halted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewQuoteError("ApplyTransition", quoteID, persistence.ErrQuoteNotFound)
		}

		return fmt.Errorf("failed to lock quote row: %w", err)
	}

	if currentVersion != commit.ExpectedVersion {
		return persistence.NewQuoteError("ApplyTransition", quoteID, persistence.ErrConcurrentModification)
	}

	if halted {
		return persistence.NewQuoteError("ApplyTransition", quoteID, persistence.ErrLedgerHalted)
	}

	prev, err := p.ledgerRepo.latestTx(ctx, tx, quoteID)
	if err != nil && !errors.Is(err, persistence.ErrLedgerEntryNotFound) {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	entry, err := p.chain.Next(prev, *commit.Append)
	if err != nil {
		return fmt.Errorf("failed to build ledger entry: %w", err)
	}

	if entry.Version != commit.Quote.Version {
		return fmt.Errorf("ledger version %d does not match quote version %d", entry.Version, commit.Quote.Version)
	}

	err = p.quoteRepo.updateTx(ctx, tx, commit.Quote)
	if err != nil {
		return err
	}

	err = p.flowRepo.saveTx(ctx, tx, commit.FlowState)
	if err != nil {
		return err
	}

	for _, task := range commit.Tasks {
		err = p.queueRepo.insertTx(ctx, tx, task)
		if err != nil {
			return err
		}
	}

	if commit.CancelPending {
		err = p.queueRepo.skipPendingTx(ctx, tx, quoteID, commit.Quote.UpdatedAt)
		if err != nil {
			return err
		}
	}

	err = p.ledgerRepo.insertTx(ctx, tx, entry)
	if err != nil {
		return err
	}

	return nil
}

// mapConflict translates PostgreSQL serialization failures into the typed
// retry signal.
func mapConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		return fmt.Errorf("%w: %v", persistence.ErrConcurrentModification, err)
	}

	return err
}
