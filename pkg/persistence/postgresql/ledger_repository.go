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

// LedgerRepository handles quote ledger database operations. The ledger is
// append-only; there is deliberately no update or delete here.
type LedgerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *sql.DB, logger *slog.Logger) *LedgerRepository {
	return &LedgerRepository{db: db, logger: logger}
}

const ledgerColumns = `
	id
  , quote_id
  , version
  , content_hash
  , prev_hash
  , actor_id
  , action_type
  , signature
  , ts
  , metadata
`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Latest returns the newest ledger entry for a quote.
func (r *LedgerRepository) Latest(ctx context.Context, quoteID string) (*models.QuoteLedgerEntry, error) {
	return r.latest(ctx, r.db, quoteID)
}

// latestTx reads the chain head inside the transition transaction, where
// the quote row lock makes the read stable until commit.
func (r *LedgerRepository) latestTx(ctx context.Context, tx *sql.Tx, quoteID string) (*models.QuoteLedgerEntry, error) {
	return r.latest(ctx, tx, quoteID)
}

func (r *LedgerRepository) latest(ctx context.Context, db queryRower, quoteID string) (*models.QuoteLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM quote_ledger WHERE quote_id = $1 ORDER BY version DESC LIMIT 1`

	entry, err := scanLedgerEntry(db.QueryRowContext(ctx, query, quoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewQuoteError("LatestLedgerEntry", quoteID, persistence.ErrLedgerEntryNotFound)
		}

		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	return entry, nil
}

// History returns a quote's entries ordered by version. fromVersion <= 1
// starts at the chain head.
func (r *LedgerRepository) History(ctx context.Context, quoteID string, fromVersion int) ([]*models.QuoteLedgerEntry, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	query := `
		SELECT ` + ledgerColumns + `
		FROM quote_ledger
		WHERE quote_id = $1 AND version >= $2
		ORDER BY version ASC
	`

	rows, err := r.db.QueryContext(ctx, query, quoteID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger history: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	entries := make([]*models.QuoteLedgerEntry, 0)

	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// insertTx appends the transition's ledger entry inside the transition
// transaction. The UNIQUE (quote_id, version) constraint is the final guard
// against two transitions claiming the same version.
func (r *LedgerRepository) insertTx(ctx context.Context, tx *sql.Tx, entry *models.QuoteLedgerEntry) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate ledger entry ID: %w", err)
		}

		entry.ID = id.String()
	}

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}

	var prevHash any
	if entry.PrevHash != "" {
		prevHash = entry.PrevHash
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quote_ledger (id, quote_id, version, content_hash, prev_hash, actor_id, action_type, signature, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		entry.ID,
		entry.QuoteID,
		entry.Version,
		entry.ContentHash,
		prevHash,
		entry.ActorID,
		entry.ActionType,
		entry.Signature,
		entry.Timestamp,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return nil
}

// SaveVerification appends a verification run record.
func (r *LedgerRepository) SaveVerification(ctx context.Context, verification *models.LedgerVerification) error {
	if verification.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate verification ID: %w", err)
		}

		verification.ID = id.String()
	}

	if verification.VerifiedAt.IsZero() {
		verification.VerifiedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_verifications (id, quote_id, version_reached, ok, detail, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		verification.ID,
		verification.QuoteID,
		verification.VersionReached,
		verification.OK,
		verification.Detail,
		verification.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert verification: %w", err)
	}

	return nil
}

// VerificationsByQuoteID returns a quote's verification runs, newest first.
func (r *LedgerRepository) VerificationsByQuoteID(ctx context.Context, quoteID string) ([]*models.LedgerVerification, error) {
	query := `
		SELECT id, quote_id, version_reached, ok, detail, verified_at
		FROM ledger_verifications
		WHERE quote_id = $1
		ORDER BY verified_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, query, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	verifications := make([]*models.LedgerVerification, 0)

	for rows.Next() {
		var (
			verification models.LedgerVerification
			detail       sql.NullString
		)

		err = rows.Scan(
			&verification.ID,
			&verification.QuoteID,
			&verification.VersionReached,
			&verification.OK,
			&detail,
			&verification.VerifiedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}

		verification.Detail = detail.String
		verifications = append(verifications, &verification)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating verifications: %w", err)
	}

	return verifications, nil
}

func scanLedgerEntry(row rowScanner) (*models.QuoteLedgerEntry, error) {
	var (
		entry        models.QuoteLedgerEntry
		prevHash     sql.NullString
		metadataJSON []byte
	)

	err := row.Scan(
		&entry.ID,
		&entry.QuoteID,
		&entry.Version,
		&entry.ContentHash,
		&prevHash,
		&entry.ActorID,
		&entry.ActionType,
		&entry.Signature,
		&entry.Timestamp,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	entry.PrevHash = prevHash.String

	if len(metadataJSON) > 0 {
		err = json.Unmarshal(metadataJSON, &entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger metadata: %w", err)
		}
	}

	return &entry, nil
}
