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

// QuoteRepository handles quote-related database operations.
type QuoteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQuoteRepository creates a new quote repository.
func NewQuoteRepository(db *sql.DB, logger *slog.Logger) *QuoteRepository {
	return &QuoteRepository{db: db, logger: logger}
}

const quoteColumns = `
	id
  , status
  , version
  , currency
  , term_start
  , term_end
  , owner
  , ledger_halted
  , metadata
  , created_at
  , updated_at
  , deleted_at
`

// Create inserts a new quote row.
func (r *QuoteRepository) Create(ctx context.Context, quote *models.Quote) error {
	now := time.Now().UTC()

	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = now
	}

	quote.UpdatedAt = now

	if quote.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate quote ID: %w", err)
		}

		quote.ID = id.String()
	}

	if quote.Status == "" {
		quote.Status = models.QuoteStatusDraft
	}

	metadataJSON, err := json.Marshal(quote.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal quote metadata: %w", err)
	}

	query := `
		INSERT INTO quotes (id, status, version, currency, term_start, term_end, owner, ledger_halted, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		quote.ID,
		quote.Status,
		quote.Version,
		quote.Currency,
		quote.TermStart,
		quote.TermEnd,
		quote.Owner,
		quote.LedgerHalted,
		metadataJSON,
		quote.CreatedAt,
		quote.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert quote: %w", err)
	}

	return nil
}

// GetByID returns a quote by its ID.
func (r *QuoteRepository) GetByID(ctx context.Context, id string) (*models.Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1 AND deleted_at IS NULL`

	quote, err := scanQuote(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewQuoteError("GetByID", id, persistence.ErrQuoteNotFound)
		}

		return nil, fmt.Errorf("failed to scan quote: %w", err)
	}

	return quote, nil
}

// PastTerm returns non-terminal quotes whose term has ended.
func (r *QuoteRepository) PastTerm(ctx context.Context, now time.Time) ([]*models.Quote, error) {
	query := `
		SELECT ` + quoteColumns + `
		FROM quotes
		WHERE deleted_at IS NULL
		  AND term_end IS NOT NULL
		  AND term_end <= $1
		  AND status IN ('draft', 'sent', 'approved')
		ORDER BY term_end ASC
	`

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes past term: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	quotes := make([]*models.Quote, 0)

	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}

		quotes = append(quotes, quote)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating quotes: %w", err)
	}

	return quotes, nil
}

// SetLedgerHalted flips the append halt flag for a quote.
func (r *QuoteRepository) SetLedgerHalted(ctx context.Context, quoteID string, halted bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE quotes SET ledger_halted = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		quoteID, halted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger halt flag: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewQuoteError("SetLedgerHalted", quoteID, persistence.ErrQuoteNotFound)
	}

	return nil
}

// updateTx writes the transitioned quote inside the transition transaction.
func (r *QuoteRepository) updateTx(ctx context.Context, tx *sql.Tx, quote *models.Quote) error {
	metadataJSON, err := json.Marshal(quote.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal quote metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE quotes
		SET status = $2, version = $3, term_start = $4, term_end = $5, metadata = $6, updated_at = $7
		WHERE id = $1
	`,
		quote.ID,
		quote.Status,
		quote.Version,
		quote.TermStart,
		quote.TermEnd,
		metadataJSON,
		quote.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update quote: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*models.Quote, error) {
	var (
		quote        models.Quote
		metadataJSON []byte
	)

	err := row.Scan(
		&quote.ID,
		&quote.Status,
		&quote.Version,
		&quote.Currency,
		&quote.TermStart,
		&quote.TermEnd,
		&quote.Owner,
		&quote.LedgerHalted,
		&metadataJSON,
		&quote.CreatedAt,
		&quote.UpdatedAt,
		&quote.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		err = json.Unmarshal(metadataJSON, &quote.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal quote metadata: %w", err)
		}
	}

	return &quote, nil
}
