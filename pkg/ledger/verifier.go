package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quotehq/quoteflow/pkg/models"
)

// Store is the slice of persistence the verifier needs. Verification never
// mutates ledger rows; it only appends a verification record and, on a
// break, flips the quote's halt flag.
type Store interface {
	LedgerHistory(ctx context.Context, quoteID string, fromVersion int) ([]*models.QuoteLedgerEntry, error)
	SaveVerification(ctx context.Context, verification *models.LedgerVerification) error
	SetLedgerHalted(ctx context.Context, quoteID string, halted bool) error
}

// Verifier runs full-chain verification for a quote and records the outcome.
type Verifier struct {
	store  Store
	chain  *Chain
	logger *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(store Store, chain *Chain, logger *slog.Logger) *Verifier {
	return &Verifier{
		store:  store,
		chain:  chain,
		logger: logger.With("module", "ledger_verifier"),
	}
}

// Verify walks the quote's chain from version 1 and appends one
// LedgerVerification record. A break halts further appends for the quote
// and returns ErrChainBroken alongside the result describing the break.
func (v *Verifier) Verify(ctx context.Context, quoteID string, now time.Time) (*VerificationResult, error) {
	entries, err := v.store.LedgerHistory(ctx, quoteID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger history: %w", err)
	}

	result := v.chain.VerifyEntries(entries)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification ID: %w", err)
	}

	verification := &models.LedgerVerification{
		ID:             id.String(),
		QuoteID:        quoteID,
		VersionReached: result.Checked,
		OK:             result.OK,
		Detail:         result.Detail,
		VerifiedAt:     now.UTC(),
	}

	err = v.store.SaveVerification(ctx, verification)
	if err != nil {
		return nil, fmt.Errorf("failed to save verification record: %w", err)
	}

	if result.OK {
		v.logger.InfoContext(ctx, "Ledger chain verified", "quote_id", quoteID, "entries", result.Checked)

		return &result, nil
	}

	v.logger.ErrorContext(ctx, "Ledger chain broken",
		"quote_id", quoteID,
		"broken_version", result.BrokenVersion,
		"detail", result.Detail,
	)

	err = v.store.SetLedgerHalted(ctx, quoteID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to halt ledger for quote %s: %w", quoteID, err)
	}

	return &result, fmt.Errorf("%w: %s", ErrChainBroken, result.Detail)
}
