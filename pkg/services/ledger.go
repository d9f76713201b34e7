package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quotehq/quoteflow/pkg/eventbus"
	"github.com/quotehq/quoteflow/pkg/events"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
)

// LedgerService exposes ledger reads, on-demand verification and halt
// management.
type LedgerService struct {
	persistence persistence.Persistence
	verifier    *ledger.Verifier
	eventBus    eventbus.EventBus
	logger      *slog.Logger
}

// NewLedgerService creates a ledger service.
func NewLedgerService(
	p persistence.Persistence,
	verifier *ledger.Verifier,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		persistence: p,
		verifier:    verifier,
		eventBus:    eventBus,
		logger:      logger.With("module", "ledger_service"),
	}
}

// History returns a quote's ledger entries ordered by version, restartable
// from any version.
func (s *LedgerService) History(ctx context.Context, quoteID string, fromVersion int) ([]*models.QuoteLedgerEntry, error) {
	_, err := s.persistence.QuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	return s.persistence.LedgerHistory(ctx, quoteID, fromVersion)
}

// Verifications returns a quote's recorded verification runs.
func (s *LedgerService) Verifications(ctx context.Context, quoteID string) ([]*models.LedgerVerification, error) {
	_, err := s.persistence.QuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	return s.persistence.VerificationsByQuoteID(ctx, quoteID)
}

// Verify walks the quote's chain and records the outcome. A detected break
// halts appends for the quote and publishes a LedgerBroken event; the
// result describing the break is still returned.
func (s *LedgerService) Verify(ctx context.Context, quoteID string, now time.Time) (*ledger.VerificationResult, error) {
	_, err := s.persistence.QuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	result, err := s.verifier.Verify(ctx, quoteID, now)
	if err != nil && errors.Is(err, ledger.ErrChainBroken) {
		s.publishBroken(ctx, quoteID, result, now)

		return result, err
	}

	return result, err
}

// ClearHalt re-enables appends for a quote after an operator resolved a
// chain break. It refuses while the latest verification still reports a
// broken chain.
func (s *LedgerService) ClearHalt(ctx context.Context, quoteID string, now time.Time) error {
	result, err := s.Verify(ctx, quoteID, now)
	if err != nil {
		if result == nil {
			return fmt.Errorf("cannot clear halt for quote %s: %w", quoteID, err)
		}

		return fmt.Errorf("cannot clear halt, chain still broken at version %d: %w", result.BrokenVersion, err)
	}

	err = s.persistence.SetLedgerHalted(ctx, quoteID, false)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Ledger halt cleared", "quote_id", quoteID)

	return nil
}

func (s *LedgerService) publishBroken(ctx context.Context, quoteID string, result *ledger.VerificationResult, now time.Time) {
	if s.eventBus == nil || result == nil {
		return
	}

	broken := events.LedgerBroken{
		BaseEvent: events.BaseEvent{
			ID:        s.eventBus.GenerateID(),
			Type:      events.LedgerBrokenEvent,
			Timestamp: now.UTC(),
			QuoteID:   quoteID,
		},
		BrokenVersion: result.BrokenVersion,
		Detail:        result.Detail,
	}

	err := s.eventBus.Publish(ctx, quoteID, broken)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish ledger break event",
			"quote_id", quoteID,
			"error", err,
		)
	}
}
