package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/persistence/memory"
	"github.com/quotehq/quoteflow/pkg/persistence/postgresql"
)

// NewPersistence creates the persistence backend for a database URL.
// postgres:// URLs get the real store; memory:// backs local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string, chain *ledger.Chain) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewPersistence(ctx, logger, databaseURL, chain)
	case strings.HasPrefix(databaseURL, "memory://"):
		return memory.NewPersistence(logger, chain), nil
	default:
		return nil, fmt.Errorf("unsupported database URL scheme: %s", databaseURL)
	}
}
