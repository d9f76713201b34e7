// Package ledger implements the append-only, content-addressed quote ledger:
// canonical state serialization, hash chaining, signatures and chain
// verification.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quotehq/quoteflow/pkg/models"
)

// canonicalState is the deterministic projection of a quote's externally
// visible fields. Field order matches the alphabetical key order of the
// serialized form; times are RFC3339 UTC strings; there are no floats, so
// two independent implementations hashing the same logical state produce an
// identical hash.
type canonicalState struct {
	Currency  string            `json:"currency"`
	Fields    map[string]string `json:"fields"`
	Owner     string            `json:"owner"`
	QuoteID   string            `json:"quote_id"`
	Status    string            `json:"status"`
	TermEnd   string            `json:"term_end,omitempty"`
	TermStart string            `json:"term_start,omitempty"`
	Version   int               `json:"version"`
}

// CanonicalQuoteState serializes the externally-visible quote state
// deterministically. encoding/json sorts map keys, so the collected field
// map is stable; wall-clock values never enter the hash input.
func CanonicalQuoteState(quote *models.Quote, fields map[string]string) ([]byte, error) {
	state := canonicalState{
		Currency: quote.Currency,
		Fields:   fields,
		Owner:    quote.Owner,
		QuoteID:  quote.ID,
		Status:   string(quote.Status),
		Version:  quote.Version,
	}

	if state.Fields == nil {
		state.Fields = map[string]string{}
	}

	if quote.TermStart != nil {
		state.TermStart = quote.TermStart.UTC().Format(time.RFC3339)
	}

	if quote.TermEnd != nil {
		state.TermEnd = quote.TermEnd.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical state: %w", err)
	}

	return payload, nil
}
