package models

import "time"

// ActionType classifies what produced a ledger entry.
type ActionType string

const (
	ActionFlowStarted     ActionType = "flow.started"
	ActionFieldsUpdated   ActionType = "fields.updated"
	ActionStepAdvanced    ActionType = "step.advanced"
	ActionPricingAccepted ActionType = "pricing.accepted"
	ActionApprovalGranted ActionType = "approval.granted"
	ActionApprovalDenied  ActionType = "approval.denied"
	ActionQuoteWon        ActionType = "quote.won"
	ActionQuoteLost       ActionType = "quote.lost"
	ActionQuoteCancelled  ActionType = "quote.cancelled"
	ActionQuoteExpired    ActionType = "quote.expired"
)

// QuoteLedgerEntry is one immutable link of a quote's hash chain. Entries
// for a quote have contiguous versions starting at 1, each PrevHash equal to
// the content hash of its predecessor (empty for version 1).
type QuoteLedgerEntry struct {
	ID          string         `json:"id"`
	QuoteID     string         `json:"quote_id"`
	Version     int            `json:"version"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	ActorID     string         `json:"actor_id"`
	ActionType  ActionType     `json:"action_type"`
	Signature   string         `json:"signature"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// LedgerVerification is an append-only record of one verification run.
// Verification never mutates ledger rows, it only annotates them.
type LedgerVerification struct {
	ID             string    `json:"id"`
	QuoteID        string    `json:"quote_id"`
	VersionReached int       `json:"version_reached"`
	OK             bool      `json:"ok"`
	Detail         string    `json:"detail,omitempty"`
	VerifiedAt     time.Time `json:"verified_at"`
}
