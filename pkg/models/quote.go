// Package models defines the core domain models for the quoting substrate.
package models

import "time"

// QuoteStatus represents the lifecycle state of a quote.
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "draft"
	QuoteStatusSent     QuoteStatus = "sent"
	QuoteStatusApproved QuoteStatus = "approved"
	QuoteStatusRejected QuoteStatus = "rejected"
	QuoteStatusExpired  QuoteStatus = "expired"
	QuoteStatusWon      QuoteStatus = "won"
	QuoteStatusLost     QuoteStatus = "lost"
)

// Quote is the aggregate root. It is mutated only through flow transitions
// or ledger appends, never directly by external collaborators. Version is
// incremented once per committed ledger append and starts at 0 before the
// first one.
type Quote struct {
	ID           string         `json:"id"`
	Status       QuoteStatus    `json:"status"       validate:"required"`
	Version      int            `json:"version"`
	Currency     string         `json:"currency"     validate:"required,iso4217"`
	TermStart    *time.Time     `json:"term_start,omitempty"`
	TermEnd      *time.Time     `json:"term_end,omitempty"`
	Owner        string         `json:"owner"        validate:"required"`
	LedgerHalted bool           `json:"ledger_halted"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}
