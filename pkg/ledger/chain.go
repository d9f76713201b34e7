package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/quotehq/quoteflow/pkg/models"
)

// ErrChainBroken indicates a verification run found a linkage, hash or
// signature break. It is fatal: appends for the affected quote must halt
// pending manual investigation.
var ErrChainBroken = errors.New("ledger chain broken")

// AppendRequest carries everything needed to build the next chain entry.
// The timestamp is supplied by the caller, never read from a wall clock
// here, to preserve replay determinism.
type AppendRequest struct {
	QuoteID        string
	ActorID        string
	ActionType     models.ActionType
	CanonicalState []byte
	At             time.Time
	Metadata       map[string]any
}

// Signer computes HMAC-SHA256 signatures over the signed tuple of an entry.
type Signer struct {
	key []byte
}

// NewSigner creates a signer from a deploy-scoped secret key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the signature over (content_hash, prev_hash, version, actor,
// timestamp). The timestamp is normalized to RFC3339 UTC before signing.
func (s *Signer) Sign(contentHash, prevHash string, version int, actorID string, at time.Time) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(contentHash))
	mac.Write([]byte(prevHash))
	mac.Write([]byte(strconv.Itoa(version)))
	mac.Write([]byte(actorID))
	mac.Write([]byte(at.UTC().Format(time.RFC3339)))

	return hex.EncodeToString(mac.Sum(nil))
}

// ContentHash returns the hex-encoded SHA-256 of a canonical state payload.
func ContentHash(canonicalState []byte) string {
	sum := sha256.Sum256(canonicalState)

	return hex.EncodeToString(sum[:])
}

// Chain builds and verifies hash-chained ledger entries. It is pure: all
// inputs arrive through arguments, which is what makes replay and
// independent re-verification possible.
type Chain struct {
	signer *Signer
}

// NewChain creates a chain builder around a signer.
func NewChain(signer *Signer) *Chain {
	return &Chain{signer: signer}
}

// Next builds the ledger entry following prev (nil for an empty chain).
// Version numbers are contiguous from 1 and prev_hash links each entry to
// the content hash of its predecessor.
func (c *Chain) Next(prev *models.QuoteLedgerEntry, req AppendRequest) (*models.QuoteLedgerEntry, error) {
	if len(req.CanonicalState) == 0 {
		return nil, errors.New("canonical state must not be empty")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ledger entry ID: %w", err)
	}

	version := 1
	prevHash := ""

	if prev != nil {
		if prev.QuoteID != req.QuoteID {
			return nil, fmt.Errorf("previous entry belongs to quote %s, not %s", prev.QuoteID, req.QuoteID)
		}

		version = prev.Version + 1
		prevHash = prev.ContentHash
	}

	contentHash := ContentHash(req.CanonicalState)

	return &models.QuoteLedgerEntry{
		ID:          id.String(),
		QuoteID:     req.QuoteID,
		Version:     version,
		ContentHash: contentHash,
		PrevHash:    prevHash,
		ActorID:     req.ActorID,
		ActionType:  req.ActionType,
		Signature:   c.signer.Sign(contentHash, prevHash, version, req.ActorID, req.At),
		Timestamp:   req.At.UTC(),
		Metadata:    req.Metadata,
	}, nil
}

// VerificationResult reports the outcome of one chain walk.
type VerificationResult struct {
	OK            bool   `json:"ok"`
	Checked       int    `json:"checked"`
	BrokenVersion int    `json:"broken_version,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// VerifyEntries walks a chain ordered by version, checking version
// contiguity from 1, prev-hash linkage and signature validity. It reports
// the first break point if any. The walk is read-only.
func (c *Chain) VerifyEntries(entries []*models.QuoteLedgerEntry) VerificationResult {
	prevHash := ""

	for i, entry := range entries {
		wantVersion := i + 1
		if entry.Version != wantVersion {
			return VerificationResult{
				Checked:       i,
				BrokenVersion: entry.Version,
				Detail:        fmt.Sprintf("version gap: expected %d, found %d", wantVersion, entry.Version),
			}
		}

		if entry.PrevHash != prevHash {
			return VerificationResult{
				Checked:       i,
				BrokenVersion: entry.Version,
				Detail:        fmt.Sprintf("linkage break at version %d: prev_hash does not match predecessor", entry.Version),
			}
		}

		signature := c.signer.Sign(entry.ContentHash, entry.PrevHash, entry.Version, entry.ActorID, entry.Timestamp)
		if !hmac.Equal([]byte(signature), []byte(entry.Signature)) {
			return VerificationResult{
				Checked:       i,
				BrokenVersion: entry.Version,
				Detail:        fmt.Sprintf("invalid signature at version %d", entry.Version),
			}
		}

		prevHash = entry.ContentHash
	}

	return VerificationResult{OK: true, Checked: len(entries)}
}
