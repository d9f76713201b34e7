package ledger

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotehq/quoteflow/pkg/models"
)

type fakeStore struct {
	entries       []*models.QuoteLedgerEntry
	verifications []*models.LedgerVerification
	halted        map[string]bool
}

func newFakeStore(entries []*models.QuoteLedgerEntry) *fakeStore {
	return &fakeStore{entries: entries, halted: map[string]bool{}}
}

func (s *fakeStore) LedgerHistory(_ context.Context, _ string, _ int) ([]*models.QuoteLedgerEntry, error) {
	return s.entries, nil
}

func (s *fakeStore) SaveVerification(_ context.Context, verification *models.LedgerVerification) error {
	s.verifications = append(s.verifications, verification)

	return nil
}

func (s *fakeStore) SetLedgerHalted(_ context.Context, quoteID string, halted bool) error {
	s.halted[quoteID] = halted

	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestVerifier_Verify_IntactChain(t *testing.T) {
	chain := testChain()
	store := newFakeStore(buildChain(t, chain, 4))
	verifier := NewVerifier(store, chain, testLogger())

	result, err := verifier.Verify(context.Background(), testQuoteID, time.Now())
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, 4, result.Checked)

	require.Len(t, store.verifications, 1)
	assert.True(t, store.verifications[0].OK)
	assert.Equal(t, 4, store.verifications[0].VersionReached)
	assert.False(t, store.halted[testQuoteID])
}

func TestVerifier_Verify_BrokenChainHaltsQuote(t *testing.T) {
	chain := testChain()
	entries := buildChain(t, chain, 5)
	entries[2].ContentHash = ContentHash([]byte("tampered"))

	store := newFakeStore(entries)
	verifier := NewVerifier(store, chain, testLogger())

	result, err := verifier.Verify(context.Background(), testQuoteID, time.Now())
	require.ErrorIs(t, err, ErrChainBroken)

	assert.False(t, result.OK)
	assert.Equal(t, 3, result.BrokenVersion)

	require.Len(t, store.verifications, 1)
	assert.False(t, store.verifications[0].OK)
	assert.NotEmpty(t, store.verifications[0].Detail)
	assert.True(t, store.halted[testQuoteID])
}

func TestVerifier_Verify_RecordsEveryRun(t *testing.T) {
	chain := testChain()
	store := newFakeStore(buildChain(t, chain, 2))
	verifier := NewVerifier(store, chain, testLogger())

	for i := 0; i < 3; i++ {
		_, err := verifier.Verify(context.Background(), testQuoteID, time.Now())
		require.NoError(t, err)
	}

	assert.Len(t, store.verifications, 3)
}
