package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotehq/quoteflow/pkg/models"
)

func TestCanonicalQuoteState_Deterministic(t *testing.T) {
	termEnd := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)

	quote := &models.Quote{
		ID:       testQuoteID,
		Status:   models.QuoteStatusDraft,
		Version:  3,
		Currency: "USD",
		Owner:    "team-emea",
		TermEnd:  &termEnd,
	}

	fields := map[string]string{"term": "12m", "customer": "acme", "line_items": "a, b"}

	first, err := CanonicalQuoteState(quote, fields)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := CanonicalQuoteState(quote, fields)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.Equal(t, ContentHash(first), ContentHash(first))
}

func TestCanonicalQuoteState_VersionChangesHash(t *testing.T) {
	quote := &models.Quote{ID: testQuoteID, Status: models.QuoteStatusDraft, Version: 1, Currency: "USD", Owner: "o"}

	first, err := CanonicalQuoteState(quote, nil)
	require.NoError(t, err)

	quote.Version = 2

	second, err := CanonicalQuoteState(quote, nil)
	require.NoError(t, err)

	assert.NotEqual(t, ContentHash(first), ContentHash(second))
}

func TestCanonicalQuoteState_NilFieldsSerializeAsEmptyObject(t *testing.T) {
	quote := &models.Quote{ID: testQuoteID, Status: models.QuoteStatusDraft, Version: 1, Currency: "USD", Owner: "o"}

	withNil, err := CanonicalQuoteState(quote, nil)
	require.NoError(t, err)

	withEmpty, err := CanonicalQuoteState(quote, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, withNil, withEmpty)
	assert.Contains(t, string(withNil), `"fields":{}`)
}

func TestCanonicalQuoteState_TimesNormalizedToUTC(t *testing.T) {
	utc := time.Date(2027, 3, 1, 12, 0, 0, 0, time.UTC)
	zoned := utc.In(time.FixedZone("CET", 3600))

	first, err := CanonicalQuoteState(&models.Quote{ID: testQuoteID, Status: models.QuoteStatusDraft, Currency: "USD", Owner: "o", TermEnd: &utc}, nil)
	require.NoError(t, err)

	second, err := CanonicalQuoteState(&models.Quote{ID: testQuoteID, Status: models.QuoteStatusDraft, Currency: "USD", Owner: "o", TermEnd: &zoned}, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
