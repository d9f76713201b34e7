package chat

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence/memory"
	"github.com/quotehq/quoteflow/pkg/queue"
	"github.com/quotehq/quoteflow/pkg/services"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestReceiver(t *testing.T) (*Receiver, *services.FlowService, *memory.Persistence) {
	t.Helper()

	chain := ledger.NewChain(ledger.NewSigner([]byte("test-signing-key")))
	store := memory.NewPersistence(testLogger(), chain)
	flowService := services.NewFlowService(store, flow.NewEngine(), queue.DefaultConfig(), nil, testLogger())

	receiver, err := NewReceiver(flowService, "", "", "", 0, testLogger())
	require.NoError(t, err)

	return receiver, flowService, store
}

func TestNewReceiver_Defaults(t *testing.T) {
	receiver, _, _ := newTestReceiver(t)

	assert.Equal(t, DefaultQueue, receiver.Queue)
	assert.Equal(t, "localhost:6379", receiver.addr)
}

func TestNewReceiver_CustomQueue(t *testing.T) {
	chain := ledger.NewChain(ledger.NewSigner([]byte("test-signing-key")))
	store := memory.NewPersistence(testLogger(), chain)
	flowService := services.NewFlowService(store, flow.NewEngine(), queue.DefaultConfig(), nil, testLogger())

	receiver, err := NewReceiver(flowService, "custom:queue", "redis:6379", "secret", 2, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "custom:queue", receiver.Queue)
	assert.Equal(t, "redis:6379", receiver.addr)
}

func TestApply_CommitsEvent(t *testing.T) {
	ctx := context.Background()
	receiver, flowService, store := newTestReceiver(t)

	started, err := flowService.StartFlow(ctx, services.StartFlowRequest{
		FlowType: models.FlowTypeNetNew,
		Currency: "USD",
		Owner:    "team-emea",
		ActorID:  "user-42",
	})
	require.NoError(t, err)

	err = receiver.apply(ctx, models.FlowEvent{
		Kind:    models.EventFillField,
		QuoteID: started.Quote.ID,
		ActorID: "user-42",
		Payload: map[string]any{"fields": map[string]any{"customer": "acme"}},
	})
	require.NoError(t, err)

	quote, err := store.QuoteByID(ctx, started.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, quote.Version)
}

func TestApply_RejectionIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	receiver, flowService, store := newTestReceiver(t)

	started, err := flowService.StartFlow(ctx, services.StartFlowRequest{
		FlowType: models.FlowTypeNetNew,
		Currency: "USD",
		Owner:    "team-emea",
		ActorID:  "user-42",
	})
	require.NoError(t, err)

	err = receiver.apply(ctx, models.FlowEvent{
		Kind:    models.EventSubmitStep,
		QuoteID: started.Quote.ID,
		ActorID: "user-42",
	})
	require.NoError(t, err)

	quote, err := store.QuoteByID(ctx, started.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, quote.Version)
}

func TestApply_UnknownQuoteFails(t *testing.T) {
	receiver, _, _ := newTestReceiver(t)

	err := receiver.apply(context.Background(), models.FlowEvent{
		Kind:    models.EventFillField,
		QuoteID: uuid.New().String(),
		ActorID: "user-42",
		Payload: map[string]any{"fields": map[string]any{"customer": "acme"}},
	})
	require.Error(t, err)
}
