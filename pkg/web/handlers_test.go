package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence/memory"
	"github.com/quotehq/quoteflow/pkg/queue"
	"github.com/quotehq/quoteflow/pkg/services"
	"github.com/quotehq/quoteflow/pkg/web"
)

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	chain := ledger.NewChain(ledger.NewSigner([]byte("test-signing-key")))
	store := memory.NewPersistence(logger, chain)

	queueConfig := queue.DefaultConfig()
	q := queue.NewQueue(store, queueConfig, logger)
	verifier := ledger.NewVerifier(store, chain, logger)

	flowService := services.NewFlowService(store, flow.NewEngine(), queueConfig, nil, logger)
	ledgerService := services.NewLedgerService(store, verifier, nil, logger)

	handlers := web.NewAPIHandlers(flowService, ledgerService, q, store, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()

	quotes := app.Group("/quotes")
	quotes.Post("/", handlers.CreateQuote)
	quotes.Get("/:id", handlers.GetQuote)
	quotes.Get("/:id/flow-state", handlers.GetFlowState)
	quotes.Post("/:id/events", handlers.ApplyEvent)
	quotes.Get("/:id/ledger", handlers.GetLedger)
	quotes.Post("/:id/ledger/verify", handlers.VerifyLedger)
	quotes.Get("/:id/ledger/verifications", handlers.GetVerifications)
	quotes.Post("/:id/ledger/clear-halt", handlers.ClearLedgerHalt)
	quotes.Post("/:id/tasks", handlers.EnqueueTask)
	quotes.Get("/:id/tasks", handlers.GetTasks)

	tasks := app.Group("/tasks")
	tasks.Get("/dead", handlers.GetDeadTasks)
	tasks.Get("/:id/audit", handlers.GetTaskAudit)

	app.Get("/health", handlers.HealthCheck)

	return app, store
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body []byte

	if payload != nil {
		if str, ok := payload.(string); ok {
			body = []byte(str)
		} else {
			var err error

			body, err = json.Marshal(payload)
			require.NoError(t, err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	err = resp.Body.Close()
	require.NoError(t, err)

	return resp, respBody
}

func createQuoteViaAPI(t *testing.T, app *fiber.App) web.TransitionResponse {
	t.Helper()

	resp, body := doJSON(t, app, http.MethodPost, "/quotes/", services.StartFlowRequest{
		FlowType: models.FlowTypeNetNew,
		Currency: "USD",
		Owner:    "team-emea",
		ActorID:  "user-42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var transition web.TransitionResponse

	require.NoError(t, json.Unmarshal(body, &transition))

	return transition
}

func TestCreateQuote(t *testing.T) {
	app, _ := setupTestApp(t)

	transition := createQuoteViaAPI(t, app)
	assert.NotEmpty(t, transition.Quote.ID)
	assert.Equal(t, models.QuoteStatusDraft, transition.Quote.Status)
	assert.Equal(t, 1, transition.Quote.Version)
	assert.Equal(t, models.StepCollectDetails, transition.FlowState.CurrentStep)
}

func TestCreateQuote_Validation(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/quotes/", services.StartFlowRequest{
		FlowType: "takeover",
		Currency: "USD",
		Owner:    "team-emea",
		ActorID:  "user-42",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/quotes/", "invalid-json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetQuote_And_FlowState(t *testing.T) {
	app, _ := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/quotes/"+created.Quote.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var quote models.Quote

	require.NoError(t, json.Unmarshal(body, &quote))
	assert.Equal(t, created.Quote.ID, quote.ID)

	resp, body = doJSON(t, app, http.MethodGet, "/quotes/"+created.Quote.ID+"/flow-state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state models.FlowState

	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, models.StepCollectDetails, state.CurrentStep)
	assert.Equal(t, []string{"customer", "term"}, state.MissingFields)

	resp, _ = doJSON(t, app, http.MethodGet, "/quotes/unknown-quote", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApplyEvent_CommitsTransition(t *testing.T) {
	app, _ := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/events", web.ApplyEventRequest{
		Kind:    models.EventFillField,
		ActorID: "user-42",
		Payload: map[string]any{"fields": map[string]any{"customer": "acme"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var transition web.TransitionResponse

	require.NoError(t, json.Unmarshal(body, &transition))
	assert.Equal(t, 2, transition.Quote.Version)
	assert.Equal(t, []string{"term"}, transition.FlowState.MissingFields)
	assert.False(t, transition.Replayed)
	assert.Zero(t, transition.TaskCount)
}

func TestApplyEvent_RejectionIs422(t *testing.T) {
	app, _ := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/events", web.ApplyEventRequest{
		Kind:    models.EventSubmitStep,
		ActorID: "user-42",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var problem map[string]any

	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "transition_rejected", problem["type"])
}

func TestApplyEvent_HaltedLedgerIs409(t *testing.T) {
	app, store := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	require.NoError(t, store.SetLedgerHalted(context.Background(), created.Quote.ID, true))

	resp, body := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/events", web.ApplyEventRequest{
		Kind:    models.EventFillField,
		ActorID: "user-42",
		Payload: map[string]any{"fields": map[string]any{"customer": "acme"}},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var problem map[string]any

	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "ledger_halted", problem["type"])
}

func TestGetLedger_RestartableFromVersion(t *testing.T) {
	app, _ := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	for _, fields := range []map[string]any{
		{"customer": "acme"},
		{"term": "12m"},
	} {
		resp, _ := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/events", web.ApplyEventRequest{
			Kind:    models.EventFillField,
			ActorID: "user-42",
			Payload: map[string]any{"fields": fields},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doJSON(t, app, http.MethodGet, "/quotes/"+created.Quote.ID+"/ledger", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ledgerResp web.LedgerResponse

	require.NoError(t, json.Unmarshal(body, &ledgerResp))
	require.Len(t, ledgerResp.Entries, 3)
	assert.Equal(t, 1, ledgerResp.Entries[0].Version)
	assert.Equal(t, ledgerResp.Entries[0].ContentHash, ledgerResp.Entries[1].PrevHash)

	resp, body = doJSON(t, app, http.MethodGet, "/quotes/"+created.Quote.ID+"/ledger?from=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, json.Unmarshal(body, &ledgerResp))
	require.Len(t, ledgerResp.Entries, 1)
	assert.Equal(t, 3, ledgerResp.FromVersion)
	assert.Equal(t, 3, ledgerResp.Entries[0].Version)

	resp, _ = doJSON(t, app, http.MethodGet, "/quotes/"+created.Quote.ID+"/ledger?from=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyLedger(t *testing.T) {
	app, _ := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/ledger/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result ledger.VerificationResult

	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.OK)
	assert.Equal(t, 1, result.Checked)

	resp, body = doJSON(t, app, http.MethodGet, "/quotes/"+created.Quote.ID+"/ledger/verifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var verifications struct {
		Verifications []models.LedgerVerification `json:"verifications"`
	}

	require.NoError(t, json.Unmarshal(body, &verifications))
	require.Len(t, verifications.Verifications, 1)
	assert.True(t, verifications.Verifications[0].OK)
}

func TestClearLedgerHalt(t *testing.T) {
	app, store := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	require.NoError(t, store.SetLedgerHalted(context.Background(), created.Quote.ID, true))

	resp, _ := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/ledger/clear-halt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	quote, err := store.QuoteByID(context.Background(), created.Quote.ID)
	require.NoError(t, err)
	assert.False(t, quote.LedgerHalted)
}

func TestEnqueueTask_AndAudit(t *testing.T) {
	app, _ := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/tasks", web.EnqueueTaskRequest{
		Operation: models.OperationRecomputePricing,
		Payload:   map[string]any{"term": "12m"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var task models.ExecutionQueueTask

	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, created.Quote.ID+":recompute_pricing@v1", task.IdempotencyKey)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	// Duplicate enqueue collapses onto the existing task.
	resp, body = doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/tasks", web.EnqueueTaskRequest{
		Operation: models.OperationRecomputePricing,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var duplicate models.ExecutionQueueTask

	require.NoError(t, json.Unmarshal(body, &duplicate))
	assert.Equal(t, task.ID, duplicate.ID)

	resp, body = doJSON(t, app, http.MethodGet, "/quotes/"+created.Quote.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks struct {
		Tasks []models.ExecutionQueueTask `json:"tasks"`
	}

	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks.Tasks, 1)

	resp, _ = doJSON(t, app, http.MethodGet, "/tasks/"+task.ID+"/audit", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/tasks/unknown-task/audit", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueTask_UnknownOperation(t *testing.T) {
	app, _ := setupTestApp(t)

	created := createQuoteViaAPI(t, app)

	resp, _ := doJSON(t, app, http.MethodPost, "/quotes/"+created.Quote.ID+"/tasks", web.EnqueueTaskRequest{
		Operation: "drop_tables",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDeadTasks_EmptyList(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/tasks/dead", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks struct {
		Tasks []models.ExecutionQueueTask `json:"tasks"`
	}

	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Empty(t, tasks.Tasks)
}

func TestHealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any

	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}
