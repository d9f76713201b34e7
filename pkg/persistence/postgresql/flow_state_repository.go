package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
)

// FlowStateRepository handles flow state database operations.
type FlowStateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowStateRepository creates a new flow state repository.
func NewFlowStateRepository(db *sql.DB, logger *slog.Logger) *FlowStateRepository {
	return &FlowStateRepository{db: db, logger: logger}
}

const flowStateColumns = `
	quote_id
  , flow_type
  , current_step
  , step_number
  , required_fields
  , missing_fields
  , fields
  , last_prompt
  , last_input
  , metadata
  , created_at
  , updated_at
  , archived_at
`

// Save upserts the flow state row for a quote.
func (r *FlowStateRepository) Save(ctx context.Context, state *models.FlowState) error {
	now := time.Now().UTC()

	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}

	state.UpdatedAt = now

	return r.exec(ctx, r.db, state)
}

// saveTx upserts the flow state inside the transition transaction. The
// caller owns timestamps there.
func (r *FlowStateRepository) saveTx(ctx context.Context, tx *sql.Tx, state *models.FlowState) error {
	return r.exec(ctx, tx, state)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *FlowStateRepository) exec(ctx context.Context, db execer, state *models.FlowState) error {
	requiredJSON, err := json.Marshal(state.RequiredFields)
	if err != nil {
		return fmt.Errorf("failed to marshal required fields: %w", err)
	}

	missingJSON, err := json.Marshal(state.MissingFields)
	if err != nil {
		return fmt.Errorf("failed to marshal missing fields: %w", err)
	}

	fieldsJSON, err := json.Marshal(state.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	metadataJSON, err := json.Marshal(state.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal flow state metadata: %w", err)
	}

	query := `
		INSERT INTO flow_states (quote_id, flow_type, current_step, step_number, required_fields, missing_fields, fields, last_prompt, last_input, metadata, created_at, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (quote_id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			step_number = EXCLUDED.step_number,
			required_fields = EXCLUDED.required_fields,
			missing_fields = EXCLUDED.missing_fields,
			fields = EXCLUDED.fields,
			last_prompt = EXCLUDED.last_prompt,
			last_input = EXCLUDED.last_input,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			archived_at = EXCLUDED.archived_at
	`

	_, err = db.ExecContext(ctx, query,
		state.QuoteID,
		state.FlowType,
		state.CurrentStep,
		state.StepNumber,
		requiredJSON,
		missingJSON,
		fieldsJSON,
		state.LastPrompt,
		state.LastInput,
		metadataJSON,
		state.CreatedAt,
		state.UpdatedAt,
		state.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow state: %w", err)
	}

	return nil
}

// GetByQuoteID returns the flow state for a quote.
func (r *FlowStateRepository) GetByQuoteID(ctx context.Context, quoteID string) (*models.FlowState, error) {
	query := `SELECT ` + flowStateColumns + ` FROM flow_states WHERE quote_id = $1`

	var (
		state        models.FlowState
		requiredJSON []byte
		missingJSON  []byte
		fieldsJSON   []byte
		metadataJSON []byte
		lastPrompt   sql.NullString
		lastInput    sql.NullString
	)

	err := r.db.QueryRowContext(ctx, query, quoteID).Scan(
		&state.QuoteID,
		&state.FlowType,
		&state.CurrentStep,
		&state.StepNumber,
		&requiredJSON,
		&missingJSON,
		&fieldsJSON,
		&lastPrompt,
		&lastInput,
		&metadataJSON,
		&state.CreatedAt,
		&state.UpdatedAt,
		&state.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewQuoteError("FlowStateByQuoteID", quoteID, persistence.ErrFlowStateNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow state: %w", err)
	}

	state.LastPrompt = lastPrompt.String
	state.LastInput = lastInput.String

	err = json.Unmarshal(requiredJSON, &state.RequiredFields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal required fields: %w", err)
	}

	err = json.Unmarshal(missingJSON, &state.MissingFields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal missing fields: %w", err)
	}

	err = json.Unmarshal(fieldsJSON, &state.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	if len(metadataJSON) > 0 {
		err = json.Unmarshal(metadataJSON, &state.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow state metadata: %w", err)
		}
	}

	return &state, nil
}
