// Package memory provides an in-memory persistence implementation. It backs
// unit tests and local development; nothing survives a process restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
)

type idempotencyKey struct {
	quoteID  string
	stateKey string
}

// Persistence is a mutex-guarded in-memory store. One lock covers all
// collections so ApplyTransition gets the same all-or-nothing behavior as
// the database-backed implementation.
type Persistence struct {
	mu sync.Mutex

	logger *slog.Logger
	chain  *ledger.Chain

	quotes      map[string]*models.Quote
	flowStates  map[string]*models.FlowState
	tasks       map[string]*models.ExecutionQueueTask
	tasksByKey  map[string]string
	audits      []*models.TransitionAudit
	entries     map[string][]*models.QuoteLedgerEntry
	idempotency map[idempotencyKey]*models.IdempotencyLedgerEntry
	verifs      map[string][]*models.LedgerVerification
}

// NewPersistence creates an empty in-memory store.
func NewPersistence(logger *slog.Logger, chain *ledger.Chain) *Persistence {
	return &Persistence{
		logger:      logger.With("module", "persistence_memory"),
		chain:       chain,
		quotes:      make(map[string]*models.Quote),
		flowStates:  make(map[string]*models.FlowState),
		tasks:       make(map[string]*models.ExecutionQueueTask),
		tasksByKey:  make(map[string]string),
		entries:     make(map[string][]*models.QuoteLedgerEntry),
		idempotency: make(map[idempotencyKey]*models.IdempotencyLedgerEntry),
		verifs:      make(map[string][]*models.LedgerVerification),
	}
}

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }

// CreateQuote stores a new quote.
func (p *Persistence) CreateQuote(_ context.Context, quote *models.Quote) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	if quote.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		quote.ID = id.String()
	}

	if quote.Status == "" {
		quote.Status = models.QuoteStatusDraft
	}

	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = now
	}

	quote.UpdatedAt = now
	p.quotes[quote.ID] = cloneQuote(quote)

	return nil
}

func (p *Persistence) QuoteByID(_ context.Context, id string) (*models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	quote, ok := p.quotes[id]
	if !ok || quote.DeletedAt != nil {
		return nil, persistence.NewQuoteError("QuoteByID", id, persistence.ErrQuoteNotFound)
	}

	return cloneQuote(quote), nil
}

func (p *Persistence) QuotesPastTerm(_ context.Context, now time.Time) ([]*models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	quotes := make([]*models.Quote, 0)

	for _, quote := range p.quotes {
		if quote.DeletedAt != nil || quote.TermEnd == nil || quote.TermEnd.After(now) {
			continue
		}

		switch quote.Status {
		case models.QuoteStatusDraft, models.QuoteStatusSent, models.QuoteStatusApproved:
			quotes = append(quotes, cloneQuote(quote))
		}
	}

	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].TermEnd.Before(*quotes[j].TermEnd)
	})

	return quotes, nil
}

func (p *Persistence) SetLedgerHalted(_ context.Context, quoteID string, halted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	quote, ok := p.quotes[quoteID]
	if !ok || quote.DeletedAt != nil {
		return persistence.NewQuoteError("SetLedgerHalted", quoteID, persistence.ErrQuoteNotFound)
	}

	quote.LedgerHalted = halted
	quote.UpdatedAt = time.Now().UTC()

	return nil
}

func (p *Persistence) SaveFlowState(_ context.Context, state *models.FlowState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.saveFlowStateLocked(state)

	return nil
}

func (p *Persistence) saveFlowStateLocked(state *models.FlowState) {
	now := time.Now().UTC()

	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}

	state.UpdatedAt = now
	p.flowStates[state.QuoteID] = state.Clone()
}

func (p *Persistence) FlowStateByQuoteID(_ context.Context, quoteID string) (*models.FlowState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.flowStates[quoteID]
	if !ok {
		return nil, persistence.NewQuoteError("FlowStateByQuoteID", quoteID, persistence.ErrFlowStateNotFound)
	}

	return state.Clone(), nil
}

// InsertTask inserts a task unless its idempotency key is already present.
func (p *Persistence) InsertTask(_ context.Context, task *models.ExecutionQueueTask) (*models.ExecutionQueueTask, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.insertTaskLocked(task)
}

func (p *Persistence) insertTaskLocked(task *models.ExecutionQueueTask) (*models.ExecutionQueueTask, bool, error) {
	if existingID, ok := p.tasksByKey[task.IdempotencyKey]; ok {
		existing := p.tasks[existingID]
		if existing.Operation != task.Operation || existing.QuoteID != task.QuoteID || !existing.SamePayload(task.Payload) {
			return nil, false, persistence.NewTaskError("InsertTask", task.IdempotencyKey, persistence.ErrIdempotencyConflict)
		}

		return cloneTask(existing), false, nil
	}

	now := time.Now().UTC()

	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, err
		}

		task.ID = id.String()
	}

	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	if task.AvailableAt.IsZero() {
		task.AvailableAt = now
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	task.UpdatedAt = now

	p.tasks[task.ID] = cloneTask(task)
	p.tasksByKey[task.IdempotencyKey] = task.ID

	return cloneTask(task), true, nil
}

// LeaseNext claims the earliest available pending task until leaseUntil.
func (p *Persistence) LeaseNext(_ context.Context, now, leaseUntil time.Time) (*models.ExecutionQueueTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next *models.ExecutionQueueTask

	for _, task := range p.tasks {
		if task.Status != models.TaskStatusPending || task.AvailableAt.After(now) {
			continue
		}

		if next == nil || task.AvailableAt.Before(next.AvailableAt) ||
			(task.AvailableAt.Equal(next.AvailableAt) && task.CreatedAt.Before(next.CreatedAt)) {
			next = task
		}
	}

	if next == nil {
		return nil, persistence.ErrNoTaskAvailable
	}

	until := leaseUntil.UTC()
	next.Status = models.TaskStatusProcessing
	next.LeasedUntil = &until
	next.UpdatedAt = now.UTC()

	return cloneTask(next), nil
}

// ReclaimExpiredLeases returns processing tasks with a lapsed lease
// deadline to pending, recording one audit row each.
func (p *Persistence) ReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reclaimed := 0

	for _, task := range p.tasks {
		if task.Status != models.TaskStatusProcessing || task.LeasedUntil == nil || task.LeasedUntil.After(now) {
			continue
		}

		task.Status = models.TaskStatusPending
		task.LeasedUntil = nil
		task.UpdatedAt = now.UTC()

		err := p.auditLocked(task, models.TaskStatusProcessing, models.TaskStatusPending, "lease expired, reclaimed")
		if err != nil {
			return reclaimed, err
		}

		reclaimed++
	}

	return reclaimed, nil
}

// UpdateTask persists a status change and records one audit row.
func (p *Persistence) UpdateTask(_ context.Context, task *models.ExecutionQueueTask, from models.TaskStatus, note string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.tasks[task.ID]
	if !ok {
		return persistence.NewTaskError("UpdateTask", task.ID, persistence.ErrTaskNotFound)
	}

	stored.Status = task.Status
	stored.Attempts = task.Attempts
	stored.AvailableAt = task.AvailableAt
	stored.LeasedUntil = task.LeasedUntil
	stored.LastError = task.LastError
	stored.UpdatedAt = time.Now().UTC()
	task.UpdatedAt = stored.UpdatedAt

	return p.auditLocked(stored, from, stored.Status, note)
}

func (p *Persistence) auditLocked(task *models.ExecutionQueueTask, from, to models.TaskStatus, note string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}

	p.audits = append(p.audits, &models.TransitionAudit{
		ID:         id.String(),
		TaskID:     task.ID,
		QuoteID:    task.QuoteID,
		FromStatus: from,
		ToStatus:   to,
		Attempt:    task.Attempts,
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	})

	return nil
}

func (p *Persistence) TaskByID(_ context.Context, id string) (*models.ExecutionQueueTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[id]
	if !ok {
		return nil, persistence.NewTaskError("TaskByID", id, persistence.ErrTaskNotFound)
	}

	return cloneTask(task), nil
}

func (p *Persistence) TasksByQuoteID(_ context.Context, quoteID string) ([]*models.ExecutionQueueTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := make([]*models.ExecutionQueueTask, 0)

	for _, task := range p.tasks {
		if task.QuoteID == quoteID {
			tasks = append(tasks, cloneTask(task))
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	return tasks, nil
}

func (p *Persistence) DeadTasks(_ context.Context) ([]*models.ExecutionQueueTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := make([]*models.ExecutionQueueTask, 0)

	for _, task := range p.tasks {
		if task.Status == models.TaskStatusDead {
			tasks = append(tasks, cloneTask(task))
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
	})

	return tasks, nil
}

func (p *Persistence) AuditByTaskID(_ context.Context, taskID string) ([]*models.TransitionAudit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	audits := make([]*models.TransitionAudit, 0)

	for _, audit := range p.audits {
		if audit.TaskID == taskID {
			copied := *audit
			audits = append(audits, &copied)
		}
	}

	return audits, nil
}

func (p *Persistence) SaveIdempotencyEntry(_ context.Context, entry *models.IdempotencyLedgerEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	copied := *entry
	p.idempotency[idempotencyKey{entry.QuoteID, entry.StateKey}] = &copied

	return nil
}

func (p *Persistence) IdempotencyEntry(_ context.Context, quoteID, stateKey string) (*models.IdempotencyLedgerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.idempotency[idempotencyKey{quoteID, stateKey}]
	if !ok {
		return nil, nil
	}

	copied := *entry

	return &copied, nil
}

func (p *Persistence) ExpireIdempotencyEntries(_ context.Context, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	expired := 0

	for key, entry := range p.idempotency {
		if !entry.Expired(now) {
			continue
		}

		quote, ok := p.quotes[entry.QuoteID]
		if !ok || quote.Version <= entry.QuoteVersion {
			continue
		}

		delete(p.idempotency, key)
		expired++
	}

	return expired, nil
}

func (p *Persistence) LatestLedgerEntry(_ context.Context, quoteID string) (*models.QuoteLedgerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.latestLedgerEntryLocked(quoteID)
}

func (p *Persistence) latestLedgerEntryLocked(quoteID string) (*models.QuoteLedgerEntry, error) {
	entries := p.entries[quoteID]
	if len(entries) == 0 {
		return nil, persistence.NewQuoteError("LatestLedgerEntry", quoteID, persistence.ErrLedgerEntryNotFound)
	}

	copied := *entries[len(entries)-1]

	return &copied, nil
}

func (p *Persistence) LedgerHistory(_ context.Context, quoteID string, fromVersion int) ([]*models.QuoteLedgerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fromVersion < 1 {
		fromVersion = 1
	}

	history := make([]*models.QuoteLedgerEntry, 0)

	for _, entry := range p.entries[quoteID] {
		if entry.Version >= fromVersion {
			copied := *entry
			history = append(history, &copied)
		}
	}

	return history, nil
}

func (p *Persistence) SaveVerification(_ context.Context, verification *models.LedgerVerification) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if verification.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		verification.ID = id.String()
	}

	if verification.VerifiedAt.IsZero() {
		verification.VerifiedAt = time.Now().UTC()
	}

	copied := *verification
	p.verifs[verification.QuoteID] = append([]*models.LedgerVerification{&copied}, p.verifs[verification.QuoteID]...)

	return nil
}

func (p *Persistence) VerificationsByQuoteID(_ context.Context, quoteID string) ([]*models.LedgerVerification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	verifications := make([]*models.LedgerVerification, 0)

	for _, verification := range p.verifs[quoteID] {
		copied := *verification
		verifications = append(verifications, &copied)
	}

	return verifications, nil
}

// ApplyTransition commits a flow transition under the store lock, mirroring
// the serializable transaction of the database-backed implementation.
func (p *Persistence) ApplyTransition(_ context.Context, commit *persistence.TransitionCommit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	quoteID := commit.Quote.ID

	stored, ok := p.quotes[quoteID]
	if !ok || stored.DeletedAt != nil {
		return persistence.NewQuoteError("ApplyTransition", quoteID, persistence.ErrQuoteNotFound)
	}

	if stored.Version != commit.ExpectedVersion {
		return persistence.NewQuoteError("ApplyTransition", quoteID, persistence.ErrConcurrentModification)
	}

	if stored.LedgerHalted {
		return persistence.NewQuoteError("ApplyTransition", quoteID, persistence.ErrLedgerHalted)
	}

	var prev *models.QuoteLedgerEntry
	if entries := p.entries[quoteID]; len(entries) > 0 {
		prev = entries[len(entries)-1]
	}

	entry, err := p.chain.Next(prev, *commit.Append)
	if err != nil {
		return err
	}

	if entry.Version != commit.Quote.Version {
		return fmt.Errorf("ledger version %d does not match quote version %d", entry.Version, commit.Quote.Version)
	}

	p.quotes[quoteID] = cloneQuote(commit.Quote)
	p.quotes[quoteID].LedgerHalted = stored.LedgerHalted
	p.quotes[quoteID].CreatedAt = stored.CreatedAt
	p.saveFlowStateLocked(commit.FlowState)

	for _, task := range commit.Tasks {
		_, _, err = p.insertTaskLocked(task)
		if err != nil {
			return err
		}
	}

	if commit.CancelPending {
		for _, task := range p.tasks {
			if task.QuoteID != quoteID || task.Status != models.TaskStatusPending {
				continue
			}

			task.Status = models.TaskStatusSkipped
			task.UpdatedAt = time.Now().UTC()

			err = p.auditLocked(task, models.TaskStatusPending, models.TaskStatusSkipped, "flow reached terminal step")
			if err != nil {
				return err
			}
		}
	}

	p.entries[quoteID] = append(p.entries[quoteID], entry)

	return nil
}

func cloneQuote(quote *models.Quote) *models.Quote {
	copied := *quote

	if quote.Metadata != nil {
		copied.Metadata = make(map[string]any, len(quote.Metadata))
		for k, v := range quote.Metadata {
			copied.Metadata[k] = v
		}
	}

	return &copied
}

func cloneTask(task *models.ExecutionQueueTask) *models.ExecutionQueueTask {
	copied := *task

	if task.LeasedUntil != nil {
		until := *task.LeasedUntil
		copied.LeasedUntil = &until
	}

	if task.Payload != nil {
		copied.Payload = make(map[string]any, len(task.Payload))
		for k, v := range task.Payload {
			copied.Payload[k] = v
		}
	}

	return &copied
}
