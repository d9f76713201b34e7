package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Quote aggregate roots. Production never hard-deletes quotes;
			-- deleted_at and the cascades below exist for test/seed
			-- environments only.
			CREATE TABLE quotes (
				id UUID PRIMARY KEY,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'sent', 'approved', 'rejected', 'expired', 'won', 'lost')),
				version INT NOT NULL DEFAULT 0,
				currency CHAR(3) NOT NULL,
				term_start TIMESTAMP WITH TIME ZONE,
				term_end TIMESTAMP WITH TIME ZONE,
				owner VARCHAR(255) NOT NULL,
				ledger_halted BOOLEAN NOT NULL DEFAULT false,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_quotes_status ON quotes(status);
			CREATE INDEX idx_quotes_owner ON quotes(owner);
			CREATE INDEX idx_quotes_term_end ON quotes(term_end);
			CREATE INDEX idx_quotes_deleted_at ON quotes(deleted_at);

			-- Per-quote flow state machine rows.
			CREATE TABLE flow_states (
				quote_id UUID PRIMARY KEY REFERENCES quotes(id) ON DELETE CASCADE,
				flow_type VARCHAR(50) NOT NULL,
				current_step VARCHAR(50) NOT NULL,
				step_number INT NOT NULL DEFAULT 0,
				required_fields JSONB NOT NULL DEFAULT '[]',
				missing_fields JSONB NOT NULL DEFAULT '[]',
				fields JSONB NOT NULL DEFAULT '{}',
				last_prompt TEXT,
				last_input TEXT,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_states_current_step ON flow_states(current_step);

			-- Append-only hash-chained quote ledger.
			CREATE TABLE quote_ledger (
				id UUID PRIMARY KEY,
				quote_id UUID NOT NULL REFERENCES quotes(id) ON DELETE CASCADE,
				version INT NOT NULL,
				content_hash CHAR(64) NOT NULL,
				prev_hash CHAR(64),
				actor_id VARCHAR(255) NOT NULL,
				action_type VARCHAR(50) NOT NULL,
				signature CHAR(64) NOT NULL,
				ts TIMESTAMP WITH TIME ZONE NOT NULL,
				metadata JSONB,
				UNIQUE (quote_id, version)
			);

			CREATE INDEX idx_quote_ledger_quote_id ON quote_ledger(quote_id);

			-- Append-only verification annotations; never mutate quote_ledger.
			CREATE TABLE ledger_verifications (
				id UUID PRIMARY KEY,
				quote_id UUID NOT NULL REFERENCES quotes(id) ON DELETE CASCADE,
				version_reached INT NOT NULL,
				ok BOOLEAN NOT NULL,
				detail TEXT,
				verified_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_ledger_verifications_quote_id ON ledger_verifications(quote_id);

			-- Durable execution queue.
			CREATE TABLE execution_queue_tasks (
				id UUID PRIMARY KEY,
				quote_id UUID NOT NULL REFERENCES quotes(id) ON DELETE CASCADE,
				operation VARCHAR(255) NOT NULL,
				idempotency_key VARCHAR(512) NOT NULL UNIQUE,
				state_key VARCHAR(512) NOT NULL,
				payload JSONB,
				available_at TIMESTAMP WITH TIME ZONE NOT NULL,
				attempts INT NOT NULL DEFAULT 0,
				max_attempts INT NOT NULL DEFAULT 3,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'processing', 'succeeded', 'failed', 'dead', 'skipped')),
				last_error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_queue_tasks_lease ON execution_queue_tasks(status, available_at);
			CREATE INDEX idx_execution_queue_tasks_quote_id ON execution_queue_tasks(quote_id);

			-- Idempotency ledger: a non-expired row proves the (quote,
			-- state key) operation already executed.
			CREATE TABLE execution_idempotency_ledger (
				quote_id UUID NOT NULL REFERENCES quotes(id) ON DELETE CASCADE,
				state_key VARCHAR(512) NOT NULL,
				quote_version INT NOT NULL,
				result JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (quote_id, state_key)
			);

			CREATE INDEX idx_execution_idempotency_expires_at ON execution_idempotency_ledger(expires_at);

			-- One audit row per queue task status edge.
			CREATE TABLE execution_queue_transition_audit (
				id UUID PRIMARY KEY,
				task_id UUID NOT NULL REFERENCES execution_queue_tasks(id) ON DELETE CASCADE,
				quote_id UUID NOT NULL REFERENCES quotes(id) ON DELETE CASCADE,
				from_status VARCHAR(50) NOT NULL,
				to_status VARCHAR(50) NOT NULL,
				attempt INT NOT NULL DEFAULT 0,
				note TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_queue_audit_task_id ON execution_queue_transition_audit(task_id);
			CREATE INDEX idx_queue_audit_quote_id ON execution_queue_transition_audit(quote_id);
		`,
		2: `
			-- Lease deadlines: a processing task past leased_until belonged
			-- to a crashed worker and is reclaimable.
			ALTER TABLE execution_queue_tasks ADD COLUMN leased_until TIMESTAMP WITH TIME ZONE;

			CREATE INDEX idx_execution_queue_tasks_leased_until ON execution_queue_tasks(status, leased_until);
		`,
	}
}
