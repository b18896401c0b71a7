package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE state_executions (
				id VARCHAR(255) PRIMARY KEY,
				display_name VARCHAR(255) NOT NULL,
				state_type VARCHAR(255) NOT NULL,
				account_id VARCHAR(255),
				app_id VARCHAR(255),
				workflow_id VARCHAR(255),
				workflow_execution_id VARCHAR(255) NOT NULL,
				pipeline_execution_id VARCHAR(255),
				state_params JSONB DEFAULT '{}',
				context_elements JSONB DEFAULT '[]',
				state_execution_map JSONB DEFAULT '{}',
				status VARCHAR(50) NOT NULL,
				correlation_ids JSONB DEFAULT '[]',
				error_message TEXT,
				failure_types JSONB DEFAULT '[]',
				expiry_ts TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				end_ts TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_state_executions_workflow_execution_id ON state_executions(workflow_execution_id);
			CREATE INDEX idx_state_executions_status ON state_executions(status);

			CREATE TABLE sweeping_outputs (
				id VARCHAR(255) PRIMARY KEY,
				app_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				scope VARCHAR(20) NOT NULL CHECK (scope IN ('STATE', 'PHASE', 'WORKFLOW', 'PIPELINE')),
				scope_id VARCHAR(255) NOT NULL,
				pipeline_execution_id VARCHAR(255),
				workflow_execution_id VARCHAR(255),
				phase_execution_id VARCHAR(255),
				state_execution_id VARCHAR(255),
				value JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (app_id, name, scope, scope_id)
			);

			CREATE TABLE notify_responses (
				correlation_id VARCHAR(255) PRIMARY KEY,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
		2: `
			CREATE TABLE verification_records (
				state_execution_id VARCHAR(255) PRIMARY KEY,
				account_id VARCHAR(255),
				app_id VARCHAR(255),
				workflow_execution_id VARCHAR(255),
				service_id VARCHAR(255),
				state_type VARCHAR(255),
				strategy VARCHAR(50),
				tolerance INT,
				status VARCHAR(50) NOT NULL,
				overall_risk VARCHAR(20) NOT NULL DEFAULT 'NA',
				no_data BOOLEAN NOT NULL DEFAULT false,
				manual_override BOOLEAN NOT NULL DEFAULT false,
				message TEXT,
				analyses JSONB DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_verification_records_workflow_execution_id ON verification_records(workflow_execution_id);
		`,
		3: `
			ALTER TABLE state_executions ADD COLUMN correlation_deadlines JSONB DEFAULT '{}';
		`,
	}
}
