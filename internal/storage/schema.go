package storage

// The SQL backend stores each entity as a JSON document plus the columns
// the list filters need. The schema below is dialect-neutral between
// sqlite and postgres.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id         TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	workflow_run_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	data            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_org ON tasks(organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(workflow_run_id);

CREATE TABLE IF NOT EXISTS steps (
	step_id    TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	step_order INTEGER NOT NULL,
	retry_index INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(task_id, step_order, retry_index);

CREATE TABLE IF NOT EXISTS workflows (
	workflow_id           TEXT PRIMARY KEY,
	workflow_permanent_id TEXT NOT NULL,
	organization_id       TEXT NOT NULL,
	version               INTEGER NOT NULL,
	created_at            TIMESTAMP NOT NULL,
	data                  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_permanent ON workflows(workflow_permanent_id, version);

CREATE TABLE IF NOT EXISTS workflow_runs (
	workflow_run_id       TEXT PRIMARY KEY,
	workflow_permanent_id TEXT NOT NULL,
	organization_id       TEXT NOT NULL,
	status                TEXT NOT NULL,
	created_at            TIMESTAMP NOT NULL,
	data                  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_org ON workflow_runs(organization_id, created_at);

CREATE TABLE IF NOT EXISTS workflow_run_blocks (
	workflow_run_block_id TEXT PRIMARY KEY,
	workflow_run_id       TEXT NOT NULL,
	created_at            TIMESTAMP NOT NULL,
	data                  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_blocks_run ON workflow_run_blocks(workflow_run_id, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id     TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	kind            TEXT NOT NULL,
	task_id         TEXT NOT NULL DEFAULT '',
	step_id         TEXT NOT NULL DEFAULT '',
	workflow_run_id TEXT NOT NULL DEFAULT '',
	sequence        INTEGER NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	data            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, step_id, sequence);

CREATE TABLE IF NOT EXISTS browser_sessions (
	browser_session_id TEXT PRIMARY KEY,
	organization_id    TEXT NOT NULL,
	modified_at        TIMESTAMP NOT NULL,
	data               TEXT NOT NULL
);
`
