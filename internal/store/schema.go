package store

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL,
	endpoint TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	request TEXT NOT NULL,
	response TEXT,
	execution_time_ms INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	prompt_tokens_estimate INTEGER NOT NULL DEFAULT 0,
	completion_tokens_estimate INTEGER NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_provider ON audit_log(provider, model);
`
