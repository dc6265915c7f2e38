package store

// schema is applied in order on every Open. Statements must be idempotent.
//
// Tables that need a stable insertion order carry an AUTOINCREMENT seq/
// position column; the public identifier is a separate UNIQUE column so a
// duplicate insert surfaces as a unique-constraint violation.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS training_sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		employee_id TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		conversation_ref TEXT,
		transcript TEXT NOT NULL DEFAULT '[]',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		assessment_status TEXT NOT NULL DEFAULT 'pending',
		assessment_result TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		transcript_fetched_at INTEGER,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS training_sessions_gate
		ON training_sessions (employee_id, scenario_id, mode, started_at)`,
	`CREATE INDEX IF NOT EXISTS training_sessions_linked
		ON training_sessions (assessment_status, transcript_fetched_at)`,

	`CREATE TABLE IF NOT EXISTS topics (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS topics_company ON topics (company_id)`,

	`CREATE TABLE IF NOT EXISTS questions (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		topic_id TEXT NOT NULL REFERENCES topics (id),
		prompt TEXT NOT NULL,
		canonical_answer TEXT NOT NULL,
		difficulty_level INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS questions_topic ON questions (topic_id, is_active)`,

	`CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		title TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scenario_topics (
		scenario_id TEXT NOT NULL REFERENCES scenarios (id),
		topic_id TEXT NOT NULL REFERENCES topics (id),
		PRIMARY KEY (scenario_id, topic_id)
	)`,

	`CREATE TABLE IF NOT EXISTS attempts (
		employee_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		is_correct INTEGER NOT NULL,
		score INTEGER NOT NULL,
		answer_text TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		graded_at INTEGER NOT NULL,
		PRIMARY KEY (employee_id, question_id)
	)`,

	`CREATE TABLE IF NOT EXISTS llm_request_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		purpose TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		request_body TEXT NOT NULL DEFAULT '',
		response_body TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS llm_request_events_purpose ON llm_request_events (purpose)`,
}
