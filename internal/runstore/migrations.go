package runstore

const schema = `
CREATE TABLE IF NOT EXISTS batch_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    folder TEXT NOT NULL,
    completed_tasks INTEGER NOT NULL DEFAULT 0,
    total_tasks INTEGER NOT NULL DEFAULT 0,
    loop_iterations INTEGER NOT NULL DEFAULT 0,
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    was_stopped BOOLEAN NOT NULL DEFAULT FALSE,
    error_aborted BOOLEAN NOT NULL DEFAULT FALSE,
    error_detail TEXT,
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    finished_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_session ON batch_runs(session_id);
CREATE INDEX IF NOT EXISTS idx_batch_runs_finished ON batch_runs(finished_at);

CREATE TABLE IF NOT EXISTS achievements (
    badge TEXT PRIMARY KEY,
    unlocked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
