package sqlite

import "github.com/techiepookie/arguxai/internal/storage/migrations"

// schemaMigrations is the ordered schema history for the SQLite backend.
// Timestamps are stored as Unix milliseconds.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "Create events table",
		Up: `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    funnel_step TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    device_type TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    app_version TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    error_type TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    ingested_at INTEGER NOT NULL
);

-- Duplicate suppression: one row per (session, type, timestamp)
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(session_id, event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_step_ts ON events(funnel_step, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp);
`,
		Down: `
DROP INDEX IF EXISTS idx_events_ts;
DROP INDEX IF EXISTS idx_events_step_ts;
DROP INDEX IF EXISTS idx_events_dedup;
DROP TABLE IF EXISTS events;
`,
	},
	{
		Version:     2,
		Description: "Create issues table",
		Up: `
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    funnel_step TEXT NOT NULL,
    detected_at INTEGER NOT NULL,
    current_conversion_rate REAL NOT NULL,
    baseline_conversion_rate REAL NOT NULL,
    drop_percentage REAL NOT NULL,
    sigma_value REAL NOT NULL,
    is_significant INTEGER NOT NULL DEFAULT 0,
    current_sessions INTEGER NOT NULL DEFAULT 0,
    baseline_sessions INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'detected',
    severity TEXT NOT NULL,
    evidence TEXT NOT NULL DEFAULT '{}',
    diagnosis TEXT,
    created_at INTEGER NOT NULL,
    diagnosed_at INTEGER,
    fixed_at INTEGER,
    measured_at INTEGER,
    fix_commit_ref TEXT,
    fix_pr_ref TEXT,
    ticket_ref TEXT,
    post_fix_conversion_rate REAL,
    uplift_percentage REAL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_severity ON issues(severity);
CREATE INDEX IF NOT EXISTS idx_issues_created_at ON issues(created_at);
`,
		Down: `
DROP INDEX IF EXISTS idx_issues_created_at;
DROP INDEX IF EXISTS idx_issues_severity;
DROP INDEX IF EXISTS idx_issues_status;
DROP TABLE IF EXISTS issues;
`,
	},
	{
		Version:     3,
		Description: "Create funnels table",
		Up: `
CREATE TABLE IF NOT EXISTS funnels (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    steps TEXT NOT NULL,
    completion TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`,
		Down: `
DROP TABLE IF EXISTS funnels;
`,
	},
}
