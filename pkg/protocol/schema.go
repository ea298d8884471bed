package protocol

// SchemaDDL defines the SQLite schema for the rdeer event log.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Worker lifecycle transitions and client requests
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    index_name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_index_name ON events(index_name);
CREATE INDEX IF NOT EXISTS events_type ON events(type);
`

// Event types written to the log.
const (
	EventTransition = "transition"
	EventRequest    = "request"
	EventDiscovered = "discovered"
	EventRemoved    = "removed"
)
