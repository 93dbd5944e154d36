package protocol

// SchemaDDL defines the SQLite schema for the tether state database.
// Tables: kv (LocalStore), chat_messages (chat history).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Per-key cache values; no cross-key transactions are assumed
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

-- Local chat history: polled entity messages and optimistic outgoing ones
CREATE TABLE IF NOT EXISTS chat_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    is_from_user INTEGER NOT NULL DEFAULT 0,
    message_type TEXT NOT NULL,
    source TEXT,
    source_entity_id INTEGER,
    source_name TEXT,
    source_character TEXT,
    target_ids TEXT NOT NULL DEFAULT '[]',
    dedup_key TEXT,
    is_synced INTEGER NOT NULL DEFAULT 1,
    is_delivered INTEGER NOT NULL DEFAULT 0,
    delivered_to TEXT NOT NULL DEFAULT '[]'
);

-- Authoritative dedup guard: NULL keys never collide in SQLite
CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_dedup ON chat_messages(dedup_key);
CREATE INDEX IF NOT EXISTS idx_chat_messages_ts ON chat_messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_chat_messages_entity ON chat_messages(source_entity_id, timestamp);
`
