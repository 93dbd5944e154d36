package protocol_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"tether/pkg/protocol"
)

func openSchemaDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	return db
}

func TestSchemaCreatesExpectedTables(t *testing.T) {
	db := openSchemaDB(t)

	for _, table := range []string{"kv", "chat_messages"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q not found: %v", table, err)
		}
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	db := openSchemaDB(t)
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("second exec of schema DDL: %v", err)
	}
}

func TestSchemaRejectsDuplicateDedupKey(t *testing.T) {
	db := openSchemaDB(t)

	insert := `INSERT INTO chat_messages (text, timestamp, message_type, dedup_key) VALUES (?, ?, ?, ?)`
	if _, err := db.Exec(insert, "hi", 1, "ENTITY_RESPONSE", "2:abc:1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Exec(insert, "hi", 2, "ENTITY_RESPONSE", "2:abc:1"); err == nil {
		t.Fatal("expected unique constraint violation for repeated dedup_key")
	}

	// NULL keys (outgoing messages) never collide.
	for i := 0; i < 3; i++ {
		if _, err := db.Exec(insert, "out", 3+i, "USER_TO_ENTITY", nil); err != nil {
			t.Fatalf("insert NULL dedup_key #%d: %v", i, err)
		}
	}
}
