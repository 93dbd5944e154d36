// Package chatlog is the local chat history: a SQLite-backed message
// store and the ingestion pipeline that feeds it from polled entity
// status, backend history and outgoing sends.
package chatlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"tether/pkg/protocol"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("chat message not found")

// Store wraps a *sql.DB for chat_messages CRUD.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by db. The schema must already be
// applied (see localstore.OpenDB).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const messageColumns = `id, text, timestamp, is_from_user, message_type, source, source_entity_id,
	source_name, source_character, target_ids, dedup_key, is_synced, is_delivered, delivered_to`

// Insert stores m and returns its id. When m carries a dedup key already
// present, nothing is written and inserted is false. The UNIQUE index is
// the authoritative guard; callers may check Exists first to save work.
func (s *Store) Insert(ctx context.Context, m protocol.ChatMessage) (id int64, inserted bool, err error) {
	targets, err := encodeIDs(m.TargetIDs)
	if err != nil {
		return 0, false, err
	}
	delivered, err := encodeIDs(m.DeliveredTo)
	if err != nil {
		return 0, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_messages
			(text, timestamp, is_from_user, message_type, source, source_entity_id,
			 source_name, source_character, target_ids, dedup_key, is_synced, is_delivered, delivered_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Text, m.Timestamp.UnixMilli(), m.IsFromUser, string(m.Type), nullString(m.Source), nullInt(m.SourceEntityID),
		nullString(m.SourceName), nullString(m.SourceCharacter), targets, nullString(m.DedupKey),
		m.IsSynced, m.IsDelivered, delivered,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert chat message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert chat message: rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert chat message: last insert id: %w", err)
	}
	return id, true, nil
}

// Exists reports whether a message with dedupKey is stored.
func (s *Store) Exists(ctx context.Context, dedupKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chat_messages WHERE dedup_key = ?`, dedupKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return true, nil
}

// HasRecentIncoming reports whether an incoming message from entityID
// with exactly text was stored at or after since. It catches the same
// remote fact arriving through a different source under another key.
func (s *Store) HasRecentIncoming(ctx context.Context, entityID int, text string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chat_messages
		 WHERE is_from_user = 0 AND source_entity_id = ? AND text = ? AND timestamp >= ?
		 LIMIT 1`,
		entityID, text, since.UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check recent content: %w", err)
	}
	return true, nil
}

// Get returns the message with id.
func (s *Store) Get(ctx context.Context, id int64) (protocol.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ChatMessage{}, fmt.Errorf("get message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

// MarkSynced flips is_synced on id.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET is_synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark synced %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark synced %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDelivered adds recipients to the delivered set of id. The set only
// grows; a later, smaller confirmation never removes earlier recipients.
func (s *Store) MarkDelivered(ctx context.Context, id int64, recipients []int) error {
	return s.mergeDelivered(ctx, "id = ?", id, recipients)
}

// MarkDeliveredByKey is MarkDelivered addressed by dedup key.
// A missing key is not an error.
func (s *Store) MarkDeliveredByKey(ctx context.Context, dedupKey string, recipients []int) error {
	err := s.mergeDelivered(ctx, "dedup_key = ?", dedupKey, recipients)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) mergeDelivered(ctx context.Context, where string, arg any, recipients []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark delivered: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rowID int64
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT id, delivered_to FROM chat_messages WHERE `+where, arg).Scan(&rowID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mark delivered %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("mark delivered %v: %w", arg, err)
	}

	merged := decodeIDs(raw)
	for _, r := range recipients {
		if !slices.Contains(merged, r) {
			merged = append(merged, r)
		}
	}
	slices.Sort(merged)
	enc, err := encodeIDs(merged)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_messages SET is_delivered = 1, delivered_to = ? WHERE id = ?`, enc, rowID,
	); err != nil {
		return fmt.Errorf("mark delivered %d: %w", rowID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark delivered %d: commit: %w", rowID, err)
	}
	return nil
}

// Prune keeps the keep most recent messages by timestamp (id breaks
// ties) and deletes the rest, regardless of origin. It returns the number
// of rows deleted.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE id NOT IN (
			SELECT id FROM chat_messages ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune chat messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear deletes every message.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages`)
	if err != nil {
		return 0, fmt.Errorf("clear chat messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chat messages: %w", err)
	}
	return n, nil
}

// Recent returns up to limit messages, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]protocol.ChatMessage, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM chat_messages
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// Ascending returns the latest limit messages in chronological order.
func (s *Store) Ascending(ctx context.Context, limit int) ([]protocol.ChatMessage, error) {
	msgs, err := s.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// ForEntity returns up to limit messages from or addressed to entityID,
// newest first.
func (s *Store) ForEntity(ctx context.Context, entityID, limit int) ([]protocol.ChatMessage, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM chat_messages
		WHERE source_entity_id = ?
		   OR EXISTS (SELECT 1 FROM json_each(chat_messages.target_ids) WHERE json_each.value = ?)
		ORDER BY timestamp DESC, id DESC LIMIT ?`, entityID, entityID, limit)
}

// UserMessages returns up to limit user-originated messages, newest first.
func (s *Store) UserMessages(ctx context.Context, limit int) ([]protocol.ChatMessage, error) {
	return s.query(ctx, `SELECT `+messageColumns+` FROM chat_messages
		WHERE is_from_user = 1 ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// DistinctEntityIDs returns every entity id that has sent a message, ascending.
func (s *Store) DistinctEntityIDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source_entity_id FROM chat_messages
		WHERE source_entity_id IS NOT NULL ORDER BY source_entity_id`)
	if err != nil {
		return nil, fmt.Errorf("distinct entity ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distinct entity ids: %w", err)
	}
	return ids, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]protocol.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (protocol.ChatMessage, error) {
	var (
		m                              protocol.ChatMessage
		ts                             int64
		msgType                        string
		source, name, character, dedup sql.NullString
		entityID                       sql.NullInt64
		targets, delivered             string
	)
	if err := row.Scan(&m.ID, &m.Text, &ts, &m.IsFromUser, &msgType, &source, &entityID,
		&name, &character, &targets, &dedup, &m.IsSynced, &m.IsDelivered, &delivered); err != nil {
		return protocol.ChatMessage{}, err
	}
	m.Timestamp = time.UnixMilli(ts).UTC()
	m.Type = protocol.MessageType(msgType)
	m.Source = source.String
	m.SourceName = name.String
	m.SourceCharacter = character.String
	m.DedupKey = dedup.String
	if entityID.Valid {
		id := int(entityID.Int64)
		m.SourceEntityID = &id
	}
	m.TargetIDs = decodeIDs(targets)
	m.DeliveredTo = decodeIDs(delivered)
	return m, nil
}

func encodeIDs(ids []int) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode id list: %w", err)
	}
	return string(b), nil
}

// decodeIDs reads a JSON id array. Legacy comma lists are accepted too.
func decodeIDs(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []int
	if err := json.Unmarshal([]byte(raw), &ids); err == nil {
		return ids
	}
	return parseIDList(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
