package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MessageRole identifies who produced a stored message.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
	RoleStatus     MessageRole = "status"
)

// MessageRow is one stored message. Content is stored as opaque text:
// either free text or a JSON-encoded array of structured blocks.
type MessageRow struct {
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	TS        time.Time `db:"ts"`
}

// NextSeq returns the next gap-free sequence number for a session.
// It runs as its own query on the writer pool, outside the insert's
// transaction; two appends racing for the same seq are caught by the
// (session_id, seq) primary key, which makes AppendMessage fail for the
// second one.
func (s *Store) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := s.writer.GetContext(ctx, &max, `SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("store: next seq: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// AppendMessage inserts one message transactionally, failing if seq is
// already taken so a caller that raced NextSeq finds out rather than
// silently overwriting.
func (s *Store) AppendMessage(ctx context.Context, row MessageRow) error {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append message: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, seq, role, content, ts) VALUES (?, ?, ?, ?, ?)`,
		row.SessionID, row.Seq, row.Role, row.Content, row.TS,
	)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns the full history for one session in sequence order,
// backing the history-replay REST endpoint. A row that fails to scan is
// logged and skipped so one corrupt message never hides the rest of the
// history.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]MessageRow, error) {
	rows, err := s.reader.QueryxContext(ctx,
		`SELECT * FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		if err := rows.StructScan(&row); err != nil {
			s.logger.Warn("skipping corrupt message row",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

// FirstMessageContent returns the first message's content for a session,
// used to derive a REST listing's title.
func (s *Store) FirstMessageContent(ctx context.Context, sessionID string) (string, error) {
	var content string
	err := s.reader.GetContext(ctx, &content,
		`SELECT content FROM messages WHERE session_id = ? ORDER BY seq ASC LIMIT 1`, sessionID)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: first message content: %w", err)
	}
	return content, nil
}

// CountMessages returns the message count for a session, backing GET
// /sessions's message_count field.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.reader.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// PurgeMessages deletes a session's entire message log, used only when
// clear_session is configured to purge rather than detach.
func (s *Store) PurgeMessages(ctx context.Context, sessionID string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: purge messages: %w", err)
	}
	return nil
}
