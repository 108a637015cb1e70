package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SessionStatus enumerates a persisted session's lifecycle.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusIdle   SessionStatus = "idle"
	StatusClosed SessionStatus = "closed"
)

// ErrSessionNotFound is returned when a lookup by session id finds nothing.
var ErrSessionNotFound = errors.New("store: session not found")

// SessionRow is the persisted row backing a Session.
type SessionRow struct {
	SessionID           string        `db:"session_id"`
	AgentConversationID sql.NullString `db:"agent_conversation_id"`
	ProjectRoot         string        `db:"project_root"`
	TabID               string        `db:"tab_id"`
	PageURL             string        `db:"page_url"`
	PermissionMode      string        `db:"permission_mode"`
	Status              string        `db:"status"`
	CreatedAt           time.Time     `db:"created_at"`
	LastActivity        time.Time     `db:"last_activity"`
}

// CreateSession inserts a fresh session row.
func (s *Store) CreateSession(ctx context.Context, row *SessionRow) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_conversation_id, project_root, tab_id, page_url,
			permission_mode, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SessionID, row.AgentConversationID, row.ProjectRoot, row.TabID, row.PageURL,
		row.PermissionMode, row.Status, row.CreatedAt, row.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession fetches one session row by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	var row SessionRow
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM sessions WHERE session_id = ?`, sessionID)
	if isNoRows(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &row, nil
}

// SetAgentConversationID persists the agent-conversation id the first time a
// driver run establishes one.
func (s *Store) SetAgentConversationID(ctx context.Context, sessionID, agentConversationID string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE sessions SET agent_conversation_id = ? WHERE session_id = ?`,
		agentConversationID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: set agent conversation id: %w", err)
	}
	return nil
}

// UpdatePermissionMode persists a mode change from update_permission_mode.
func (s *Store) UpdatePermissionMode(ctx context.Context, sessionID, mode string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE sessions SET permission_mode = ? WHERE session_id = ?`,
		mode, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: update permission mode: %w", err)
	}
	return nil
}

// TouchActivity bumps last_activity and sets the status.
func (s *Store) TouchActivity(ctx context.Context, sessionID string, at time.Time, status SessionStatus) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ?, status = ? WHERE session_id = ?`,
		at, string(status), sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: touch activity: %w", err)
	}
	return nil
}

// SetStatus transitions a session's status without touching last_activity,
// used by the idle reaper's active->idle and idle->closed sweeps.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`,
		string(status), sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

// ClearAgentConversation detaches the agent-conversation id on
// clear_session without touching the message log.
func (s *Store) ClearAgentConversation(ctx context.Context, sessionID string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE sessions SET agent_conversation_id = NULL WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: clear agent conversation: %w", err)
	}
	return nil
}

// SwitchAgentConversation forcibly rebinds a live session's agent
// conversation id, backing the REST switch-sdk-session endpoint.
func (s *Store) SwitchAgentConversation(ctx context.Context, sessionID, targetAgentConversationID string) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE sessions SET agent_conversation_id = ? WHERE session_id = ?`,
		targetAgentConversationID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: switch agent conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: switch agent conversation: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AgentConversationExists reports whether any session row carries the given
// agent-conversation id, used by the switch-sdk-session endpoint to validate
// its target before the Agent Driver is recreated.
func (s *Store) AgentConversationExists(ctx context.Context, agentConversationID string) (bool, error) {
	var n int
	err := s.reader.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sessions WHERE agent_conversation_id = ?`, agentConversationID)
	if err != nil {
		return false, fmt.Errorf("store: agent conversation exists: %w", err)
	}
	return n > 0, nil
}

// FindOpenSessionByTab looks up the most recently active non-closed session
// for the given tab id. The resume decision's step 1 does not use it: it
// looks up the open Session in the Session Manager's memory.
func (s *Store) FindOpenSessionByTab(ctx context.Context, tabID string) (*SessionRow, error) {
	var row SessionRow
	err := s.reader.GetContext(ctx, &row, `
		SELECT * FROM sessions
		WHERE tab_id = ? AND status != ?
		ORDER BY last_activity DESC LIMIT 1`,
		tabID, string(StatusClosed),
	)
	if isNoRows(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find open session by tab: %w", err)
	}
	return &row, nil
}

// FindResumeCandidate implements the resume decision's step 2: the most
// recent session for (project_root, page_url) within the resume window with
// a non-null agent-conversation id. The (project_root, page_url,
// last_activity DESC) index makes this an O(log n) lookup.
func (s *Store) FindResumeCandidate(ctx context.Context, projectRoot, pageURL string, resumeWindow time.Duration, now time.Time) (*SessionRow, error) {
	cutoff := now.Add(-resumeWindow)
	var row SessionRow
	err := s.reader.GetContext(ctx, &row, `
		SELECT * FROM sessions
		WHERE project_root = ? AND page_url = ?
		  AND agent_conversation_id IS NOT NULL
		  AND last_activity >= ?
		ORDER BY last_activity DESC LIMIT 1`,
		projectRoot, pageURL, cutoff,
	)
	if isNoRows(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find resume candidate: %w", err)
	}
	return &row, nil
}

// ListSessions backs GET /sessions and GET /api/v1/agent-sessions. A row
// that fails to scan (a corrupt timestamp, a NULL where none belongs) is
// logged and skipped rather than failing the whole listing.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.reader.QueryxContext(ctx, `SELECT * FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.StructScan(&row); err != nil {
			s.logger.Warn("skipping corrupt session row", zap.Error(err))
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return out, nil
}

// ListIdleSessions returns sessions whose last_activity predates the idle
// cutoff and whose current status is one of statuses (none qualify when
// statuses is empty). The idle reaper does not use it: it sweeps the
// Session Manager's in-memory Sessions.
// Corrupt rows are logged and skipped like ListSessions.
func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time, statuses ...SessionStatus) ([]SessionRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlxIn(`SELECT * FROM sessions WHERE last_activity < ? AND status IN (?)`, cutoff, statuses)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list idle sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.StructScan(&row); err != nil {
			s.logger.Warn("skipping corrupt session row", zap.Error(err))
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list idle sessions: %w", err)
	}
	return out, nil
}
