package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bridgecore/relay/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	s, err := Open(t.TempDir(), "relay.db", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionCRUDAndResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	row := &SessionRow{
		SessionID:      "sess-1",
		ProjectRoot:    "/proj",
		TabID:          "tab-1",
		PageURL:        "https://x/",
		PermissionMode: "plan",
		Status:         string(StatusActive),
		CreatedAt:      now,
		LastActivity:   now,
	}
	require.NoError(t, s.CreateSession(ctx, row))

	fetched, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "tab-1", fetched.TabID)
	require.False(t, fetched.AgentConversationID.Valid)

	require.NoError(t, s.SetAgentConversationID(ctx, "sess-1", "conv-1"))
	fetched, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, fetched.AgentConversationID.Valid)
	require.Equal(t, "conv-1", fetched.AgentConversationID.String)

	require.NoError(t, s.SetStatus(ctx, "sess-1", StatusClosed))

	// Within the resume window: found.
	candidate, err := s.FindResumeCandidate(ctx, "/proj", "https://x/", 24*time.Hour, now.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "sess-1", candidate.SessionID)

	// Outside the resume window: not found.
	_, err = s.FindResumeCandidate(ctx, "/proj", "https://x/", 24*time.Hour, now.Add(25*time.Hour))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFindOpenSessionByTab(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, &SessionRow{
		SessionID: "s1", ProjectRoot: "/p", TabID: "tabA", PageURL: "https://a/",
		PermissionMode: "plan", Status: string(StatusActive), CreatedAt: now, LastActivity: now,
	}))

	row, err := s.FindOpenSessionByTab(ctx, "tabA")
	require.NoError(t, err)
	require.Equal(t, "s1", row.SessionID)

	require.NoError(t, s.SetStatus(ctx, "s1", StatusClosed))
	_, err = s.FindOpenSessionByTab(ctx, "tabA")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMessageSequenceIsGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, &SessionRow{
		SessionID: "s1", ProjectRoot: "/p", TabID: "t", PageURL: "https://x/",
		PermissionMode: "plan", Status: string(StatusActive), CreatedAt: now, LastActivity: now,
	}))

	for i := 0; i < 3; i++ {
		seq, err := s.NextSeq(ctx, "s1")
		require.NoError(t, err)
		require.EqualValues(t, i+1, seq)
		require.NoError(t, s.AppendMessage(ctx, MessageRow{
			SessionID: "s1", Seq: seq, Role: string(RoleUser), Content: "hi", TS: now,
		}))
	}

	rows, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		require.EqualValues(t, i+1, r.Seq)
	}

	count, err := s.CountMessages(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestAppendMessageRejectsDuplicateSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, &SessionRow{
		SessionID: "s1", ProjectRoot: "/p", TabID: "t", PageURL: "https://x/",
		PermissionMode: "plan", Status: string(StatusActive), CreatedAt: now, LastActivity: now,
	}))

	require.NoError(t, s.AppendMessage(ctx, MessageRow{SessionID: "s1", Seq: 1, Role: string(RoleUser), Content: "a", TS: now}))
	err := s.AppendMessage(ctx, MessageRow{SessionID: "s1", Seq: 1, Role: string(RoleUser), Content: "b", TS: now})
	require.Error(t, err)
}

func TestListIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, &SessionRow{
		SessionID: "old", ProjectRoot: "/p", TabID: "t1", PageURL: "https://x/",
		PermissionMode: "plan", Status: string(StatusActive), CreatedAt: old, LastActivity: old,
	}))
	require.NoError(t, s.CreateSession(ctx, &SessionRow{
		SessionID: "fresh", ProjectRoot: "/p", TabID: "t2", PageURL: "https://x/",
		PermissionMode: "plan", Status: string(StatusActive), CreatedAt: fresh, LastActivity: fresh,
	}))

	rows, err := s.ListIdleSessions(ctx, time.Now().UTC().Add(-30*time.Minute), StatusActive)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "old", rows[0].SessionID)
}

func TestListMessagesSkipsCorruptRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, &SessionRow{
		SessionID: "s1", ProjectRoot: "/p", TabID: "t", PageURL: "https://x/",
		PermissionMode: "plan", Status: string(StatusActive), CreatedAt: now, LastActivity: now,
	}))
	require.NoError(t, s.AppendMessage(ctx, MessageRow{
		SessionID: "s1", Seq: 1, Role: string(RoleUser), Content: "ok", TS: now,
	}))

	// Plant a row whose seq cannot scan into an integer (SQLite's type
	// affinity happily stores the text), the kind of damage the loader must
	// tolerate.
	_, err := s.writer.Exec(
		`INSERT INTO messages (session_id, seq, role, content, ts) VALUES ('s1', 'not-a-number', 'user', 'bad', ?)`,
		now,
	)
	require.NoError(t, err)

	rows, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ok", rows[0].Content)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
