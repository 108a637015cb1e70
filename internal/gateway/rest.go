package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/common/stringutil"
	"github.com/bridgecore/relay/internal/store"
	"github.com/bridgecore/relay/pkg/protocol"
)

// titleMaxLen bounds the title derived from a session's first message.
const titleMaxLen = 80

// sessionSummary is the GET /sessions row.
type sessionSummary struct {
	SessionID           string `json:"session_id"`
	AgentConversationID string `json:"agent_conversation_id,omitempty"`
	Title               string `json:"title"`
	Status              string `json:"status"`
	MessageCount        int    `json:"message_count"`
}

// agentSessionSummary is the GET /api/v1/agent-sessions row: only sessions
// that hold an agent-conversation id (the resumable set).
type agentSessionSummary struct {
	SessionID           string    `json:"session_id"`
	AgentConversationID string    `json:"agent_conversation_id"`
	Title               string    `json:"title"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivity        time.Time `json:"last_activity"`
}

// storedMessage is the GET /sessions/{id}/messages row. The uuid is derived
// deterministically from (session id, seq) so replays of the same history
// are stable across requests.
type storedMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	UUID      string    `json:"uuid"`
}

type switchConversationRequest struct {
	TargetAgentConversationID string `json:"target_agent_conversation_id" binding:"required"`
}

func (e *Endpoint) registerREST(router *gin.Engine) {
	router.GET("/health", e.handleHealth)
	router.GET("/sessions", e.handleListSessions)
	router.GET("/sessions/:id/messages", e.handleListMessages)

	v1 := router.Group("/api/v1")
	v1.GET("/agent-sessions", e.handleListAgentSessions)
	v1.POST("/sessions/:id/switch-sdk-session", e.handleSwitchConversation)
}

func (e *Endpoint) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"active_sessions":    e.sessions.Count(),
		"active_connections": e.conns.Count(),
	})
}

func (e *Endpoint) handleListSessions(c *gin.Context) {
	rows, err := e.store.ListSessions(c.Request.Context())
	if err != nil {
		e.logger.Error("list sessions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.CodeStoreFailure})
		return
	}

	out := make([]sessionSummary, 0, len(rows))
	for _, row := range rows {
		count, err := e.store.CountMessages(c.Request.Context(), row.SessionID)
		if err != nil {
			e.logger.Warn("count messages failed", zap.String("session_id", row.SessionID), zap.Error(err))
		}
		out = append(out, sessionSummary{
			SessionID:           row.SessionID,
			AgentConversationID: row.AgentConversationID.String,
			Title:               e.sessionTitle(c, row.SessionID, row.PageURL),
			Status:              row.Status,
			MessageCount:        count,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (e *Endpoint) handleListAgentSessions(c *gin.Context) {
	rows, err := e.store.ListSessions(c.Request.Context())
	if err != nil {
		e.logger.Error("list sessions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.CodeStoreFailure})
		return
	}

	out := make([]agentSessionSummary, 0, len(rows))
	for _, row := range rows {
		if !row.AgentConversationID.Valid || row.AgentConversationID.String == "" {
			continue
		}
		out = append(out, agentSessionSummary{
			SessionID:           row.SessionID,
			AgentConversationID: row.AgentConversationID.String,
			Title:               e.sessionTitle(c, row.SessionID, row.PageURL),
			Status:              row.Status,
			CreatedAt:           row.CreatedAt,
			LastActivity:        row.LastActivity,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (e *Endpoint) handleListMessages(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := e.store.GetSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.CodeStoreFailure})
		return
	}

	rows, err := e.store.ListMessages(c.Request.Context(), sessionID)
	if err != nil {
		e.logger.Error("list messages failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.CodeStoreFailure})
		return
	}

	out := make([]storedMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, storedMessage{
			Role:      row.Role,
			Content:   row.Content,
			Timestamp: row.TS,
			UUID:      messageUUID(sessionID, row.Seq),
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleSwitchConversation rebinds a session to a chosen agent
// conversation, validating the target is known to the Store before the
// Agent Driver is recreated.
func (e *Endpoint) handleSwitchConversation(c *gin.Context) {
	sessionID := c.Param("id")

	var req switchConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_agent_conversation_id is required"})
		return
	}

	known, err := e.store.AgentConversationExists(c.Request.Context(), req.TargetAgentConversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.CodeStoreFailure})
		return
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": protocol.CodeResumeUnavailable})
		return
	}

	if sess, ok := e.sessions.Get(sessionID); ok {
		if err := sess.SwitchConversation(c.Request.Context(), req.TargetAgentConversationID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.CodeStoreFailure})
			return
		}
	} else if err := e.store.SwitchAgentConversation(c.Request.Context(), sessionID, req.TargetAgentConversationID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.CodeStoreFailure})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":            sessionID,
		"agent_conversation_id": req.TargetAgentConversationID,
	})
}

// sessionTitle derives a listing title from the session's first stored
// message, falling back to the page URL.
func (e *Endpoint) sessionTitle(c *gin.Context, sessionID, pageURL string) string {
	content, err := e.store.FirstMessageContent(c.Request.Context(), sessionID)
	if err != nil || content == "" {
		return stringutil.TruncateStringWithEllipsis(pageURL, titleMaxLen)
	}
	return stringutil.TruncateStringWithEllipsis(content, titleMaxLen)
}

func messageUUID(sessionID string, seq int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", sessionID, seq))).String()
}
