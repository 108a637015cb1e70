package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/session"
	"github.com/bridgecore/relay/internal/store"
	"github.com/bridgecore/relay/internal/streamctl"
	"github.com/bridgecore/relay/pkg/protocol"
)

const extensionOrigin = "chrome-extension://abcdefghijklmnop"

// echoDriver streams a fixed reply for every prompt.
type echoDriver struct{}

func (echoDriver) Run(ctx context.Context, prompt string, opts agentdriver.RunOptions) (<-chan agentdriver.AgentEvent, error) {
	out := make(chan agentdriver.AgentEvent, 8)
	go func() {
		defer close(out)
		out <- agentdriver.AgentEvent{Kind: agentdriver.EventSessionEstablished, AgentConversationID: "conv-echo"}
		out <- agentdriver.AgentEvent{Kind: agentdriver.EventText, Delta: "Hello"}
		out <- agentdriver.AgentEvent{Kind: agentdriver.EventResult, OK: true}
	}()
	return out, nil
}

type testServer struct {
	srv      *httptest.Server
	endpoint *Endpoint
	store    *store.Store
}

func newTestServer(t *testing.T, mut ...func(*Options)) *testServer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), "relay.db", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	streams := streamctl.New(log)
	sessions := session.NewManager(st, streams, func() agentdriver.Driver { return echoDriver{} }, log, session.ManagerOptions{
		ReaperInterval: time.Hour,
	})
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	opts := Options{
		ProjectRoot:           "/proj",
		DefaultPermissionMode: protocol.PermissionModePlan,
		MaxConnections:        10,
		PingInterval:          time.Minute,
		PingMissLimit:         2,
	}
	for _, m := range mut {
		m(&opts)
	}

	endpoint := New(sessions, st, streams, log, opts)
	srv := httptest.NewServer(endpoint.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(endpoint.Connections().CloseAll)

	return &testServer{srv: srv, endpoint: endpoint, store: st}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *testServer, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// readFrameOfType skips frames (like keepalive pings) until one of the
// wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame before deadline", frameType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func doHandshake(t *testing.T, conn *websocket.Conn, tabID string) map[string]any {
	t.Helper()
	sendFrame(t, conn, protocol.HandshakeFrame{
		Type: protocol.TypeHandshake, PermissionMode: protocol.PermissionModePlan,
		PageURL: "https://x/", TabID: tabID,
	})
	return readFrameOfType(t, conn, protocol.TypeHandshakeAck)
}

func TestHandshakeAndChatHappyPath(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, extensionOrigin)

	ack := doHandshake(t, conn, "t1")
	require.Equal(t, false, ack["resumed"])
	require.NotEmpty(t, ack["session_id"])

	sendFrame(t, conn, protocol.ChatFrame{Type: protocol.TypeChat, Message: "hi"})

	started := readFrameOfType(t, conn, protocol.TypeStreamControl)
	require.Equal(t, "started", started["action"])
	streamID := started["stream_id"]

	chunk := readFrameOfType(t, conn, protocol.TypeResponseChunk)
	require.Equal(t, "Hello", chunk["content"])

	terminator := readFrameOfType(t, conn, protocol.TypeStreamControl)
	require.Equal(t, "completed", terminator["action"])
	require.Equal(t, streamID, terminator["stream_id"])
	require.Equal(t, "conv-echo", terminator["agent_conversation_id"])
}

func TestSecondTabHandshakeResumesSameTab(t *testing.T) {
	ts := newTestServer(t)

	conn1 := dial(t, ts, extensionOrigin)
	ack1 := doHandshake(t, conn1, "t1")

	conn2 := dial(t, ts, extensionOrigin)
	ack2 := doHandshake(t, conn2, "t1")

	require.Equal(t, true, ack2["resumed"])
	require.Equal(t, ack1["session_id"], ack2["session_id"])
}

func TestOriginRejectedClosesWith4003(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "https://evil.example")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, protocol.CloseOriginRejected, closeErr.Code)
}

func TestMissingOriginRejectedByDefault(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, protocol.CloseOriginRejected, closeErr.Code)
}

func TestCapacityExceededClosesWith4008(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.MaxConnections = 1 })

	conn1 := dial(t, ts, extensionOrigin)
	doHandshake(t, conn1, "t1")

	conn2 := dial(t, ts, extensionOrigin)
	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn2.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, protocol.CloseCapacityExceeded, closeErr.Code)
}

func TestUnknownFrameIsIgnored(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, extensionOrigin)
	doHandshake(t, conn, "t1")

	sendFrame(t, conn, map[string]any{"type": "totally_unknown"})

	// The connection stays healthy and still serves chat.
	sendFrame(t, conn, protocol.ChatFrame{Type: protocol.TypeChat, Message: "hi"})
	started := readFrameOfType(t, conn, protocol.TypeStreamControl)
	require.Equal(t, "started", started["action"])
}

func TestMalformedFrameClosesWith4002(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, extensionOrigin)
	doHandshake(t, conn, "t1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			require.Equal(t, protocol.CloseProtocolError, closeErr.Code)
			return
		}
	}
}

func TestFirstFrameMustBeHandshake(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, extensionOrigin)

	sendFrame(t, conn, protocol.ChatFrame{Type: protocol.TypeChat, Message: "hi"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, protocol.CloseProtocolError, closeErr.Code)
}

func TestKeepalivePingAndPong(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.PingInterval = 50 * time.Millisecond
		o.PingMissLimit = 2
	})
	conn := dial(t, ts, extensionOrigin)
	doHandshake(t, conn, "t1")

	// Answer pings; the connection must survive well past the miss limit.
	survivedUntil := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(survivedUntil) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == protocol.TypePing {
			sendFrame(t, conn, protocol.PongFrame{Type: protocol.TypePong})
		}
	}
}

func TestKeepaliveDropsSilentPeer(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.PingInterval = 50 * time.Millisecond
		o.PingMissLimit = 2
	})
	conn := dial(t, ts, extensionOrigin)
	doHandshake(t, conn, "t1")

	// Never answer pings: the server must drop us after two missed
	// intervals.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
	}
}

func TestRESTHealthAndSessions(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, extensionOrigin)
	doHandshake(t, conn, "t1")

	sendFrame(t, conn, protocol.ChatFrame{Type: protocol.TypeChat, Message: "hi"})
	readFrameOfType(t, conn, protocol.TypeResponseChunk)
	terminator := readFrameOfType(t, conn, protocol.TypeStreamControl)
	require.Equal(t, "completed", terminator["action"])

	var health map[string]any
	getJSON(t, ts.srv.URL+"/health", &health)
	require.Equal(t, "ok", health["status"])
	require.EqualValues(t, 1, health["active_sessions"])
	require.EqualValues(t, 1, health["active_connections"])

	var sessions []map[string]any
	getJSON(t, ts.srv.URL+"/sessions", &sessions)
	require.Len(t, sessions, 1)
	require.Equal(t, "conv-echo", sessions[0]["agent_conversation_id"])
	require.Equal(t, "hi", sessions[0]["title"])
	require.EqualValues(t, 2, sessions[0]["message_count"])

	sessionID := sessions[0]["session_id"].(string)
	var messages []map[string]any
	getJSON(t, ts.srv.URL+"/sessions/"+sessionID+"/messages", &messages)
	require.Len(t, messages, 2)
	require.Equal(t, "user", messages[0]["role"])
	require.Equal(t, "assistant", messages[1]["role"])
	require.NotEmpty(t, messages[0]["uuid"])

	var agentSessions []map[string]any
	getJSON(t, ts.srv.URL+"/api/v1/agent-sessions", &agentSessions)
	require.Len(t, agentSessions, 1)
	require.Equal(t, "conv-echo", agentSessions[0]["agent_conversation_id"])
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSwitchConversationValidatesTarget(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, extensionOrigin)
	ack := doHandshake(t, conn, "t1")
	sessionID := ack["session_id"].(string)

	// Unknown target: 404 resume_unavailable.
	resp, err := http.Post(
		ts.srv.URL+"/api/v1/sessions/"+sessionID+"/switch-sdk-session",
		"application/json",
		strings.NewReader(`{"target_agent_conversation_id":"nope"}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Establish a known conversation, then switching to it succeeds.
	sendFrame(t, conn, protocol.ChatFrame{Type: protocol.TypeChat, Message: "hi"})
	readFrameOfType(t, conn, protocol.TypeResponseChunk)
	sc := readFrameOfType(t, conn, protocol.TypeStreamControl)
	require.Equal(t, "completed", sc["action"])

	resp2, err := http.Post(
		ts.srv.URL+"/api/v1/sessions/"+sessionID+"/switch-sdk-session",
		"application/json",
		strings.NewReader(`{"target_agent_conversation_id":"conv-echo"}`),
	)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}
