package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/session"
	"github.com/bridgecore/relay/internal/streamctl"
	"github.com/bridgecore/relay/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the client's handshake frame to arrive.
	handshakeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound buffer per connection; a stream producing faster than the
	// peer drains for this long is treated as a dead peer.
	sendBufferSize = 256
)

// ErrConnClosed is returned by Send once the connection is shut down.
var ErrConnClosed = errors.New("gateway: connection closed")

// Conn is one transport handle: a single browser tab's WebSocket. It owns
// the serialized writer goroutine, the keepalive loop, and the inbound
// frame dispatch for the Session bound at handshake.
type Conn struct {
	ID   string
	sock *websocket.Conn

	mgr    *ConnManager
	ep     *Endpoint
	logger *logger.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	sess        *session.Session
	missedPings int
	closeCode   int
	closeReason string
}

var _ session.Sink = (*Conn)(nil)

func newConn(id string, sock *websocket.Conn, mgr *ConnManager, ep *Endpoint, log *logger.Logger) *Conn {
	return &Conn{
		ID:     id,
		sock:   sock,
		mgr:    mgr,
		ep:     ep,
		logger: log.WithFields(zap.String("conn_id", id)),
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send marshals one outbound frame and queues it on the connection's single
// writer. A closed connection or a full buffer is a failed send: the caller
// (the Session) drops this handle in response.
func (c *Conn) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.close(websocket.CloseGoingAway, "send buffer overflow")
		return ErrConnClosed
	}
}

// close shuts the connection down exactly once: it records the close code
// for the writer goroutine (which owns the socket and emits the close
// frame), removes the handle from the registry, and detaches the Session.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		sess := c.sess
		c.sess = nil
		c.mu.Unlock()

		close(c.closed)
		c.mgr.Remove(c.ID)
		if sess != nil {
			sess.Detach(streamctl.CausePeerGone)
		}
	})
}

// writePump is the connection's single writer goroutine; all outbound
// traffic for this handle, the close frame included, is serialized
// through it.
func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close(websocket.CloseAbnormalClosure, "write failed")
				_ = c.sock.Close()
				return
			}
		case <-c.closed:
			c.mu.Lock()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.mu.Unlock()
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, msg)
			_ = c.sock.Close()
			return
		}
	}
}

// keepalive sends an application-level ping frame every interval and drops
// the connection after missLimit consecutive intervals without a pong.
func (c *Conn) keepalive(interval time.Duration, missLimit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			missed := c.missedPings
			c.missedPings++
			c.mu.Unlock()
			if missed >= missLimit {
				c.logger.Info("keepalive: peer gone", zap.Int("missed_pings", missed))
				c.close(websocket.CloseGoingAway, "keepalive timeout")
				return
			}
			if err := c.Send(protocol.PingFrame{Type: protocol.TypePing}); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) notePong() {
	c.mu.Lock()
	c.missedPings = 0
	c.mu.Unlock()
}

// run drives the connection: handshake first, then the inbound read loop.
// It blocks until the connection dies and owns the cleanup path.
func (c *Conn) run(ctx context.Context) {
	defer c.close(websocket.CloseNormalClosure, "")

	c.sock.SetReadLimit(maxMessageSize)

	sess, err := c.handshake(ctx)
	if err != nil {
		c.logger.Warn("handshake failed", zap.Error(err))
		c.close(protocol.CloseProtocolError, protocol.CodeProtocolError)
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.keepalive(c.ep.pingInterval, c.ep.pingMissLimit)

	dispatcher := c.buildDispatcher(sess)
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("read error", zap.Error(err))
			}
			return
		}
		if err := dispatcher.Dispatch(ctx, raw); err != nil {
			if errors.Is(err, protocol.ErrUnknownFrameType) {
				c.logger.Warn("unknown frame type, ignoring")
				continue
			}
			if errors.Is(err, protocol.ErrProtocol) {
				c.logger.Warn("malformed frame", zap.Error(err))
				c.close(protocol.CloseProtocolError, protocol.CodeProtocolError)
				return
			}
			c.logger.Error("frame handler error", zap.Error(err))
		}
	}
}

// handshake reads and validates the required first frame and resolves the
// Session through the Session Manager's resume decision, emitting
// handshake_ack.
func (c *Conn) handshake(ctx context.Context) (*session.Session, error) {
	_ = c.sock.SetReadDeadline(time.Now().Add(handshakeWait))
	defer func() { _ = c.sock.SetReadDeadline(time.Time{}) }()

	_, raw, err := c.sock.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame protocol.HandshakeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type != protocol.TypeHandshake {
		return nil, errors.New("first frame must be handshake, got " + frame.Type)
	}
	if frame.TabID == "" {
		return nil, errors.New("handshake missing tab_id")
	}
	switch frame.PermissionMode {
	case protocol.PermissionModePlan, protocol.PermissionModeAcceptEdits, protocol.PermissionModeBypassPermissions:
	case "":
		frame.PermissionMode = c.ep.defaultPermissionMode
	default:
		return nil, errors.New("handshake has invalid permission_mode " + string(frame.PermissionMode))
	}

	result, err := c.ep.sessions.Handshake(ctx, frame.TabID, c.ep.projectRoot, frame.PageURL, permissionModeFromWire(frame.PermissionMode), c)
	if err != nil {
		return nil, err
	}

	if err := c.Send(protocol.HandshakeAckFrame{
		Type:                protocol.TypeHandshakeAck,
		SessionID:           result.Session.ID,
		AgentConversationID: result.AgentConversationID,
		Resumed:             result.Resumed,
	}); err != nil {
		return nil, err
	}

	c.logger.Info("handshake complete",
		zap.String("session_id", result.Session.ID),
		zap.String("tab_id", frame.TabID),
		zap.Bool("resumed", result.Resumed))
	return result.Session, nil
}

// buildDispatcher wires the per-connection frame routing table; every
// handler closes over the owning Session.
func (c *Conn) buildDispatcher(sess *session.Session) *protocol.Dispatcher {
	d := protocol.NewDispatcher()

	d.RegisterFunc(protocol.TypeChat, func(ctx context.Context, raw json.RawMessage) error {
		var frame protocol.ChatFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return protocol.ErrProtocol
		}
		if err := sess.HandleChat(ctx, frame); err != nil {
			if errors.Is(err, session.ErrStreamBusy) {
				return c.Send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeBusy, Message: "a run is already in progress"})
			}
			return c.Send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeStoreFailure, Message: err.Error()})
		}
		return nil
	})

	d.RegisterFunc(protocol.TypeCancelRequest, func(ctx context.Context, raw json.RawMessage) error {
		sess.HandleCancel()
		return nil
	})

	d.RegisterFunc(protocol.TypeUpdatePermissionMode, func(ctx context.Context, raw json.RawMessage) error {
		var frame protocol.UpdatePermissionModeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return protocol.ErrProtocol
		}
		switch frame.Mode {
		case protocol.PermissionModePlan, protocol.PermissionModeAcceptEdits, protocol.PermissionModeBypassPermissions:
		default:
			return c.Send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeProtocolError, Message: "invalid permission mode"})
		}
		sess.HandleUpdatePermissionMode(ctx, frame.Mode)
		return nil
	})

	d.RegisterFunc(protocol.TypePermissionResponse, func(ctx context.Context, raw json.RawMessage) error {
		var frame protocol.PermissionResponseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return protocol.ErrProtocol
		}
		sess.HandlePermissionResponse(frame)
		return nil
	})

	d.RegisterFunc(protocol.TypeClearSession, func(ctx context.Context, raw json.RawMessage) error {
		sess.HandleClearSession(ctx)
		return nil
	})

	d.RegisterFunc(protocol.TypePong, func(ctx context.Context, raw json.RawMessage) error {
		c.notePong()
		return nil
	})

	return d
}
