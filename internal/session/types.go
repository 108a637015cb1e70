// Package session implements the session and streaming core: the per-tab
// Session that owns one agent conversation and one Agent Driver, the
// permission prompt lifecycle, and the Manager that resolves resume
// decisions, runs the idle reaper, and coordinates graceful shutdown.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/common/constants"
	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/store"
	"github.com/bridgecore/relay/internal/streamctl"
	"github.com/bridgecore/relay/pkg/protocol"
)

// Status enumerates a Session's lifecycle.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

// Sink is how a Session writes outbound wire frames without depending on
// the transport layer. The gateway package implements it per connection.
type Sink interface {
	Send(frame any) error
}

// maxQueuedFrames bounds the backlog a Session holds for a dropped
// transport; once full, the oldest frames are shed so a reconnecting
// client sees the tail of the stream rather than an unbounded buffer.
const maxQueuedFrames = 512

// Session is the core's per-tab object: it owns one agent conversation, one
// Agent Driver instance, a permission mode, and at most one in-flight
// Stream and PermissionPrompt.
type Session struct {
	ID          string
	ProjectRoot string
	TabID       string

	store         *store.Store
	streamCtl     *streamctl.Controller
	driverFactory agentdriver.Factory
	opts          ManagerOptions
	log           *logger.Logger

	mu                  sync.Mutex
	driver              agentdriver.Driver
	pageURL             string
	permissionMode      agentdriver.PermissionMode
	agentConversationID string
	status              Status
	createdAt           time.Time
	lastActivity        time.Time

	currentStream *streamctl.Stream
	// starting reserves the run slot between the busy check and the Stream
	// registration, so two racing chat frames cannot both pass the check.
	starting      bool
	currentPrompt *PermissionPrompt

	// planContinuation is set when a plan_approval prompt is approved while
	// the mode is plan; the run that follows its completion continues the
	// approved plan under acceptEdits.
	planContinuation bool

	sink      Sink
	sinkEpoch uint64
	queued    []any

	closed bool
}

// snapshot is an immutable copy of a Session's mutable state, used so
// handlers never hold the Session lock while doing I/O; each decision
// point consumes a snapshot rather than reading a shared cell.
type snapshot struct {
	permissionMode      agentdriver.PermissionMode
	agentConversationID string
	status              Status
}

func (s *Session) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		permissionMode:      s.permissionMode,
		agentConversationID: s.agentConversationID,
		status:              s.status,
	}
}

// send delivers one outbound frame. If no transport is currently attached
// (a dropped connection awaiting a possible reconnect) the frame is
// queued, bounded by maxQueuedFrames, and flushed in order once a
// transport rebinds.
func (s *Session) send(frame any) {
	s.mu.Lock()
	sink := s.sink
	if sink == nil {
		if len(s.queued) >= maxQueuedFrames {
			s.queued = s.queued[1:]
		}
		s.queued = append(s.queued, frame)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := sink.Send(frame); err != nil {
		s.handleSendFailure()
	}
}

// handleSendFailure drops the dead sink; the in-flight Stream is
// cancelled with cause peer_gone once the reconnect grace elapses without
// a rebind.
func (s *Session) handleSendFailure() {
	s.Detach(streamctl.CausePeerGone)
}

// Attach binds (or rebinds) the transport handle that should receive this
// Session's outbound frames, flushing any backlog queued while no
// transport was attached. Rebinding before the reconnect grace elapses
// aborts the pending peer_gone cancellation, so an in-flight Stream
// resumes emitting to the new connection.
func (s *Session) Attach(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.sinkEpoch++
	backlog := s.queued
	s.queued = nil
	s.mu.Unlock()

	for _, frame := range backlog {
		if err := sink.Send(frame); err != nil {
			s.handleSendFailure()
			return
		}
	}
}

// Detach clears the current transport reference, called by the connection
// manager when a handle closes; a Session survives a dropped transport.
// Any in-flight Stream is not cancelled immediately: the Session waits a
// reconnect grace for a same-tab re-handshake to rebind, and only then
// raises cancel with the given cause.
func (s *Session) Detach(cause streamctl.CancelCause) {
	s.mu.Lock()
	s.sink = nil
	s.sinkEpoch++
	epoch := s.sinkEpoch
	stream := s.currentStream
	s.mu.Unlock()
	if stream == nil {
		return
	}

	go func() {
		timer := time.NewTimer(constants.DefaultReconnectGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-stream.Context().Done():
			return
		}
		s.mu.Lock()
		stale := s.sinkEpoch != epoch || s.sink != nil
		s.mu.Unlock()
		if stale {
			return
		}
		s.streamCtl.Cancel(stream.ID, cause)
	}()
}

// touchActivity updates in-memory last_activity and persists it. Persisting
// on every chat/run completion keeps the Store's resume index accurate
// without requiring a write on every inbound frame (pings and pongs don't
// touch it).
func (s *Session) touchActivity(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastActivity = now
	s.status = StatusActive
	s.mu.Unlock()
	_ = s.store.TouchActivity(ctx, s.ID, now, store.StatusActive)
}

// logger returns the Session's bound logger, already tagged with its id.
func (s *Session) logger() *logger.Logger {
	return s.log
}

// fromWireMode maps the wire permission mode enum to the agentdriver enum;
// the two are value-identical, kept as distinct types to preserve the
// driver package's independence from the wire protocol package.
func fromWireMode(m protocol.PermissionMode) agentdriver.PermissionMode {
	return agentdriver.PermissionMode(m)
}
