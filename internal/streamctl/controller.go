// Package streamctl implements the stream controller: the
// lifecycle registry for in-flight agent runs. It issues stream ids, owns
// each run's cancel signal, and publishes the started/completed/cancelled
// transitions an outbound Sink relays to the extension.
package streamctl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bridgecore/relay/internal/common/constants"
	"github.com/bridgecore/relay/internal/common/logger"
	"go.uber.org/zap"
)

// State enumerates a Stream's lifecycle.
type State string

const (
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// CancelCause records why a Stream was cancelled, used for logging and for
// the caller to decide whether to surface an error frame.
type CancelCause string

const (
	CauseUser     CancelCause = "user"
	CausePeerGone CancelCause = "peer_gone"
	CauseShutdown CancelCause = "shutdown"
)

// Metadata accompanies a completed stream_control frame.
type Metadata struct {
	DurationMS int64
	ToolCount  int
	Bytes      int64
}

// Stream is one agent run from start to terminator.
type Stream struct {
	ID        string
	SessionID string

	mu    sync.Mutex
	state State

	startedAt time.Time
	toolCount int
	bytes     int64

	cancelCtx context.Context
	cancel    context.CancelFunc
	cause     CancelCause

	done chan struct{}
}

// State returns the Stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context is cancelled when the Stream is cancelled; drivers select on it
// as their suspension point.
func (s *Stream) Context() context.Context { return s.cancelCtx }

// RecordToolEvent increments the Stream's tool counter (tool_start only, to
// count invocations rather than start+end pairs).
func (s *Stream) RecordToolEvent() {
	s.mu.Lock()
	s.toolCount++
	s.mu.Unlock()
}

// RecordBytes accumulates the byte counter for completed-frame metadata.
func (s *Stream) RecordBytes(n int) {
	s.mu.Lock()
	s.bytes += int64(n)
	s.mu.Unlock()
}

// Controller is the per-process registry of in-flight Streams. A Session
// registers at most one Stream at a time, but the
// Controller itself is shared process-wide so the idle reaper and
// graceful shutdown can enumerate every live Stream regardless of Session.
type Controller struct {
	mu      sync.Mutex
	streams map[string]*Stream
	logger  *logger.Logger
}

// New creates an empty Stream Controller.
func New(log *logger.Logger) *Controller {
	return &Controller{
		streams: make(map[string]*Stream),
		logger:  log.WithFields(zap.String("component", "stream_controller")),
	}
}

// Start registers a fresh Stream for sessionID and returns it already in
// StateRunning. The caller is expected to have already emitted
// stream_control:started before relaying any data frame; Start itself
// does not touch the transport.
func (c *Controller) Start(parent context.Context, sessionID string) *Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		state:     StateRunning,
		startedAt: time.Now(),
		cancelCtx: ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.streams[s.ID] = s
	c.mu.Unlock()

	c.logger.Info("stream started", zap.String("stream_id", s.ID), zap.String("session_id", sessionID))
	return s
}

// Get looks up a live Stream by id.
func (c *Controller) Get(streamID string) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[streamID]
	return s, ok
}

// Cancel requests cancellation of a Stream. A second cancel request, or one
// arriving after the Stream already completed, is a no-op.
func (c *Controller) Cancel(streamID string, cause CancelCause) {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelling
	s.cause = cause
	s.mu.Unlock()

	c.logger.Info("stream cancelling", zap.String("stream_id", streamID), zap.String("cause", string(cause)))
	s.cancel()
}

// AwaitTermination blocks until the driver signals it has stopped producing
// events (via Finish) or the grace window elapses, whichever comes first.
func (c *Controller) AwaitTermination(s *Stream) {
	select {
	case <-s.done:
	case <-time.After(constants.CancelGraceWindow):
	}
}

// Finish transitions a Stream to its terminal state and removes it from the
// registry, returning the Metadata a completed frame should carry. Calling
// Finish more than once is safe; only the first call has an effect, which
// gives cancellation and normal completion a race-free way to both attempt
// to finish the same Stream. The boolean reports whether this call was the
// one that performed the transition; only that caller may emit the stream's
// terminator frame, so the wire never carries two.
func (c *Controller) Finish(s *Stream, ok bool) (State, Metadata, bool) {
	s.mu.Lock()
	already := s.state == StateCompleted || s.state == StateCancelled || s.state == StateFailed
	var final State
	switch {
	case already:
		final = s.state
	case s.state == StateCancelling:
		final = StateCancelled
	case !ok:
		final = StateFailed
	default:
		final = StateCompleted
	}
	s.state = final
	meta := Metadata{
		DurationMS: time.Since(s.startedAt).Milliseconds(),
		ToolCount:  s.toolCount,
		Bytes:      s.bytes,
	}
	s.mu.Unlock()

	if !already {
		s.cancel()
		close(s.done)
	}

	c.mu.Lock()
	delete(c.streams, s.ID)
	c.mu.Unlock()

	c.logger.Info("stream finished", zap.String("stream_id", s.ID), zap.String("state", string(final)))
	return final, meta, !already
}

// CancelAllForSession cancels every live Stream owned by a Session, used
// when the Session Manager closes a Session (the idle reaper's close).
func (c *Controller) CancelAllForSession(sessionID string, cause CancelCause) {
	c.mu.Lock()
	var ids []string
	for id, s := range c.streams {
		if s.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Cancel(id, cause)
	}
}

// CancelAll cancels every live Stream, used by graceful shutdown.
func (c *Controller) CancelAll(cause CancelCause) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Cancel(id, cause)
	}
}

// AwaitAll blocks until every currently-live Stream has finished or ctx
// expires, used by graceful shutdown to await drivers' termination within
// its bounded deadline.
func (c *Controller) AwaitAll(ctx context.Context) {
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		s := s
		g.Go(func() error {
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	_ = g.Wait()
}

// Live returns the current number of in-flight Streams, for /health.
func (c *Controller) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}
