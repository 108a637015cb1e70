package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/common/stringutil"
	"github.com/bridgecore/relay/internal/store"
	"github.com/bridgecore/relay/internal/streamctl"
	"github.com/bridgecore/relay/internal/tracing"
	"github.com/bridgecore/relay/pkg/protocol"
)

// ErrStreamBusy is returned when a chat frame arrives while a Stream is
// already in flight on this Session; a Session runs at most one Stream at
// a time.
var ErrStreamBusy = errors.New("session: stream already in progress")

// ErrSessionClosed is returned when a chat frame reaches a Session the idle
// reaper or shutdown already closed.
var ErrSessionClosed = errors.New("session: closed")

// planContinuationPrompt is the canonical follow-up issued when a plan
// approval flips the mode from plan to acceptEdits.
const planContinuationPrompt = "The plan has been approved. Proceed with the implementation."

// HandleChat starts a new agent run from an inbound chat frame:
//  1. reject if a Stream is already in flight;
//  2. persist the inbound message;
//  3. register the Stream and emit stream_control:started;
//  4. invoke the Agent Driver and relay its event stream as wire frames;
//  5. on session_established, persist the agent-conversation id the first
//     time one is seen;
//  6. on completion, persist the assistant turn and emit stream_control's
//     terminal frame.
func (s *Session) HandleChat(ctx context.Context, frame protocol.ChatFrame) error {
	return s.startRun(ctx, buildPrompt(frame))
}

func (s *Session) startRun(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.currentStream != nil || s.starting {
		s.mu.Unlock()
		return ErrStreamBusy
	}
	s.starting = true
	s.mu.Unlock()

	s.persistTurn(ctx, store.RoleUser, prompt)

	// The Stream's own lifetime is independent of the inbound handler's
	// request context: it is rooted on Background and lives until cancelled
	// via streamctl.Controller.Cancel or driver completion, not until
	// whatever goroutine dispatched this chat frame returns.
	stream := s.streamCtl.Start(context.Background(), s.ID)
	s.mu.Lock()
	s.currentStream = stream
	s.starting = false
	s.mu.Unlock()

	s.send(protocol.StreamControlFrame{Type: protocol.TypeStreamControl, Action: protocol.StreamStarted, StreamID: stream.ID})

	runCtx, span := tracing.Tracer("relay.session").Start(stream.Context(), "agent.run",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("stream.id", stream.ID),
		))

	snap := s.snapshot()
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()
	events, err := driver.Run(runCtx, prompt, agentdriver.RunOptions{
		ProjectRoot:         s.ProjectRoot,
		PermissionMode:      snap.permissionMode,
		AgentConversationID: snap.agentConversationID,
		OnPermissionRequest: s.onPermissionRequest,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		s.finishStream(ctx, stream, false, "")
		s.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeDriverFailure, Message: err.Error()})
		return nil
	}

	go func() {
		s.relay(ctx, stream, events)
		span.End()
	}()
	return nil
}

// buildPrompt folds the captured UI context and selection into the prompt
// text the driver receives, since neither driver protocol has a structured
// slot for them.
func buildPrompt(frame protocol.ChatFrame) string {
	var b strings.Builder
	b.WriteString(frame.Message)
	if frame.SelectedText != "" {
		b.WriteString("\n\nSelected text:\n")
		b.WriteString(frame.SelectedText)
	}
	if ec := frame.ElementContext; ec != nil {
		b.WriteString("\n\nUI element context:")
		if ec.Selector != "" {
			fmt.Fprintf(&b, "\nselector: %s", ec.Selector)
		}
		if ec.TagName != "" {
			fmt.Fprintf(&b, "\ntag: %s", ec.TagName)
		}
		if ec.TextContent != "" {
			fmt.Fprintf(&b, "\ntext: %s", ec.TextContent)
		}
		for k, v := range ec.Attributes {
			fmt.Fprintf(&b, "\n%s=%s", k, v)
		}
	}
	return b.String()
}

// persistTurn appends one StoredMessage, retrying once on a transient Store
// failure; a second failure is surfaced to the client as a status frame and
// the run continues without the durable row.
func (s *Session) persistTurn(ctx context.Context, role store.MessageRole, content string) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		seq, err := s.store.NextSeq(ctx, s.ID)
		if err == nil {
			err = s.store.AppendMessage(ctx, store.MessageRow{
				SessionID: s.ID,
				Seq:       seq,
				Role:      string(role),
				Content:   content,
				TS:        store.Now(),
			})
		}
		if err == nil {
			return
		}
		lastErr = err
	}
	s.logger().Error("message persistence failed", zap.Error(lastErr))
	s.send(protocol.StatusFrame{Type: protocol.TypeStatus, Status: protocol.CodeStoreFailure, Detail: "failed to persist message"})
}

// relay drains the driver's AgentEvent channel and translates each event
// into its wire frame, until the channel closes. Events arriving after the
// Stream was cancelled are still drained here (so the driver's channel
// never blocks on a send) but are not relayed to the client; the Driver
// contract leaves post-cancellation events to the caller to discard.
func (s *Session) relay(ctx context.Context, stream *streamctl.Stream, events <-chan agentdriver.AgentEvent) {
	var (
		assistantText strings.Builder
		runErr        error
	)

	for ev := range events {
		// Anything past StateRunning — cancelling, or already force-finished
		// after the grace window — means no more data frames for this stream.
		cancelled := stream.State() != streamctl.StateRunning
		switch ev.Kind {
		case agentdriver.EventSessionEstablished:
			// A cancelled stream's late establish must not resurrect an id
			// that clear_session just dropped.
			if ev.AgentConversationID != "" && !cancelled {
				s.mu.Lock()
				fresh := s.agentConversationID == ""
				s.agentConversationID = ev.AgentConversationID
				s.mu.Unlock()
				if fresh {
					_ = s.store.SetAgentConversationID(ctx, s.ID, ev.AgentConversationID)
				}
			}

		case agentdriver.EventText:
			assistantText.WriteString(ev.Delta)
			stream.RecordBytes(len(ev.Delta))
			if !cancelled {
				s.send(protocol.ResponseChunkFrame{Type: protocol.TypeResponseChunk, Content: ev.Delta, Done: ev.Done})
			}

		case agentdriver.EventThinking:
			if !cancelled {
				s.send(protocol.ThinkingFrame{Type: protocol.TypeThinking, Content: ev.Delta, Done: ev.Done})
			}

		case agentdriver.EventToolStart:
			stream.RecordToolEvent()
			if !cancelled {
				input, _ := json.Marshal(ev.ToolInput)
				s.send(protocol.ToolActivityFrame{
					Type: protocol.TypeToolActivity, ToolID: ev.ToolID, ToolName: ev.ToolName,
					Status: protocol.ToolExecuting, Input: input, InputSummary: summarizeToolInput(ev.ToolInput),
				})
			}

		case agentdriver.EventToolEnd:
			if !cancelled {
				status := protocol.ToolCompleted
				if !ev.OK {
					status = protocol.ToolFailed
				}
				duration := ev.DurationMS
				s.send(protocol.ToolActivityFrame{
					Type: protocol.TypeToolActivity, ToolID: ev.ToolID, ToolName: ev.ToolName,
					Status: status, OutputSummary: ev.OutputSummary, DurationMS: &duration,
				})
			}

		case agentdriver.EventResult:
			if ev.Err != nil {
				runErr = ev.Err
			} else if !ev.OK {
				runErr = errors.New("agent reported failure")
			}
		}
	}

	s.finishRun(ctx, stream, assistantText.String(), runErr)
}

// toolSummaryMaxRunes bounds the input_summary and output_summary previews
// on tool_activity frames; the same bound applies in both drivers.
const toolSummaryMaxRunes = 200

// summarizeToolInput renders a short human-readable preview of a tool's
// input for the tool_activity frame's input_summary field.
func summarizeToolInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return stringutil.TruncateStringWithEllipsis(string(raw), toolSummaryMaxRunes)
}

func (s *Session) finishRun(ctx context.Context, stream *streamctl.Stream, assistantText string, runErr error) {
	ok := runErr == nil
	if assistantText != "" {
		s.persistTurn(ctx, store.RoleAssistant, assistantText)
	}

	final := s.finishStream(ctx, stream, ok, errMessage(runErr))

	if runErr != nil {
		s.logger().Warn("agent run ended with error", zap.String("stream_id", stream.ID), zap.Error(runErr))
	}
	s.touchActivity(ctx)

	s.mu.Lock()
	continuing := s.planContinuation && final == streamctl.StateCompleted
	s.planContinuation = false
	s.mu.Unlock()
	if continuing {
		if err := s.startRun(ctx, planContinuationPrompt); err != nil {
			s.logger().Warn("plan continuation run failed to start", zap.Error(err))
		}
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Session) finishStream(ctx context.Context, stream *streamctl.Stream, ok bool, errMsg string) streamctl.State {
	final, meta, first := s.streamCtl.Finish(stream, ok)

	s.mu.Lock()
	if s.currentStream == stream {
		s.currentStream = nil
	}
	conversationID := s.agentConversationID
	s.mu.Unlock()

	if !first {
		return final
	}

	action := protocol.StreamCompleted
	if final == streamctl.StateCancelled {
		action = protocol.StreamCancelled
	}
	s.send(protocol.StreamControlFrame{
		Type: protocol.TypeStreamControl, Action: action, StreamID: stream.ID,
		AgentConversationID: conversationID,
		Metadata:            &protocol.StreamMetadata{DurationMS: meta.DurationMS, ToolCount: meta.ToolCount, Bytes: meta.Bytes},
	})
	if final == streamctl.StateFailed && errMsg != "" {
		s.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeDriverFailure, Message: errMsg})
	}
	return final
}

// HandleCancel requests cancellation of the Session's current Stream, if
// any. A cancel with no in-flight Stream is a no-op. If the
// driver does not terminate within the grace window, the terminator frame
// is forced so the client always observes stream_control:cancelled within
// grace + epsilon; a driver event arriving later finds the Stream already
// finished and is dropped.
func (s *Session) HandleCancel() {
	s.mu.Lock()
	stream := s.currentStream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	s.streamCtl.Cancel(stream.ID, streamctl.CauseUser)

	go func() {
		s.streamCtl.AwaitTermination(stream)
		s.finishStream(context.Background(), stream, false, "")
	}()
}

// HandleUpdatePermissionMode atomically updates the Session's permission
// mode, effective on the next driver run.
func (s *Session) HandleUpdatePermissionMode(ctx context.Context, mode protocol.PermissionMode) {
	s.mu.Lock()
	s.permissionMode = fromWireMode(mode)
	s.mu.Unlock()
	_ = s.store.UpdatePermissionMode(ctx, s.ID, string(mode))
	s.send(protocol.PermissionModeUpdatedFrame{Type: protocol.TypePermissionModeSet, Mode: mode})
}

// HandleClearSession ends the current agent conversation: it cancels any
// in-flight Stream, drops the Agent Driver along with the stored
// agent-conversation id, and recreates a fresh driver so the next chat
// starts a new conversation. The message log is purged only when
// configured; the default detaches the conversation and keeps history.
func (s *Session) HandleClearSession(ctx context.Context) {
	s.HandleCancel()

	s.mu.Lock()
	s.agentConversationID = ""
	s.planContinuation = false
	s.driver = s.driverFactory()
	s.mu.Unlock()

	_ = s.store.ClearAgentConversation(ctx, s.ID)
	if s.opts.ClearPurgesMessages {
		_ = s.store.PurgeMessages(ctx, s.ID)
	}
	s.send(protocol.SessionClearedFrame{
		Type:    protocol.TypeSessionCleared,
		Message: "agent conversation cleared; the next message starts a new one",
	})
}

// SwitchConversation rebinds this live Session to a chosen agent
// conversation and recreates its Agent Driver, backing the REST
// switch-sdk-session endpoint. The current Stream, if any, belongs to the
// old conversation and is cancelled.
func (s *Session) SwitchConversation(ctx context.Context, targetAgentConversationID string) error {
	if err := s.store.SwitchAgentConversation(ctx, s.ID, targetAgentConversationID); err != nil {
		return err
	}

	s.HandleCancel()

	s.mu.Lock()
	s.agentConversationID = targetAgentConversationID
	s.planContinuation = false
	s.driver = s.driverFactory()
	s.mu.Unlock()

	s.send(protocol.StatusFrame{Type: protocol.TypeStatus, Status: "conversation_switched", Detail: targetAgentConversationID})
	return nil
}
