package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/pkg/protocol"
)

// PermissionPrompt is a driver-initiated request for a human decision on a
// tool use, a plan, or a question set.
type PermissionPrompt struct {
	ID       string
	StreamID string
	Kind     agentdriver.RequestKind
	Deadline time.Time

	resultCh chan protocol.PermissionResponseFrame
}

// permissionKindToWire maps the driver's RequestKind to the wire's
// PermissionRequestType; the two exist separately so agentdriver never
// imports the wire protocol package.
func permissionKindToWire(k agentdriver.RequestKind) protocol.PermissionRequestType {
	switch k {
	case agentdriver.RequestPlan:
		return protocol.RequestTypePlan
	case agentdriver.RequestAskUser:
		return protocol.RequestTypeAskUser
	default:
		return protocol.RequestTypeToolUse
	}
}

// timeoutFor uses the driver's own suggested deadline when it supplied one,
// falling back to the configured default deadline for the prompt kind.
func (s *Session) timeoutFor(req agentdriver.PermissionRequest) time.Duration {
	if req.DeadlineSeconds > 0 {
		return time.Duration(req.DeadlineSeconds) * time.Second
	}
	switch req.Kind {
	case agentdriver.RequestPlan:
		return s.opts.PlanPermissionTimeout
	case agentdriver.RequestAskUser:
		return s.opts.QuestionPermissionTimeout
	default:
		return s.opts.ToolPermissionTimeout
	}
}

// onPermissionRequest is bound as the Agent Driver's OnPermissionRequest
// hook for the session's current run. It covers the full prompt
// lifecycle: install, emit, await, and resolve, including the plan
// approval auto-continuation policy. ctx is
// the driver's run context, cancelled the moment the current Stream is
// cancelled, which doubles as this prompt's cancel-triggered-deny signal.
func (s *Session) onPermissionRequest(ctx context.Context, req agentdriver.PermissionRequest) (agentdriver.PermissionDecision, error) {
	s.mu.Lock()
	if s.currentPrompt != nil {
		s.mu.Unlock()
		s.logger().Warn("prompt_busy: driver raised a second concurrent prompt")
		return agentdriver.PermissionDecision{Approved: false, Reason: "prompt_busy"}, nil
	}
	streamID := ""
	if s.currentStream != nil {
		streamID = s.currentStream.ID
	}
	timeout := s.timeoutFor(req)
	prompt := &PermissionPrompt{
		ID:       uuid.New().String(),
		StreamID: streamID,
		Kind:     req.Kind,
		Deadline: time.Now().Add(timeout),
		resultCh: make(chan protocol.PermissionResponseFrame, 1),
	}
	s.currentPrompt = prompt
	s.mu.Unlock()

	inputJSON, _ := json.Marshal(req.ToolInput)
	s.send(protocol.PermissionRequestFrame{
		Type:           protocol.TypePermissionRequest,
		RequestID:      prompt.ID,
		RequestType:    permissionKindToWire(req.Kind),
		ToolName:       req.ToolName,
		InputData:      inputJSON,
		Plan:           req.Plan,
		Questions:      req.Questions,
		TimeoutSeconds: int(timeout.Seconds()),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-prompt.resultCh:
		s.clearPrompt(prompt.ID)
		if req.Kind == agentdriver.RequestPlan && resp.Approved {
			s.notePlanApproved(context.Background())
		}
		return s.decisionFromResponse(resp), nil

	case <-timer.C:
		s.clearPrompt(prompt.ID)
		s.send(protocol.StatusFrame{Type: protocol.TypeStatus, Status: "permission_timeout", Detail: "permission timeout"})
		return agentdriver.PermissionDecision{Approved: false, Reason: "timeout"}, nil

	case <-ctx.Done():
		s.clearPrompt(prompt.ID)
		return agentdriver.PermissionDecision{Approved: false, Reason: "cancelled"}, nil
	}
}

// notePlanApproved applies the plan-approval auto-continuation policy:
// if the mode is still plan when the user approves, the
// Session atomically switches to acceptEdits and marks the run so a
// canonical continuation prompt is issued once it completes. A mode changed
// mid-prompt by update_permission_mode wins; no switch happens then.
func (s *Session) notePlanApproved(ctx context.Context) {
	s.mu.Lock()
	if s.permissionMode != agentdriver.PermissionModePlan {
		s.mu.Unlock()
		return
	}
	s.permissionMode = agentdriver.PermissionModeAcceptEdits
	s.planContinuation = true
	s.mu.Unlock()

	_ = s.store.UpdatePermissionMode(ctx, s.ID, string(agentdriver.PermissionModeAcceptEdits))
	s.send(protocol.PermissionModeUpdatedFrame{Type: protocol.TypePermissionModeSet, Mode: protocol.PermissionModeAcceptEdits})
}

func (s *Session) decisionFromResponse(resp protocol.PermissionResponseFrame) agentdriver.PermissionDecision {
	decision := agentdriver.PermissionDecision{Approved: resp.Approved, Answers: resp.Answers, Reason: resp.Reason}
	if resp.Approved && len(resp.ModifiedInput) > 0 {
		var modified map[string]any
		if err := json.Unmarshal(resp.ModifiedInput, &modified); err == nil {
			decision.ModifiedTool = modified
		}
	}
	return decision
}

func (s *Session) clearPrompt(promptID string) {
	s.mu.Lock()
	if s.currentPrompt != nil && s.currentPrompt.ID == promptID {
		s.currentPrompt = nil
	}
	s.mu.Unlock()
}

// HandlePermissionResponse resolves the outstanding PermissionPrompt, or
// logs and ignores a response whose request_id does not match.
func (s *Session) HandlePermissionResponse(frame protocol.PermissionResponseFrame) {
	s.mu.Lock()
	prompt := s.currentPrompt
	s.mu.Unlock()

	if prompt == nil || prompt.ID != frame.RequestID {
		s.logger().Warn("permission_response for unknown or stale request_id", zap.String("request_id", frame.RequestID))
		return
	}
	select {
	case prompt.resultCh <- frame:
	default:
	}
}
