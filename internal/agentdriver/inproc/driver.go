// Package inproc implements the in-process Agent Driver: instead of
// speaking a line-delimited protocol over child stdio (package process /
// pkg claudecode), it calls the typed Go API of
// github.com/coder/acp-go-sdk directly.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/common/stringutil"
	"go.uber.org/zap"
)

// jsonRPCMethodNotFound is the JSON-RPC 2.0 error code for "Method not
// found", returned by agents that do not implement session/load.
const jsonRPCMethodNotFound = -32601

// Config selects the ACP-speaking agent binary the client connects to.
type Config struct {
	Command string
	Args    []string
}

// Driver is the in-process agentdriver.Driver implementation. It owns one
// acp.ClientSideConnection per run, created fresh so the conversation can
// resume against a cold agent process on every run: a run is an
// independent streaming operation, not a persistent connection held open
// between chats.
type Driver struct {
	cfg    Config
	logger *logger.Logger
}

var _ agentdriver.Driver = (*Driver)(nil)

// New creates an in-process driver bound to the given ACP agent binary.
func New(cfg Config, log *logger.Logger) *Driver {
	return &Driver{cfg: cfg, logger: log.WithFields(zap.String("component", "inproc_driver"))}
}

// handler implements acp.Client, the callback surface the SDK invokes for
// agent-initiated notifications and requests (session updates, permission
// prompts) while a prompt is in flight.
type handler struct {
	ctx  context.Context
	opts agentdriver.RunOptions
	out  chan<- agentdriver.AgentEvent

	mu          sync.Mutex
	promptOpen  bool
	toolTracker map[string]struct{}
}

func (h *handler) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	update := params.Update
	switch {
	case update.AgentMessageChunk != nil:
		if text := update.AgentMessageChunk.Content.Text; text != nil {
			h.out <- agentdriver.AgentEvent{Kind: agentdriver.EventText, Delta: text.Text}
		}
	case update.AgentThoughtChunk != nil:
		if text := update.AgentThoughtChunk.Content.Text; text != nil {
			h.out <- agentdriver.AgentEvent{Kind: agentdriver.EventThinking, Delta: text.Text}
		}
	case update.ToolCall != nil:
		tc := update.ToolCall
		h.mu.Lock()
		if h.toolTracker == nil {
			h.toolTracker = map[string]struct{}{}
		}
		h.toolTracker[string(tc.ToolCallId)] = struct{}{}
		h.mu.Unlock()
		h.out <- agentdriver.AgentEvent{Kind: agentdriver.EventToolStart, ToolID: string(tc.ToolCallId), ToolName: tc.Title}
	case update.ToolCallUpdate != nil:
		tcu := update.ToolCallUpdate
		summary := ""
		if len(tcu.Content) > 0 {
			summary = stringutil.TruncateStringWithEllipsis(fmt.Sprintf("%v", tcu.Content[0]), 200)
		}
		ok := true
		if tcu.Status != nil {
			ok = *tcu.Status != acp.ToolCallStatusFailed
		}
		h.out <- agentdriver.AgentEvent{
			Kind:          agentdriver.EventToolEnd,
			ToolID:        string(tcu.ToolCallId),
			OutputSummary: summary,
			OK:            ok,
		}
	}
	return nil
}

func (h *handler) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	h.mu.Lock()
	if h.promptOpen {
		h.mu.Unlock()
		return acp.RequestPermissionResponse{}, agentdriver.ErrPromptBusy
	}
	h.promptOpen = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.promptOpen = false
		h.mu.Unlock()
	}()

	toolName := ""
	if params.ToolCall.Title != nil {
		toolName = *params.ToolCall.Title
	}

	if h.opts.OnPermissionRequest == nil {
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}
	decision, err := h.opts.OnPermissionRequest(ctx, agentdriver.PermissionRequest{
		Kind:     agentdriver.RequestToolUse,
		ToolName: toolName,
	})
	if err != nil {
		return acp.RequestPermissionResponse{}, err
	}
	if !decision.Approved {
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}
	return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{
		Selected: &acp.RequestPermissionOutcomeSelected{Outcome: "selected", OptionId: "allow"},
	}}, nil
}

// ReadTextFile, WriteTextFile, and the terminal methods below are part of
// acp.Client but are never invoked by the agent: the driver declares no
// fs or terminal capabilities in its InitializeRequest.

func (h *handler) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, &acp.RequestError{Code: jsonRPCMethodNotFound, Message: "fs.readTextFile not supported"}
}

func (h *handler) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, &acp.RequestError{Code: jsonRPCMethodNotFound, Message: "fs.writeTextFile not supported"}
}

func (h *handler) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, &acp.RequestError{Code: jsonRPCMethodNotFound, Message: "terminal not supported"}
}

func (h *handler) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, &acp.RequestError{Code: jsonRPCMethodNotFound, Message: "terminal not supported"}
}

func (h *handler) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, &acp.RequestError{Code: jsonRPCMethodNotFound, Message: "terminal not supported"}
}

func (h *handler) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, &acp.RequestError{Code: jsonRPCMethodNotFound, Message: "terminal not supported"}
}

func (h *handler) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, &acp.RequestError{Code: jsonRPCMethodNotFound, Message: "terminal not supported"}
}

// Run connects to the ACP agent, establishes or resumes a session via
// session/new or session/load, and streams SessionUpdate notifications as
// AgentEvents until the prompt turn ends or ctx is cancelled.
func (d *Driver) Run(ctx context.Context, prompt string, opts agentdriver.RunOptions) (<-chan agentdriver.AgentEvent, error) {
	out := make(chan agentdriver.AgentEvent, 64)
	h := &handler{ctx: ctx, opts: opts, out: out}

	conn, cleanup, err := d.dial(ctx, h)
	if err != nil {
		close(out)
		return nil, fmt.Errorf("inproc driver: dial: %w", err)
	}

	go func() {
		defer close(out)
		defer cleanup()

		if _, err := conn.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber}); err != nil {
			out <- agentdriver.AgentEvent{Kind: agentdriver.EventResult, OK: false, Err: fmt.Errorf("initialize: %w", err)}
			return
		}

		sessionID, err := d.establishSession(ctx, conn, opts)
		if err != nil {
			out <- agentdriver.AgentEvent{Kind: agentdriver.EventResult, OK: false, Err: err}
			return
		}
		out <- agentdriver.AgentEvent{Kind: agentdriver.EventSessionEstablished, AgentConversationID: sessionID}

		resp, err := conn.Prompt(ctx, acp.PromptRequest{
			SessionId: acp.SessionId(sessionID),
			Prompt:    []acp.ContentBlock{{Text: &acp.ContentBlockText{Text: prompt}}},
		})
		if ctx.Err() != nil {
			// Cancelled: the Session's relay loop discards events, no result needed.
			return
		}
		if err != nil {
			out <- agentdriver.AgentEvent{Kind: agentdriver.EventResult, OK: false, Err: err}
			return
		}
		out <- agentdriver.AgentEvent{Kind: agentdriver.EventResult, OK: resp.StopReason != acp.StopReasonRefusal}
	}()

	return out, nil
}

// dial spawns the ACP agent binary and wraps its stdio in a typed
// ClientSideConnection, returning a cleanup func that terminates the
// process and releases its pipes.
func (d *Driver) dial(ctx context.Context, h *handler) (*acp.ClientSideConnection, func(), error) {
	cmd := exec.CommandContext(ctx, d.cfg.Command, d.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	conn := acp.NewClientSideConnection(h, stdin, stdout)
	cleanup := func() {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}
	return conn, cleanup, nil
}

func (d *Driver) establishSession(ctx context.Context, conn *acp.ClientSideConnection, opts agentdriver.RunOptions) (string, error) {
	if opts.AgentConversationID != "" {
		_, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(opts.AgentConversationID),
			Cwd:       opts.ProjectRoot,
		})
		if err == nil {
			return opts.AgentConversationID, nil
		}
		if !isMethodNotFoundErr(err) && !strings.Contains(err.Error(), "does not support") {
			return "", fmt.Errorf("session/load: %w", err)
		}
		d.logger.Warn("agent does not support session/load, falling back to session/new",
			zap.String("agent_conversation_id", opts.AgentConversationID), zap.Error(err))
	}
	created, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: opts.ProjectRoot})
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	return string(created.SessionId), nil
}

func isMethodNotFoundErr(err error) bool {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code == jsonRPCMethodNotFound
	}
	return false
}
