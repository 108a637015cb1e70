// Package process implements the process-hosted Agent Driver: it spawns the
// Claude Code CLI as a child process in stream-json mode and speaks the
// line-delimited JSON protocol implemented by pkg/claudecode over its
// stdin/stdout, translating CLIMessage traffic into agentdriver.AgentEvent.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/common/stringutil"
	"github.com/bridgecore/relay/pkg/claudecode"
	"go.uber.org/zap"
)

// Config selects the CLI binary and fixed arguments used to launch it.
// Driver-specific flags (permission mode, resume id, project root) are
// appended per run from agentdriver.RunOptions.
type Config struct {
	Command string
	Args    []string
}

// Driver is the process-hosted agentdriver.Driver implementation. A fresh
// Driver is created per Session by agentdriver.Factory; each Run call spawns
// a fresh child process (claudecode's streaming protocol is one process per
// run), and at most one run is in progress at a time.
type Driver struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *claudecode.Client
	running bool
}

var _ agentdriver.Driver = (*Driver)(nil)

// New creates a process driver bound to the given CLI configuration.
func New(cfg Config, log *logger.Logger) *Driver {
	return &Driver{cfg: cfg, logger: log.WithFields(zap.String("component", "process_driver"))}
}

// Run launches (or resumes, via the --resume flag) the CLI and
// streams translated AgentEvents until the run completes or ctx is
// cancelled.
func (d *Driver) Run(ctx context.Context, prompt string, opts agentdriver.RunOptions) (<-chan agentdriver.AgentEvent, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, agentdriver.ErrPromptBusy
	}
	d.running = true
	d.mu.Unlock()

	args := append([]string{}, d.cfg.Args...)
	args = append(args, "--output-format", "stream-json", "--input-format", "stream-json", "--permission-mode", string(opts.PermissionMode))
	if opts.AgentConversationID != "" {
		args = append(args, "--resume", opts.AgentConversationID)
	}
	if opts.ProjectRoot != "" {
		args = append(args, "--add-dir", opts.ProjectRoot)
	}
	for _, t := range opts.AllowedTools {
		args = append(args, "--allowedTools", t)
	}

	cmd := exec.CommandContext(ctx, d.cfg.Command, args...)
	if opts.ProjectRoot != "" {
		cmd.Dir = opts.ProjectRoot
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.clearRunning()
		return nil, fmt.Errorf("process driver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.clearRunning()
		return nil, fmt.Errorf("process driver: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		d.clearRunning()
		return nil, fmt.Errorf("process driver: start: %w", err)
	}

	client := claudecode.NewClient(stdin, stdout, d.logger)

	d.mu.Lock()
	d.cmd = cmd
	d.client = client
	d.mu.Unlock()

	out := make(chan agentdriver.AgentEvent, 64)
	started := time.Now()
	toolStarted := map[string]time.Time{}
	var toolMu sync.Mutex

	pendingPrompts := map[string]struct{}{}
	var promptMu sync.Mutex

	client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
		if req.Subtype != claudecode.SubtypeCanUseTool {
			return
		}
		promptMu.Lock()
		if len(pendingPrompts) > 0 {
			promptMu.Unlock()
			d.denyControlRequest(client, requestID, "prompt_busy")
			return
		}
		pendingPrompts[requestID] = struct{}{}
		promptMu.Unlock()

		go func() {
			defer func() {
				promptMu.Lock()
				delete(pendingPrompts, requestID)
				promptMu.Unlock()
			}()
			if opts.OnPermissionRequest == nil {
				d.denyControlRequest(client, requestID, "no permission handler")
				return
			}
			decision, err := opts.OnPermissionRequest(ctx, agentdriver.PermissionRequest{
				Kind:      agentdriver.RequestToolUse,
				ToolName:  req.ToolName,
				ToolInput: req.Input,
			})
			if err != nil {
				d.denyControlRequest(client, requestID, err.Error())
				return
			}
			if !decision.Approved {
				_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
					Type:      claudecode.MessageTypeControlResponse,
					RequestID: requestID,
					Response: &claudecode.ControlResponse{
						Subtype: "success",
						Result:  &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: decision.Reason},
					},
				})
				return
			}
			result := &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}
			if decision.ModifiedTool != nil {
				result.UpdatedInput = decision.ModifiedTool
			}
			_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
				Type:      claudecode.MessageTypeControlResponse,
				RequestID: requestID,
				Response:  &claudecode.ControlResponse{Subtype: "success", Result: result},
			})
		}()
	})

	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		d.translate(msg, opts, &toolMu, toolStarted, out)
	})

	ready := client.Start(ctx)

	go func() {
		select {
		case <-ready:
		case <-ctx.Done():
		}
		if prompt != "" {
			_ = client.SendUserMessage(prompt)
		}
	}()

	go func() {
		defer close(out)
		defer d.clearRunning()
		waitErr := cmd.Wait()
		client.Stop()
		if ctx.Err() != nil {
			// Cancelled: the Session's relay loop drops further events, no result needed.
			return
		}
		if waitErr != nil {
			out <- agentdriver.AgentEvent{Kind: agentdriver.EventResult, OK: false, Err: fmt.Errorf("agent process exited: %w: %s", waitErr, stringutil.TruncateString(stderr.String(), 500)), DurationMS: time.Since(started).Milliseconds()}
		}
	}()

	return out, nil
}

func (d *Driver) translate(msg *claudecode.CLIMessage, opts agentdriver.RunOptions, toolMu *sync.Mutex, toolStarted map[string]time.Time, out chan<- agentdriver.AgentEvent) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			out <- agentdriver.AgentEvent{Kind: agentdriver.EventSessionEstablished, AgentConversationID: msg.SessionID}
		}
	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.GetContentBlocks() {
			switch block.Type {
			case "text":
				out <- agentdriver.AgentEvent{Kind: agentdriver.EventText, Delta: block.Text}
			case "thinking":
				out <- agentdriver.AgentEvent{Kind: agentdriver.EventThinking, Delta: block.Thinking}
			case "tool_use":
				toolMu.Lock()
				toolStarted[block.ID] = time.Now()
				toolMu.Unlock()
				out <- agentdriver.AgentEvent{Kind: agentdriver.EventToolStart, ToolID: block.ID, ToolName: block.Name, ToolInput: block.Input}
			case "tool_result":
				toolMu.Lock()
				start, ok := toolStarted[block.ToolUseID]
				delete(toolStarted, block.ToolUseID)
				toolMu.Unlock()
				var dur int64
				if ok {
					dur = time.Since(start).Milliseconds()
				}
				out <- agentdriver.AgentEvent{
					Kind:          agentdriver.EventToolEnd,
					ToolID:        block.ToolUseID,
					OutputSummary: stringutil.TruncateStringWithEllipsis(block.Content, 200),
					DurationMS:    dur,
					OK:            !block.IsError,
				}
			}
		}
	case claudecode.MessageTypeResult:
		out <- agentdriver.AgentEvent{Kind: agentdriver.EventResult, OK: !msg.IsError}
	}
}

func (d *Driver) denyControlRequest(client *claudecode.Client, requestID, reason string) {
	_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: reason},
		},
	})
}

func (d *Driver) clearRunning() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Kill forcibly terminates the current child process, if any. The Stream
// Controller does not call it: a cancelled run's child is killed through the
// ctx handed to exec.CommandContext.
func (d *Driver) Kill() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
