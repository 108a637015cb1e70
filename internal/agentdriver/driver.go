// Package agentdriver defines the contract every coding-agent backend must
// implement to be usable by a Session, and the tagged-union event stream the
// contract produces. Two concrete drivers exist: pkg process wraps a
// line-delimited JSON protocol over a child process's stdio; pkg inproc calls
// an in-process ACP client library. Neither specialization leaks past this
// package: a Session only ever depends on the Driver interface below.
package agentdriver

import (
	"context"
	"errors"
)

// PermissionMode mirrors config.PermissionMode without importing the config
// package, the same dependency-inversion the protocol package uses.
type PermissionMode string

const (
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// RequestKind enumerates the three prompt kinds a driver can raise through
// OnPermissionRequest.
type RequestKind string

const (
	RequestToolUse RequestKind = "tool_use"
	RequestPlan    RequestKind = "plan_approval"
	RequestAskUser RequestKind = "ask_user"
)

// PermissionRequest is what a driver hands the core when it needs a human
// decision before proceeding. DeadlineSeconds is the driver's suggested
// timeout; the core may apply its own configured default instead.
type PermissionRequest struct {
	Kind            RequestKind
	ToolName        string
	ToolInput       map[string]any
	Plan            string
	Questions       []string
	DeadlineSeconds int
}

// PermissionDecision is the core's answer to a PermissionRequest.
type PermissionDecision struct {
	Approved     bool
	ModifiedTool map[string]any
	Answers      []string
	Reason       string
}

// OnPermissionRequest is invoked synchronously from the driver's goroutine:
// the driver must block on the returned decision before it proceeds. The
// core implements this hook by installing a PermissionPrompt and awaiting
// its resolution (response, timeout, or stream cancellation).
type OnPermissionRequest func(ctx context.Context, req PermissionRequest) (PermissionDecision, error)

// RunOptions configures one agent run.
type RunOptions struct {
	ProjectRoot         string
	PermissionMode      PermissionMode
	AgentConversationID string
	AllowedTools        []string
	OnPermissionRequest OnPermissionRequest
}

// EventKind enumerates the tagged union of AgentEvent.
type EventKind string

const (
	EventSessionEstablished EventKind = "session_established"
	EventText               EventKind = "text"
	EventThinking           EventKind = "thinking"
	EventToolStart          EventKind = "tool_start"
	EventToolEnd            EventKind = "tool_end"
	EventResult             EventKind = "result"
)

// AgentEvent is the tagged union a Run produces. Only the fields relevant to
// Kind are populated; this mirrors how claudecode.CLIMessage carries every
// message shape in one struct rather than a sum type, which Go has no native
// support for.
type AgentEvent struct {
	Kind EventKind

	// EventSessionEstablished
	AgentConversationID string

	// EventText / EventThinking
	Delta string
	Done  bool

	// EventToolStart
	ToolID    string
	ToolName  string
	ToolInput map[string]any

	// EventToolEnd
	OutputSummary string
	DurationMS    int64
	OK            bool

	// EventResult
	Err error
}

// Driver abstracts the coding-agent backend behind one streaming operation.
// Run must honor ctx cancellation: once cancelled, it stops producing events
// and closes the returned channel promptly (target < 2s). Events produced
// after cancellation are the caller's to discard, not the driver's to
// suppress — see the session package's Session.relay.
type Driver interface {
	Run(ctx context.Context, prompt string, opts RunOptions) (<-chan AgentEvent, error)
}

// Factory builds a fresh Driver instance bound to one Session. A Session
// never shares a Driver; the factory exists so the Session Manager can
// select process vs inproc from configuration without either package
// depending on the other.
type Factory func() Driver

var (
	// ErrPromptBusy is returned by a driver (and recognized by the core) when
	// the driver attempts to raise a second concurrent permission prompt;
	// parallel prompts are intentionally disallowed.
	ErrPromptBusy = errors.New("agentdriver: prompt already pending")

	// ErrNotRunning is returned by operations that require an in-flight run.
	ErrNotRunning = errors.New("agentdriver: no run in progress")
)
