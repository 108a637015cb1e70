// Package protocol defines the wire contract between the browser extension
// and the relay: a single bidirectional framed channel carrying flat JSON
// objects, each tagged with a "type" field. Unlike a generic envelope, every
// frame type is its own struct matching the field names the extension
// expects at the top level.
package protocol

import "encoding/json"

// Frame type tags, client -> server.
const (
	TypeHandshake            = "handshake"
	TypeChat                 = "chat"
	TypeCancelRequest        = "cancel_request"
	TypeUpdatePermissionMode = "update_permission_mode"
	TypePermissionResponse   = "permission_response"
	TypeClearSession         = "clear_session"
	TypePong                 = "pong"
)

// Frame type tags, server -> client.
const (
	TypeHandshakeAck        = "handshake_ack"
	TypePing                = "ping"
	TypeStreamControl       = "stream_control"
	TypeResponseChunk       = "response_chunk"
	TypeThinking            = "thinking"
	TypeToolActivity        = "tool_activity"
	TypePermissionRequest   = "permission_request"
	TypePermissionModeSet   = "permission_mode_updated"
	TypeSessionCleared      = "session_cleared"
	TypeStatus              = "status"
	TypeError               = "error"
)

// Envelope is used only to peek at the "type" discriminator before
// unmarshaling into the concrete frame struct, mirroring how CLIMessage
// decoding works against the agent's own stream-json protocol.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the "type" field from a raw inbound frame without
// committing to a concrete struct.
func PeekType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// PermissionMode mirrors config.PermissionMode on the wire without importing
// the config package, keeping the protocol package dependency-free.
type PermissionMode string

const (
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// HandshakeFrame is the required first client -> server frame.
type HandshakeFrame struct {
	Type           string         `json:"type"`
	PermissionMode PermissionMode `json:"permission_mode"`
	PageURL        string         `json:"page_url"`
	TabID          string         `json:"tab_id"`
}

// ElementContext is the compact, structured description of the captured UI
// element the extension attaches to a chat frame.
type ElementContext struct {
	Selector    string            `json:"selector,omitempty"`
	TagName     string            `json:"tag_name,omitempty"`
	TextContent string            `json:"text_content,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ChatFrame starts a new agent run.
type ChatFrame struct {
	Type           string          `json:"type"`
	Message        string          `json:"message"`
	ElementContext *ElementContext `json:"element_context,omitempty"`
	SelectedText   string          `json:"selected_text,omitempty"`
}

// CancelRequestFrame signals cancel on the Session's current stream.
type CancelRequestFrame struct {
	Type string `json:"type"`
}

// UpdatePermissionModeFrame atomically updates the Session's permission mode.
type UpdatePermissionModeFrame struct {
	Type string         `json:"type"`
	Mode PermissionMode `json:"mode"`
}

// PermissionResponseFrame resolves an outstanding PermissionPrompt.
type PermissionResponseFrame struct {
	Type          string          `json:"type"`
	RequestID     string          `json:"request_id"`
	Approved      bool            `json:"approved"`
	ModifiedInput json.RawMessage `json:"modified_input,omitempty"`
	Answers       []string        `json:"answers,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ClearSessionFrame detaches (or purges) the current agent conversation.
type ClearSessionFrame struct {
	Type string `json:"type"`
}

// PongFrame answers a keepalive ping.
type PongFrame struct {
	Type string `json:"type"`
}

// HandshakeAckFrame acknowledges a successful handshake, fresh or resumed.
type HandshakeAckFrame struct {
	Type                string `json:"type"`
	SessionID           string `json:"session_id"`
	AgentConversationID string `json:"agent_conversation_id,omitempty"`
	Resumed             bool   `json:"resumed"`
}

// PingFrame is the keepalive heartbeat sent to the client.
type PingFrame struct {
	Type string `json:"type"`
}

// StreamControlAction enumerates the three actions carried by stream_control.
type StreamControlAction string

const (
	StreamStarted   StreamControlAction = "started"
	StreamCompleted StreamControlAction = "completed"
	StreamCancelled StreamControlAction = "cancelled"
)

// StreamMetadata accompanies a completed stream_control frame.
type StreamMetadata struct {
	DurationMS int64 `json:"duration_ms"`
	ToolCount  int   `json:"tool_count"`
	Bytes      int64 `json:"bytes,omitempty"`
}

// StreamControlFrame reports Stream lifecycle transitions. The agent
// conversation id rides along on the terminator frame so a client that
// connected before the first run learns the id without re-handshaking.
type StreamControlFrame struct {
	Type                string              `json:"type"`
	Action              StreamControlAction `json:"action"`
	StreamID            string              `json:"stream_id"`
	AgentConversationID string              `json:"agent_conversation_id,omitempty"`
	Metadata            *StreamMetadata     `json:"metadata,omitempty"`
}

// ResponseChunkFrame carries an incremental slice of assistant text.
type ResponseChunkFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ThinkingFrame carries an incremental slice of the model's reasoning.
type ThinkingFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
	Done      bool   `json:"done"`
}

// ToolActivityStatus enumerates the lifecycle of a single tool invocation.
type ToolActivityStatus string

const (
	ToolPending   ToolActivityStatus = "pending"
	ToolExecuting ToolActivityStatus = "executing"
	ToolCompleted ToolActivityStatus = "completed"
	ToolFailed    ToolActivityStatus = "failed"
)

// ToolActivityFrame reports a tool_use lifecycle event, carrying both the
// full payload and a compact summary so a UI can render without parsing it.
type ToolActivityFrame struct {
	Type          string             `json:"type"`
	ToolID        string             `json:"tool_id"`
	ToolName      string             `json:"tool_name"`
	Status        ToolActivityStatus `json:"status"`
	InputSummary  string             `json:"input_summary,omitempty"`
	Input         json.RawMessage    `json:"input,omitempty"`
	OutputSummary string             `json:"output_summary,omitempty"`
	Output        json.RawMessage    `json:"output,omitempty"`
	DurationMS    *int64             `json:"duration_ms,omitempty"`
}

// PermissionRequestType enumerates the three prompt kinds a driver can raise.
type PermissionRequestType string

const (
	RequestTypeToolUse PermissionRequestType = "tool_use"
	RequestTypePlan    PermissionRequestType = "plan_approval"
	RequestTypeAskUser PermissionRequestType = "ask_user_question"
)

// PermissionRequestFrame asks the extension to decide on a pending prompt.
type PermissionRequestFrame struct {
	Type           string                `json:"type"`
	RequestID      string                `json:"request_id"`
	RequestType    PermissionRequestType `json:"request_type"`
	ToolName       string                `json:"tool_name,omitempty"`
	InputData      json.RawMessage       `json:"input_data,omitempty"`
	Plan           string                `json:"plan,omitempty"`
	Questions      []string              `json:"questions,omitempty"`
	TimeoutSeconds int                   `json:"timeout_seconds"`
}

// PermissionModeUpdatedFrame confirms a mode change took effect.
type PermissionModeUpdatedFrame struct {
	Type string         `json:"type"`
	Mode PermissionMode `json:"mode"`
}

// SessionClearedFrame confirms clear_session was processed.
type SessionClearedFrame struct {
	Type                string `json:"type"`
	AgentConversationID string `json:"agent_conversation_id,omitempty"`
	Message             string `json:"message,omitempty"`
}

// StatusFrame carries a non-fatal, informational status update.
type StatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ErrorFrame carries a taxonomy error code plus a human-readable message.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
