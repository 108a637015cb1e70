package protocol

import "errors"

// Close codes for connection-terminating failures.
const (
	CloseProtocolError    = 4002
	CloseOriginRejected   = 4003
	CloseCapacityExceeded = 4008
)

// Wire error codes carried on an ErrorFrame or used as close reasons.
const (
	CodeProtocolError     = "protocol_error"
	CodeOriginRejected    = "origin_rejected"
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeBusy              = "busy"
	CodePromptBusy        = "prompt_busy"
	CodeTimeout           = "timeout"
	CodeCancelled         = "cancelled"
	CodeDriverFailure     = "driver_failure"
	CodeStoreFailure      = "store_failure"
	CodeResumeUnavailable = "resume_unavailable"
)

// Sentinel errors for conditions the Transport Endpoint and Dispatcher need
// to distinguish by identity rather than by string comparison.
var (
	ErrProtocol         = errors.New("protocol_error")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrOriginRejected   = errors.New("origin_rejected")
	ErrCapacityExceeded = errors.New("capacity_exceeded")
)
