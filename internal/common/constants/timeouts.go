// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts and defaults governing the session and streaming core.
const (
	// DefaultPingInterval is how often the Connection Manager pings an idle connection.
	DefaultPingInterval = 30 * time.Second

	// DefaultPingMissLimit is the number of consecutive missed pongs before a
	// connection is considered dead.
	DefaultPingMissLimit = 2

	// CancelGraceWindow is how long the Stream Controller waits for a driver
	// to terminate after a cancel signal before forcing the stream closed.
	CancelGraceWindow = 2 * time.Second

	// DefaultIdleLimit is how long a Session may sit without activity before
	// the idle reaper marks it idle.
	DefaultIdleLimit = 30 * time.Minute

	// DefaultIdleGrace is the additional time after idle before a Session is closed
	// and its Agent Driver released.
	DefaultIdleGrace = 30 * time.Minute

	// DefaultIdleReaperInterval is how often the idle reaper sweeps Sessions.
	DefaultIdleReaperInterval = 60 * time.Second

	// DefaultResumeWindow bounds how old a closed Session may be and still be
	// eligible for resume on a later handshake.
	DefaultResumeWindow = 24 * time.Hour

	// DefaultScreenshotTTL is the age at which a screenshot blob is eligible for cleanup.
	DefaultScreenshotTTL = 24 * time.Hour

	// DefaultToolPermissionTimeout is the default deadline for a tool_use permission prompt.
	DefaultToolPermissionTimeout = 60 * time.Second

	// DefaultPlanPermissionTimeout is the default deadline for a plan_approval permission prompt.
	DefaultPlanPermissionTimeout = 300 * time.Second

	// DefaultQuestionPermissionTimeout is the default deadline for an ask_user permission prompt.
	DefaultQuestionPermissionTimeout = 60 * time.Second

	// DefaultReconnectGrace is how long a Session keeps its in-flight Stream
	// alive after its transport drops, waiting for a same-tab re-handshake to
	// rebind before the Stream is cancelled with cause peer_gone.
	DefaultReconnectGrace = 3 * time.Second

	// ShutdownDeadline bounds how long graceful shutdown waits for live streams
	// to terminate before forcing process exit.
	ShutdownDeadline = 30 * time.Second

	// DriverTerminationGrace is the target upper bound for a driver to stop
	// producing events after its cancel signal is raised.
	DriverTerminationGrace = 2 * time.Second
)
