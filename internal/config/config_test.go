package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1", cfg.Server.BindHost)
	require.Equal(t, 3456, cfg.Server.Port)
	require.Equal(t, 100, cfg.Server.MaxConnections)
	require.Equal(t, 30, cfg.Server.PingIntervalS)
	require.Equal(t, 2, cfg.Server.PingMissLimit)
	require.Equal(t, DriverProcess, cfg.Agent.Driver)
	require.Equal(t, PermissionModePlan, cfg.Agent.DefaultPermissionMode)
	require.Equal(t, 30, cfg.Session.IdleLimitMinutes)
	require.Equal(t, 30, cfg.Session.IdleGraceMinutes)
	require.Equal(t, 24, cfg.Session.ResumeWindowHours)
	require.Equal(t, 24, cfg.Store.ScreenshotTTLHours)
	require.Equal(t, 60, cfg.Permission.ToolTimeoutSeconds)
	require.Equal(t, 300, cfg.Permission.PlanTimeoutSeconds)
	require.Equal(t, 60, cfg.Permission.QuestionTimeoutSeconds)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DRIVER", "inproc")
	t.Setenv("DEFAULT_PERMISSION_MODE", "acceptEdits")
	t.Setenv("RESUME_WINDOW_HOURS", "48")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, DriverInproc, cfg.Agent.Driver)
	require.Equal(t, PermissionModeAcceptEdits, cfg.Agent.DefaultPermissionMode)
	require.Equal(t, 48, cfg.Session.ResumeWindowHours)
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "0")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
}

func TestValidationRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DRIVER", "quantum")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
}

func TestDurationAccessors(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	require.EqualValues(t, 30, cfg.Server.PingInterval().Seconds())
	require.EqualValues(t, 30, cfg.Session.IdleLimit().Minutes())
	require.EqualValues(t, 24, cfg.Session.ResumeWindow().Hours())
	require.EqualValues(t, 24, cfg.Store.ScreenshotTTL().Hours())
	require.EqualValues(t, 300, cfg.Permission.PlanTimeout().Seconds())
}
