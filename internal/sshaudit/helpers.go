package sshaudit

import (
	"fmt"

	"github.com/gluk-w/sshdesk/internal/logutil"
)

// maxCommandLen bounds how much of a command line is stored per entry.
const maxCommandLen = 512

// LogConnection logs an SSH connection establishment event.
func (a *Auditor) LogConnection(connectionID, host, username string) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventConnectionEstablished,
		Host:         host,
		Username:     username,
	})
}

// LogConnectionFailed logs a failed SSH connection attempt.
func (a *Auditor) LogConnectionFailed(host, username, reason string) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		EventType: EventConnectionFailed,
		Host:      host,
		Username:  username,
		Details:   reason,
	})
}

// LogDisconnection logs an explicit SSH connection termination.
func (a *Auditor) LogDisconnection(connectionID, reason string, durationMs int64) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventConnectionTerminated,
		Details:      reason,
		DurationMs:   durationMs,
	})
}

// LogConnectionLost logs a connection that ended without an explicit close.
func (a *Auditor) LogConnectionLost(connectionID, state, reason string) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventConnectionLost,
		Details:      fmt.Sprintf("state=%s reason=%s", state, reason),
	})
}

// LogCommand logs a command execution and its exit code.
func (a *Auditor) LogCommand(connectionID, command string, exitCode int, durationMs int64) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventCommandExecution,
		Details:      fmt.Sprintf("cmd=%s exit=%d", logutil.Truncate(command, maxCommandLen), exitCode),
		DurationMs:   durationMs,
	})
}

// LogTunnelCreated logs a tunnel creation with its topology summary.
func (a *Auditor) LogTunnelCreated(connectionID, tunnelID, summary string) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventTunnelCreated,
		TargetID:     tunnelID,
		Details:      summary,
	})
}

// LogTunnelClosed logs a tunnel teardown; details carries any teardown error.
func (a *Auditor) LogTunnelClosed(connectionID, tunnelID, details string) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventTunnelClosed,
		TargetID:     tunnelID,
		Details:      details,
	})
}

// LogShellStart logs an interactive shell session start.
func (a *Auditor) LogShellStart(connectionID, sessionID, termType string) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventShellSessionStart,
		TargetID:     sessionID,
		Details:      "term=" + termType,
	})
}

// LogShellEnd logs an interactive shell session end.
func (a *Auditor) LogShellEnd(connectionID, sessionID string, durationMs int64) {
	if a == nil {
		return
	}
	a.Log(AuditEntry{
		ConnectionID: connectionID,
		EventType:    EventShellSessionEnd,
		TargetID:     sessionID,
		DurationMs:   durationMs,
	})
}
