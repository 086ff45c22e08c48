// Package sshaudit records SSH activity (connections, command execution,
// tunnels and shell sessions) to the ssh_audit_logs table and the standard
// logger.
//
// [Auditor] wraps a GORM database handle. The typed helpers in helpers.go
// ([Auditor.LogConnection], [Auditor.LogTunnelCreated], ...) are nil-receiver
// safe so callers may hold a nil *Auditor when auditing is disabled.
//
// Auditing is best-effort: a failed write is logged and returned, but callers
// in this module never fail the audited operation because of it.
//
// Entries older than the retention period (default [DefaultRetentionDays])
// are removed by [Auditor.PurgeOlderThan], which main.go schedules with cron.
//
// Log prefix: [ssh-audit].
package sshaudit
