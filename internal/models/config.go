// Package models contains the data structures used throughout minarca-agent.
package models

import "time"

// AgentConfig holds the agent-level configuration shared by every instance.
type AgentConfig struct {
	ConfigDir       string
	RdiffBackup     string   // path or name of the rdiff-backup binary
	RdiffBackupArgs []string // extra arguments applied to every invocation
	InsecureTLS     bool
	HTTPTimeout     time.Duration
	SSHTimeout      time.Duration
	Log             LogSettings
	Telegram        *TelegramConfig // nil if not configured
}

// LogSettings controls rotation of the per-instance child logs.
type LogSettings struct {
	MaxSizeMB  int
	MaxBackups int
}
