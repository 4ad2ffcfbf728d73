package models

import "time"

// Result is the outcome recorded in a status file.
type Result string

// Status results.
const (
	ResultSuccess   Result = "SUCCESS"
	ResultFailure   Result = "FAILURE"
	ResultRunning   Result = "RUNNING"
	ResultStale     Result = "STALE"
	ResultInterrupt Result = "INTERRUPT"
	ResultUnknown   Result = "UNKNOWN"
)

// Action is the kind of operation recorded while running.
type Action string

// Status actions.
const (
	ActionBackup  Action = "backup"
	ActionRestore Action = "restore"
)

// Status is the live state of an instance shared with watchers.
type Status struct {
	Details              string
	LastDate             time.Time
	LastResult           Result
	LastSuccess          time.Time
	PID                  int
	ChildPID             int
	Action               Action
	LastNotificationID   string
	LastNotificationDate time.Time
}
