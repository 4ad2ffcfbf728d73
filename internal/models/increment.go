package models

import "time"

// Increment is a point in time that can be restored.
type Increment struct {
	Time    time.Time
	Current bool // the mirror itself rather than a reverse diff
}

// InstanceEventType describes a change in the instance set.
type InstanceEventType string

// Instance event types.
const (
	InstanceAdded   InstanceEventType = "added"
	InstanceRemoved InstanceEventType = "removed"
	InstanceChanged InstanceEventType = "changed"
)

// InstanceEvent is emitted by the agent watcher.
type InstanceEvent struct {
	Type InstanceEventType
	ID   int
}
