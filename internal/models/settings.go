package models

import (
	"time"
)

// Schedule values, in hours.
const (
	ScheduleManual  = -1
	ScheduleHourly  = 1
	Schedule4Daily  = 6
	ScheduleTwice   = 12
	ScheduleDaily   = 24
	DefaultSchedule = ScheduleDaily
)

// Defaults applied to a freshly configured instance.
const (
	DefaultMaxAge   = 3
	DefaultKeepDays = -1
)

// Settings holds the persisted configuration of one backup instance.
type Settings struct {
	RepositoryName string

	// Remote destination.
	RemoteURL     string
	RemoteHost    string // SSH endpoint as host:port, from the server info
	Username      string
	RemoteRole    int
	RemoteVersion string

	// Local destination.
	LocalUUID       string
	LocalRelPath    string
	LocalCaption    string
	LocalMountpoint string

	Schedule      int   // hours, ScheduleManual disables scheduling
	IgnoreWeekday []int // 0 = Monday
	MaxAge        int   // days, 0 never warns
	KeepDays      int   // days, -1 keeps forever
	PauseUntil    time.Time

	PreHookCommand   string
	PostHookCommand  string
	IgnoreHookErrors bool
}

// DefaultSettings returns the settings of an unconfigured instance.
func DefaultSettings() Settings {
	return Settings{
		Schedule: DefaultSchedule,
		MaxAge:   DefaultMaxAge,
		KeepDays: DefaultKeepDays,
	}
}

// IsRemote reports whether the instance targets a remote server.
func (s Settings) IsRemote() bool {
	return s.RemoteURL != ""
}

// IsLocal reports whether the instance targets a local disk.
func (s Settings) IsLocal() bool {
	return s.LocalUUID != ""
}

// Configured reports whether exactly one destination is set.
func (s Settings) Configured() bool {
	return s.RepositoryName != "" && s.IsRemote() != s.IsLocal()
}

// Paused reports whether scheduled backups are paused at now.
func (s Settings) Paused(now time.Time) bool {
	return !s.PauseUntil.IsZero() && now.Before(s.PauseUntil)
}

// Destination returns a short human description of the destination.
func (s Settings) Destination() string {
	switch {
	case s.IsRemote():
		return s.RemoteURL
	case s.IsLocal():
		if s.LocalCaption != "" {
			return s.LocalCaption + ":" + s.LocalRelPath
		}
		return s.LocalUUID + ":" + s.LocalRelPath
	default:
		return ""
	}
}
