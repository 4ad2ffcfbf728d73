// Package status maintains the per-instance status file read by watchers.
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/shirou/gopsutil/v4/process"
)

// RunningDelay is the heartbeat period contract: a RUNNING status whose
// lastdate is older than twice this delay is reported as STALE.
const RunningDelay = 5 * time.Second

// Status keys.
const (
	KeyDetails              = "details"
	KeyLastDate             = "lastdate"
	KeyLastResult           = "lastresult"
	KeyLastSuccess          = "lastsuccess"
	KeyPID                  = "pid"
	KeyChildPID             = "childpid"
	KeyAction               = "action"
	KeyLastNotificationID   = "lastnotificationid"
	KeyLastNotificationDate = "lastnotificationdate"
)

// LivenessFunc reports whether the process with the given PID is an agent
// process that is still alive.
type LivenessFunc func(pid int) bool

// Load reads the status file at path. A missing file yields an UNKNOWN status.
func Load(path string) (models.Status, error) {
	r, err := confstore.Load(path)
	if err != nil {
		return models.Status{}, err
	}
	return decode(r)
}

func decode(r *confstore.Record) (models.Status, error) {
	st := models.Status{
		Details:            r.String(KeyDetails, ""),
		LastResult:         models.Result(r.String(KeyLastResult, string(models.ResultUnknown))),
		Action:             models.Action(r.String(KeyAction, "")),
		LastNotificationID: r.String(KeyLastNotificationID, ""),
	}
	var err error
	if st.LastDate, err = r.Time(KeyLastDate); err != nil {
		return st, err
	}
	if st.LastSuccess, err = r.Time(KeyLastSuccess); err != nil {
		return st, err
	}
	if st.LastNotificationDate, err = r.Time(KeyLastNotificationDate); err != nil {
		return st, err
	}
	if st.PID, err = r.Int(KeyPID, 0); err != nil {
		return st, err
	}
	if st.ChildPID, err = r.Int(KeyChildPID, 0); err != nil {
		return st, err
	}
	return st, nil
}

func encode(r *confstore.Record, st models.Status) {
	r.SetString(KeyDetails, st.Details)
	r.SetTime(KeyLastDate, st.LastDate)
	r.SetString(KeyLastResult, string(st.LastResult))
	r.SetTime(KeyLastSuccess, st.LastSuccess)
	if st.PID != 0 {
		r.SetInt(KeyPID, st.PID)
	} else {
		r.Delete(KeyPID)
	}
	if st.ChildPID != 0 {
		r.SetInt(KeyChildPID, st.ChildPID)
	} else {
		r.Delete(KeyChildPID)
	}
	r.SetString(KeyAction, string(st.Action))
	r.SetString(KeyLastNotificationID, st.LastNotificationID)
	r.SetTime(KeyLastNotificationDate, st.LastNotificationDate)
}

// Save writes st to path, keeping keys it does not own.
func Save(st models.Status, path string) error {
	return confstore.Update(path, func(r *confstore.Record) error {
		encode(r, st)
		return nil
	})
}

// Current derives the effective result of st at now. A RUNNING status whose
// process is gone is INTERRUPT; one without a recent heartbeat is STALE.
func Current(st models.Status, now time.Time, alive LivenessFunc) models.Result {
	switch st.LastResult {
	case models.ResultRunning:
		if st.PID == 0 || alive == nil || !alive(st.PID) {
			return models.ResultInterrupt
		}
		if now.Sub(st.LastDate) > 2*RunningDelay {
			return models.ResultStale
		}
		return models.ResultRunning
	case models.ResultSuccess, models.ResultFailure, models.ResultInterrupt, models.ResultStale:
		return st.LastResult
	default:
		return models.ResultUnknown
	}
}

// ProcessAlive reports whether pid exists and runs the same executable as
// the current process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	exists, err := process.PidExists(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcess(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return false
	}
	name, err := p.Name()
	if err != nil {
		// Permission issues: the process exists, trust the pid.
		return true
	}
	return name == selfName()
}

func selfName() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Base(exe)
}

// Describe renders a one line summary of st.
func Describe(st models.Status, result models.Result) string {
	switch result {
	case models.ResultRunning:
		return fmt.Sprintf("%s in progress since %s", st.Action, st.LastDate.Format(time.RFC3339))
	case models.ResultSuccess:
		return fmt.Sprintf("last %s succeeded at %s", orBackup(st.Action), st.LastDate.Format(time.RFC3339))
	case models.ResultFailure:
		return fmt.Sprintf("last %s failed at %s: %s", orBackup(st.Action), st.LastDate.Format(time.RFC3339), st.Details)
	case models.ResultInterrupt:
		return fmt.Sprintf("last %s was interrupted", orBackup(st.Action))
	case models.ResultStale:
		return fmt.Sprintf("%s is not responding", orBackup(st.Action))
	default:
		return "no backup yet"
	}
}

func orBackup(a models.Action) models.Action {
	if a == "" {
		return models.ActionBackup
	}
	return a
}
