// Package instance implements the backup engine of one configured instance.
package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"github.com/fgeck/minarca-agent/internal/keys"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/patterns"
	"github.com/fgeck/minarca-agent/internal/services/supervisor"
	"github.com/fgeck/minarca-agent/internal/status"
	"github.com/rs/zerolog"
)

// ScheduleFactor shortens the schedule interval so a backup started a few
// minutes late by the OS scheduler still runs on the next tick.
const ScheduleFactor = 0.9

// TestConnectionTimeout bounds TestConnection.
const TestConnectionTimeout = 10 * time.Second

// stopPoll is the interval at which Stop checks that a run ended.
const stopPoll = 250 * time.Millisecond

// Instance is one backup configuration and its files in the config dir.
type Instance struct {
	id     int
	paths  Paths
	deps   *Deps
	logger zerolog.Logger
	store  *status.Store

	mu     sync.Mutex
	runner Runner             // child of the run owned by this process
	cancel context.CancelFunc // set while this process runs an operation
}

// New opens the instance id stored in the agent config dir.
func New(logger zerolog.Logger, id int, deps *Deps) *Instance {
	paths := Paths{Dir: deps.Config.ConfigDir, ID: id}
	logger = logger.With().Int("instance", id).Logger()
	return &Instance{
		id:     id,
		paths:  paths,
		deps:   deps,
		logger: logger,
		store:  status.NewStore(logger, paths.Status(), deps.Clock, deps.Alive),
	}
}

// ID returns the instance id.
func (i *Instance) ID() int {
	return i.id
}

// Paths returns the files of the instance.
func (i *Instance) Paths() Paths {
	return i.paths
}

// Close releases the status actor.
func (i *Instance) Close() {
	i.store.Close()
}

// Settings reads the settings file.
func (i *Instance) Settings() (models.Settings, error) {
	return confstore.LoadSettings(i.paths.Config())
}

// UpdateSettings applies fn to the settings and saves them atomically.
func (i *Instance) UpdateSettings(fn func(s *models.Settings) error) error {
	return confstore.Update(i.paths.Config(), func(r *confstore.Record) error {
		s, err := confstore.DecodeSettings(r)
		if err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		return confstore.EncodeSettings(r, s)
	})
}

// Patterns reads the pattern file.
func (i *Instance) Patterns() (patterns.Set, error) {
	return patterns.Load(i.paths.Patterns())
}

// Include adds include patterns. Every non wildcard value must exist.
func (i *Instance) Include(values ...string) error {
	return i.addPatterns(true, values)
}

// Exclude adds exclude patterns.
func (i *Instance) Exclude(values ...string) error {
	return i.addPatterns(false, values)
}

func (i *Instance) addPatterns(include bool, values []string) error {
	for _, v := range values {
		if err := patterns.Validate(models.Pattern{Include: include, Pattern: v}); err != nil {
			return err
		}
	}
	set, err := i.Patterns()
	if err != nil {
		return err
	}
	return patterns.Save(set.Add(include, "", values...), i.paths.Patterns())
}

// SetPatterns replaces the pattern file.
func (i *Instance) SetPatterns(set patterns.Set) error {
	return patterns.Save(set, i.paths.Patterns())
}

// Status returns the status record and its derived result.
func (i *Instance) Status() (models.Status, models.Result, error) {
	return i.store.Get()
}

// LogID is a short identifier derived from the key fingerprint, used to
// correlate client and server logs.
func (i *Instance) LogID() string {
	pub, err := os.ReadFile(i.paths.PublicKey())
	if err != nil {
		return fmt.Sprintf("local-%d", i.id)
	}
	fp, err := keys.Fingerprint(pub)
	if err != nil {
		return fmt.Sprintf("local-%d", i.id)
	}
	return strings.ReplaceAll(fp, ":", "")[:8]
}

// Pause suspends scheduled backups for hours; zero resumes them.
func (i *Instance) Pause(hours int) error {
	if hours < 0 {
		return fmt.Errorf("pause delay must not be negative: %d", hours)
	}
	return i.UpdateSettings(func(s *models.Settings) error {
		if hours == 0 {
			s.PauseUntil = time.Time{}
			return nil
		}
		s.PauseUntil = i.deps.Clock.Now().Add(time.Duration(hours) * time.Hour)
		return nil
	})
}

// IsScheduledNow reports whether a scheduled backup is due.
func (i *Instance) IsScheduledNow() (bool, error) {
	s, err := i.Settings()
	if err != nil {
		return false, err
	}
	st, _, err := i.store.Get()
	if err != nil {
		return false, err
	}
	return isScheduledAt(s, st, i.deps.Clock.Now()), nil
}

func isScheduledAt(s models.Settings, st models.Status, now time.Time) bool {
	if !s.Configured() || s.Schedule == models.ScheduleManual || s.Paused(now) {
		return false
	}
	weekday := (int(now.Weekday()) + 6) % 7 // Monday = 0
	for _, d := range s.IgnoreWeekday {
		if d == weekday {
			return false
		}
	}
	if st.LastSuccess.IsZero() {
		return true
	}
	interval := time.Duration(float64(s.Schedule) * ScheduleFactor * float64(time.Hour))
	return now.Sub(st.LastSuccess) >= interval
}

func (i *Instance) setRunner(r Runner) {
	i.mu.Lock()
	i.runner = r
	i.mu.Unlock()
}

// track derives the context of an operation that Stop can cancel. done must
// be called when the operation ends.
func (i *Instance) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
	return ctx, func() {
		i.mu.Lock()
		i.cancel = nil
		i.mu.Unlock()
		cancel()
	}
}

// Running reports whether this process runs an operation of the instance.
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runner != nil || i.cancel != nil
}

// Stop cancels the running operation, whether it belongs to this process or
// another one, and waits until its final status is written.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	r, cancel := i.runner, i.cancel
	i.mu.Unlock()

	switch {
	case r != nil:
		i.logger.Info().Msg("stopping running operation")
		r.Cancel()
	case cancel != nil:
		i.logger.Info().Msg("stopping running operation")
		cancel()
	default:
		st, result, err := i.store.Get()
		if err != nil {
			return err
		}
		if result != models.ResultRunning {
			return nil
		}
		if st.PID == os.Getpid() {
			// Owned by another handle of this process; it ends on its own.
			i.logger.Warn().Int("pid", st.PID).Msg("operation runs in this process, waiting for it")
			break
		}
		i.logger.Info().Int("pid", st.PID).Msg("stopping backup of another process")
		if err := supervisor.SignalProcess(st.PID); err != nil {
			return fmt.Errorf("failed to signal process %d: %w", st.PID, err)
		}
	}
	return i.waitStopped(ctx)
}

func (i *Instance) waitStopped(ctx context.Context) error {
	for {
		_, result, err := i.store.Get()
		if err != nil {
			return err
		}
		if result != models.ResultRunning && !i.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.deps.Clock.After(stopPoll):
		}
	}
}

// Forget stops any run, revokes the key at the server and deletes every
// file of the instance.
func (i *Instance) Forget(ctx context.Context) error {
	if err := i.Stop(ctx); err != nil {
		return err
	}
	s, err := i.Settings()
	if err != nil {
		i.logger.Warn().Err(err).Msg("cannot read settings of forgotten instance")
	} else if s.IsRemote() {
		i.revokeKey(ctx, s)
	}
	i.store.Close()

	var errs []error
	for _, f := range i.paths.All() {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete instance files: %w", err)
	}
	i.logger.Info().Msg("instance forgotten")
	return nil
}
