// Package agent manages the set of instances stored in a config dir.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/instance"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// SelectAll selects every instance.
const SelectAll = "all"

// Agent owns one engine per configured instance. Ids are never reused while
// the agent runs.
type Agent struct {
	logger zerolog.Logger
	deps   *instance.Deps
	dir    string

	mu        sync.Mutex
	instances map[int]*instance.Instance
	lastID    int
}

// New loads every instance found in the config dir of deps.
func New(logger zerolog.Logger, deps *instance.Deps) (*Agent, error) {
	a := &Agent{
		logger:    logger,
		deps:      deps,
		dir:       deps.Config.ConfigDir,
		instances: map[int]*instance.Instance{},
	}
	ids, err := a.scan()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		a.open(id)
	}
	logger.Debug().Str("dir", a.dir).Int("instances", len(ids)).Msg("agent loaded")
	return a, nil
}

// parseID extracts n from config.<n>.conf, patterns.<n> or status.<n>.
func parseID(name string) (int, bool) {
	var rest string
	switch {
	case strings.HasPrefix(name, "config.") && strings.HasSuffix(name, ".conf"):
		rest = strings.TrimSuffix(strings.TrimPrefix(name, "config."), ".conf")
	case strings.HasPrefix(name, "patterns."):
		rest = strings.TrimPrefix(name, "patterns.")
	case strings.HasPrefix(name, "status."):
		rest = strings.TrimPrefix(name, "status.")
	default:
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// scan lists the ids that own a settings file.
func (a *Agent) scan() ([]int, error) {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "config.") {
			continue
		}
		if id, ok := parseID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// open must be called with mu held or before the agent is shared.
func (a *Agent) open(id int) *instance.Instance {
	inst := instance.New(a.logger, id, a.deps)
	a.instances[id] = inst
	if id > a.lastID {
		a.lastID = id
	}
	return inst
}

// Close releases every instance.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, inst := range a.instances {
		inst.Close()
	}
}

// List returns the instances ordered by id.
func (a *Agent) List() []*instance.Instance {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*instance.Instance, 0, len(a.instances))
	for _, inst := range a.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Get returns the instance id.
func (a *Agent) Get(id int) (*instance.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[id]
	if !ok {
		return nil, models.Errorf(models.KindInstanceNotFound, "Instance not found: %d", id)
	}
	return inst, nil
}

// Select resolves a selector: an id, "all", or a repository name pattern
// where * matches any run of characters. An empty selector is "all".
func (a *Agent) Select(selector string) ([]*instance.Instance, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == SelectAll {
		return a.List(), nil
	}
	if id, err := strconv.Atoi(selector); err == nil {
		inst, err := a.Get(id)
		if err != nil {
			return nil, err
		}
		return []*instance.Instance{inst}, nil
	}

	g, err := glob.Compile(selector)
	if err != nil {
		return nil, models.Errorf(models.KindInstanceNotFound, "Invalid instance selector %q", selector)
	}
	var out []*instance.Instance
	for _, inst := range a.List() {
		s, err := inst.Settings()
		if err != nil {
			a.logger.Warn().Err(err).Int("instance", inst.ID()).Msg("cannot read settings")
			continue
		}
		if s.RepositoryName != "" && g.Match(s.RepositoryName) {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return nil, models.Errorf(models.KindInstanceNotFound, "No instance matches %q", selector)
	}
	return out, nil
}

// sameDestination reports whether a and b back up to the same repository.
func sameDestination(a, b models.Settings) bool {
	if a.RepositoryName != b.RepositoryName {
		return false
	}
	if a.IsRemote() && b.IsRemote() {
		return strings.TrimSuffix(a.RemoteURL, "/") == strings.TrimSuffix(b.RemoteURL, "/")
	}
	if a.IsLocal() && b.IsLocal() {
		return a.LocalUUID == b.LocalUUID && a.LocalRelPath == b.LocalRelPath
	}
	return false
}

// checkDuplicate returns DuplicateSettings when an instance other than
// exclude already uses the destination of s.
func (a *Agent) checkDuplicate(exclude int, s models.Settings) error {
	for _, inst := range a.List() {
		if inst.ID() == exclude {
			continue
		}
		other, err := inst.Settings()
		if err != nil || !other.Configured() {
			continue
		}
		if sameDestination(s, other) {
			return models.Errorf(models.KindDuplicateSettings,
				"Instance %d already backs up to %s", inst.ID(), other.Destination())
		}
	}
	return nil
}

// Add registers an instance configured outside the agent. It fails with
// DuplicateSettings when another instance uses the same destination.
func (a *Agent) Add(inst *instance.Instance) error {
	s, err := inst.Settings()
	if err != nil {
		return err
	}
	if err := a.checkDuplicate(inst.ID(), s); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.instances[inst.ID()]; ok && prev != inst {
		// Opened by the watcher while the instance was being configured.
		prev.Close()
	}
	a.instances[inst.ID()] = inst
	if inst.ID() > a.lastID {
		a.lastID = inst.ID()
	}
	return nil
}

// Remove forgets the instance id and deletes its files.
func (a *Agent) Remove(ctx context.Context, id int) error {
	inst, err := a.Get(id)
	if err != nil {
		return err
	}
	if err := inst.Forget(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.instances, id)
	a.mu.Unlock()
	return nil
}

// NewInstance returns an engine for a fresh id, not yet registered.
func (a *Agent) NewInstance() *instance.Instance {
	a.mu.Lock()
	a.lastID++
	id := a.lastID
	a.mu.Unlock()
	return instance.New(a.logger, id, a.deps)
}

// ConfigureRemote configures a new remote instance and registers it.
func (a *Agent) ConfigureRemote(ctx context.Context, opts instance.RemoteOptions) (*instance.Instance, error) {
	inst := a.NewInstance()
	opts.Check = func(s models.Settings) error {
		return a.checkDuplicate(inst.ID(), s)
	}
	if err := inst.ConfigureRemote(ctx, opts); err != nil {
		inst.Close()
		return nil, err
	}
	return inst, a.Add(inst)
}

// ConfigureLocal configures a new local instance and registers it.
func (a *Agent) ConfigureLocal(ctx context.Context, opts instance.LocalOptions) (*instance.Instance, error) {
	inst := a.NewInstance()
	opts.Check = func(s models.Settings) error {
		return a.checkDuplicate(inst.ID(), s)
	}
	if err := inst.ConfigureLocal(ctx, opts); err != nil {
		inst.Close()
		return nil, err
	}
	return inst, a.Add(inst)
}

// severity orders backup outcomes: success, then NotScheduled, then any
// other error by exit code.
func severity(err error) int {
	switch {
	case err == nil:
		return 0
	case models.IsKind(err, models.KindNotScheduled):
		return 1
	default:
		return 2 + models.ExitCode(err)
	}
}

// Worst returns the most severe of errs.
func Worst(errs ...error) error {
	var worst error
	for _, err := range errs {
		if severity(err) > severity(worst) {
			worst = err
		}
	}
	return worst
}

// BackupAll backs up every selected instance in turn. A failure does not
// stop the others; the most severe error is returned.
func (a *Agent) BackupAll(ctx context.Context, instances []*instance.Instance, force bool) error {
	var errs []error
	for _, inst := range instances {
		if ctx.Err() != nil {
			errs = append(errs, models.ErrCancelled)
			break
		}
		err := inst.Backup(ctx, force)
		switch {
		case err == nil:
		case models.IsKind(err, models.KindNotScheduled):
			a.logger.Debug().Int("instance", inst.ID()).Msg("backup not scheduled")
		default:
			a.logger.Error().Err(err).Int("instance", inst.ID()).Msg("backup failed")
		}
		errs = append(errs, err)
	}
	return Worst(errs...)
}

// ScheduleHours returns the interval at which the OS scheduler should wake
// the agent: the smallest schedule among configured instances, never below
// one hour. Zero means no instance needs scheduling.
func (a *Agent) ScheduleHours() int {
	hours := 0
	for _, inst := range a.List() {
		s, err := inst.Settings()
		if err != nil || !s.Configured() || s.Schedule == models.ScheduleManual {
			continue
		}
		if hours == 0 || s.Schedule < hours {
			hours = s.Schedule
		}
	}
	if hours != 0 && hours < models.ScheduleHourly {
		hours = models.ScheduleHourly
	}
	return hours
}

// Dir returns the config dir.
func (a *Agent) Dir() string {
	return a.dir
}
