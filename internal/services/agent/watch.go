package agent

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"github.com/fgeck/minarca-agent/internal/models"
)

// Watch reports instances added, removed or changed by any process until
// ctx is done. While an instance runs, a polling floor backs the native
// notifications so heartbeats are seen.
func (a *Agent) Watch(ctx context.Context) (<-chan models.InstanceEvent, error) {
	w := confstore.NewDirWatcher(a.logger, a.dir, func(name string) bool {
		_, ok := parseID(name)
		return ok
	})
	events, err := w.Watch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan models.InstanceEvent, 16)
	go func() {
		defer close(out)
		w.SetPolling(a.anyRunning())
		for ev := range events {
			for _, iev := range a.sync(ev.Paths) {
				select {
				case out <- iev:
				case <-ctx.Done():
					return
				}
			}
			w.SetPolling(a.anyRunning())
		}
	}()
	return out, nil
}

// sync reconciles the instance set with the config dir after paths changed.
func (a *Agent) sync(paths []string) []models.InstanceEvent {
	changed := map[int]bool{}
	for _, p := range paths {
		if id, ok := parseID(filepath.Base(p)); ok {
			changed[id] = true
		}
	}
	ids, err := a.scan()
	if err != nil {
		a.logger.Warn().Err(err).Msg("cannot rescan config dir")
		return nil
	}
	onDisk := make(map[int]bool, len(ids))
	for _, id := range ids {
		onDisk[id] = true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.InstanceEvent
	for id, inst := range a.instances {
		if !onDisk[id] && !inst.Running() {
			inst.Close()
			delete(a.instances, id)
			out = append(out, models.InstanceEvent{Type: models.InstanceRemoved, ID: id})
			delete(changed, id)
		}
	}
	for _, id := range ids {
		if _, ok := a.instances[id]; !ok {
			a.open(id)
			out = append(out, models.InstanceEvent{Type: models.InstanceAdded, ID: id})
			delete(changed, id)
		}
	}
	for id := range changed {
		if _, ok := a.instances[id]; ok {
			out = append(out, models.InstanceEvent{Type: models.InstanceChanged, ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Agent) anyRunning() bool {
	for _, inst := range a.List() {
		if _, result, err := inst.Status(); err == nil && result == models.ResultRunning {
			return true
		}
	}
	return false
}
