// Package notify delivers overdue-backup warnings.
package notify

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogNotifier writes warnings to the agent log. It is used when no other
// backend is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs n and returns an id for later replacement.
func (l *LogNotifier) Send(_ context.Context, n models.Notification, replaceID string) (string, error) {
	id := replaceID
	if id == "" {
		id = uuid.NewString()
	}
	l.logger.Warn().
		Int("instance", n.Instance).
		Str("repository", n.Repository).
		Str("notification_id", id).
		Msg(Summary(n, time.Now()))
	return id, nil
}

// Clear logs that the warning is resolved.
func (l *LogNotifier) Clear(_ context.Context, id string) error {
	l.logger.Info().Str("notification_id", id).Msg("backup is up to date again")
	return nil
}

// Summary renders a one line description of n.
func Summary(n models.Notification, now time.Time) string {
	if n.LastSuccess.IsZero() {
		return "Backup " + n.Repository + " never completed successfully"
	}
	return "Backup " + n.Repository + " is overdue, last success " + humanize.RelTime(n.LastSuccess, now, "ago", "from now")
}
