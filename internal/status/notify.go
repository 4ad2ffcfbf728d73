package status

import (
	"context"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
)

// notificationCooldown is the minimum delay between two overdue warnings.
const notificationCooldown = 24 * time.Hour

// Notifier delivers overdue-backup warnings. The returned id is opaque and
// is handed back to replace or clear the notification.
type Notifier interface {
	Send(ctx context.Context, n models.Notification, replaceID string) (string, error)
	Clear(ctx context.Context, id string) error
}

// UpdateNotification clears the notification after a success, or emits one
// when the last success is older than maxage days and no notification was
// sent in the last 24 hours. Failures to notify are logged, never returned.
// It reports whether a notification was sent.
func (s *Store) UpdateNotification(ctx context.Context, id int, settings models.Settings, n Notifier) bool {
	if n == nil {
		return false
	}
	st, result, err := s.Get()
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot read status for notification")
		return false
	}
	now := s.clock.Now()

	if result == models.ResultSuccess {
		if st.LastNotificationID == "" {
			return false
		}
		if err := n.Clear(ctx, st.LastNotificationID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear notification")
		}
		s.saveNotification("", time.Time{})
		return false
	}

	if !ShouldNotify(settings, st, now) {
		return false
	}

	newID, err := n.Send(ctx, models.Notification{
		Instance:    id,
		Repository:  settings.RepositoryName,
		Destination: settings.Destination(),
		LastSuccess: st.LastSuccess,
		MaxAge:      settings.MaxAge,
		Details:     st.Details,
	}, st.LastNotificationID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to send notification")
		return false
	}
	s.saveNotification(newID, now)
	return true
}

// ShouldNotify applies the overdue-backup gating rules.
func ShouldNotify(settings models.Settings, st models.Status, now time.Time) bool {
	if settings.MaxAge <= 0 {
		return false
	}
	maxAge := time.Duration(settings.MaxAge) * 24 * time.Hour
	if !st.LastSuccess.IsZero() && now.Sub(st.LastSuccess) <= maxAge {
		return false
	}
	if !st.LastNotificationDate.IsZero() && now.Sub(st.LastNotificationDate) <= notificationCooldown {
		return false
	}
	return true
}

func (s *Store) saveNotification(id string, date time.Time) {
	err := s.Update(func(st *models.Status) error {
		st.LastNotificationID = id
		st.LastNotificationDate = date
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to store notification id")
	}
}
