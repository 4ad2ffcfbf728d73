package status

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, alive LivenessFunc) (*Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	s := NewStore(testLogger(), filepath.Join(t.TempDir(), "status.1"), clk, alive)
	t.Cleanup(s.Close)
	return s, clk
}

func TestUpdateStatus_SuccessLifecycle(t *testing.T) {
	s, clk := newTestStore(t, aliveAll)

	sess, err := s.UpdateStatus(context.Background(), models.ActionBackup)
	require.NoError(t, err)

	st, result, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, models.ResultRunning, result)
	assert.Equal(t, s.pid, st.PID)
	assert.Equal(t, models.ActionBackup, st.Action)

	clk.Advance(time.Second)
	require.NoError(t, sess.Close(nil))

	st, result, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result)
	assert.True(t, st.LastSuccess.Equal(st.LastDate))
	assert.True(t, st.LastDate.Equal(epoch.Add(time.Second)))
	assert.Empty(t, st.Details)
}

func TestUpdateStatus_FailureKeepsLastSuccess(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	before := epoch.Add(-time.Hour)
	require.NoError(t, Save(models.Status{LastResult: models.ResultSuccess, LastSuccess: before, LastDate: before}, s.Path()))

	sess, err := s.UpdateStatus(context.Background(), models.ActionBackup)
	require.NoError(t, err)
	require.NoError(t, sess.Close(models.NewError(models.KindDiskFull)))

	st, result, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, result)
	assert.Equal(t, "Disk full", st.Details)
	assert.True(t, st.LastSuccess.Equal(before))
	assert.False(t, st.LastSuccess.After(st.LastDate))
}

func TestUpdateStatus_AlreadyRunning(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	require.NoError(t, Save(models.Status{LastResult: models.ResultRunning, PID: 999999, LastDate: epoch}, s.Path()))

	_, err := s.UpdateStatus(context.Background(), models.ActionBackup)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindAlreadyRunning))
}

func TestUpdateStatus_TakesOverInterrupted(t *testing.T) {
	s, _ := newTestStore(t, aliveNone)
	require.NoError(t, Save(models.Status{LastResult: models.ResultRunning, PID: 999999, LastDate: epoch}, s.Path()))

	sess, err := s.UpdateStatus(context.Background(), models.ActionRestore)
	require.NoError(t, err)
	defer sess.Close(nil)

	st, err := Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, s.pid, st.PID)
	assert.Equal(t, models.ActionRestore, st.Action)
}

func TestUpdateStatus_CancelledContext(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.UpdateStatus(ctx, models.ActionBackup)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_Heartbeat(t *testing.T) {
	s, clk := newTestStore(t, aliveAll)

	sess, err := s.UpdateStatus(context.Background(), models.ActionBackup)
	require.NoError(t, err)
	defer sess.Close(nil)

	interval := RunningDelay - time.Second
	require.NoError(t, clk.WaitAdvance(interval, time.Second, 1))

	assert.Eventually(t, func() bool {
		st, err := Load(s.Path())
		return err == nil && st.LastDate.Equal(epoch.Add(interval))
	}, time.Second, 10*time.Millisecond)

	// Still running well past one RunningDelay thanks to the heartbeat.
	require.NoError(t, clk.WaitAdvance(interval, time.Second, 1))
	assert.Eventually(t, func() bool {
		_, result, err := s.Get()
		return err == nil && result == models.ResultRunning
	}, time.Second, 10*time.Millisecond)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	sess, err := s.UpdateStatus(context.Background(), models.ActionBackup)
	require.NoError(t, err)

	require.NoError(t, sess.Close(errors.New("boom")))
	require.NoError(t, sess.Close(nil))

	st, err := Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, st.LastResult)
	assert.Equal(t, "boom", st.Details)
}

func TestSession_SetChildPID(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	sess, err := s.UpdateStatus(context.Background(), models.ActionBackup)
	require.NoError(t, err)

	sess.SetChildPID(1234)
	st, err := Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, 1234, st.ChildPID)

	require.NoError(t, sess.Close(nil))
	st, err = Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, st.ChildPID)
}

func TestStore_ClosedRejectsUpdates(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	s.Close()
	err := s.Update(func(*models.Status) error { return nil })
	assert.ErrorIs(t, err, errStoreClosed)
}

type mockNotifier struct {
	SendFunc  func(ctx context.Context, n models.Notification, replaceID string) (string, error)
	ClearFunc func(ctx context.Context, id string) error
}

func (m *mockNotifier) Send(ctx context.Context, n models.Notification, replaceID string) (string, error) {
	return m.SendFunc(ctx, n, replaceID)
}

func (m *mockNotifier) Clear(ctx context.Context, id string) error {
	return m.ClearFunc(ctx, id)
}

func TestUpdateNotification_SendsWhenOverdue(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	require.NoError(t, Save(models.Status{
		LastResult:  models.ResultFailure,
		LastDate:    epoch,
		LastSuccess: epoch.Add(-5 * 24 * time.Hour),
		Details:     "Disk full",
	}, s.Path()))

	var sent models.Notification
	n := &mockNotifier{
		SendFunc: func(_ context.Context, notif models.Notification, replaceID string) (string, error) {
			sent = notif
			assert.Empty(t, replaceID)
			return "n-1", nil
		},
	}
	settings := models.Settings{RepositoryName: "laptop", MaxAge: 3, RemoteURL: "https://example.com"}

	assert.True(t, s.UpdateNotification(context.Background(), 1, settings, n))
	assert.Equal(t, "laptop", sent.Repository)
	assert.Equal(t, 3, sent.MaxAge)
	assert.Equal(t, "Disk full", sent.Details)

	st, err := Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "n-1", st.LastNotificationID)
	assert.True(t, st.LastNotificationDate.Equal(epoch))

	// Within the cooldown nothing is sent again.
	assert.False(t, s.UpdateNotification(context.Background(), 1, settings, n))
}

func TestUpdateNotification_MaxAgeZero(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	require.NoError(t, Save(models.Status{LastResult: models.ResultFailure, LastDate: epoch}, s.Path()))

	n := &mockNotifier{
		SendFunc: func(context.Context, models.Notification, string) (string, error) {
			t.Fatal("notification must not be sent")
			return "", nil
		},
	}
	assert.False(t, s.UpdateNotification(context.Background(), 1, models.Settings{MaxAge: 0}, n))
}

func TestUpdateNotification_ClearsOnSuccess(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	require.NoError(t, Save(models.Status{
		LastResult:           models.ResultSuccess,
		LastDate:             epoch,
		LastSuccess:          epoch,
		LastNotificationID:   "n-1",
		LastNotificationDate: epoch.Add(-time.Hour),
	}, s.Path()))

	var cleared string
	n := &mockNotifier{
		ClearFunc: func(_ context.Context, id string) error {
			cleared = id
			return nil
		},
	}

	assert.False(t, s.UpdateNotification(context.Background(), 1, models.Settings{MaxAge: 3}, n))
	assert.Equal(t, "n-1", cleared)

	st, err := Load(s.Path())
	require.NoError(t, err)
	assert.Empty(t, st.LastNotificationID)
}

func TestUpdateNotification_SendErrorIsSwallowed(t *testing.T) {
	s, _ := newTestStore(t, aliveAll)
	require.NoError(t, Save(models.Status{LastResult: models.ResultFailure, LastDate: epoch}, s.Path()))

	n := &mockNotifier{
		SendFunc: func(context.Context, models.Notification, string) (string, error) {
			return "", errors.New("network down")
		},
	}
	assert.False(t, s.UpdateNotification(context.Background(), 1, models.Settings{MaxAge: 1}, n))

	st, err := Load(s.Path())
	require.NoError(t, err)
	assert.Empty(t, st.LastNotificationID)
}
