//go:build e2e

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTelegramConfig(t *testing.T) models.TelegramConfig {
	t.Helper()

	botToken := os.Getenv("TEST_TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		t.Skip("TEST_TELEGRAM_BOT_TOKEN not set")
	}

	chatID := os.Getenv("TEST_TELEGRAM_CHAT_ID")
	if chatID == "" {
		t.Skip("TEST_TELEGRAM_CHAT_ID not set")
	}

	return models.TelegramConfig{
		BotToken: botToken,
		ChatID:   chatID,
	}
}

func TestTelegramOverdueLifecycle_E2E(t *testing.T) {
	cfg := getTelegramConfig(t)

	svc := notify.NewTelegram(testLogger(), cfg)

	n := models.Notification{
		Instance:    1,
		Repository:  "e2e-test-host",
		Destination: "https://backup.example/",
		LastSuccess: time.Now().Add(-5 * 24 * time.Hour),
		MaxAge:      3,
	}

	id, err := svc.Send(context.Background(), n, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n.LastSuccess = n.LastSuccess.Add(-24 * time.Hour)
	replaced, err := svc.Send(context.Background(), n, id)
	require.NoError(t, err)
	assert.Equal(t, id, replaced)

	require.NoError(t, svc.Clear(context.Background(), id))
}

func TestTelegramNeverBackedUp_E2E(t *testing.T) {
	cfg := getTelegramConfig(t)

	svc := notify.NewTelegram(testLogger(), cfg)

	id, err := svc.Send(context.Background(), models.Notification{
		Instance:   2,
		Repository: "e2e-never",
		MaxAge:     1,
	}, "")
	require.NoError(t, err)
	require.NoError(t, svc.Clear(context.Background(), id))
}

func TestTelegramInvalidToken_E2E(t *testing.T) {
	svc := notify.NewTelegram(testLogger(), models.TelegramConfig{BotToken: "invalid", ChatID: "0"})

	_, err := svc.Send(context.Background(), models.Notification{Repository: "e2e"}, "")
	assert.Error(t, err)
}
