package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_LoadReader_Empty(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader("")

	require.NoError(t, err)
	assert.Equal(t, "rdiff-backup", cfg.RdiffBackup)
	assert.Empty(t, cfg.RdiffBackupArgs)
	assert.False(t, cfg.InsecureTLS)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 15*time.Second, cfg.SSHTimeout)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.Equal(t, 3, cfg.Log.MaxBackups)
	assert.Nil(t, cfg.Telegram)
}

func TestParser_LoadReader_FullConfig(t *testing.T) {
	yaml := `
config_dir: /etc/minarca
rdiff_backup: /opt/rdiff-backup/bin/rdiff-backup
rdiffbackup_args:
  - --api-version
  - "201"
insecure_tls: true
http_timeout: 1m
ssh_timeout: 20s
log:
  max_size_mb: 50
  max_backups: 5
notify:
  telegram:
    bot_token: "123:abc"
    chat_id: "-100"
`
	parser := NewParser()
	cfg, err := parser.LoadReader(yaml)

	require.NoError(t, err)
	assert.Equal(t, "/etc/minarca", cfg.ConfigDir)
	assert.Equal(t, "/opt/rdiff-backup/bin/rdiff-backup", cfg.RdiffBackup)
	assert.Equal(t, []string{"--api-version", "201"}, cfg.RdiffBackupArgs)
	assert.True(t, cfg.InsecureTLS)
	assert.Equal(t, time.Minute, cfg.HTTPTimeout)
	assert.Equal(t, 20*time.Second, cfg.SSHTimeout)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
	assert.Equal(t, 5, cfg.Log.MaxBackups)
	require.NotNil(t, cfg.Telegram)
	assert.Equal(t, &models.TelegramConfig{BotToken: "123:abc", ChatID: "-100"}, cfg.Telegram)
}

func TestParser_LoadReader_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "from-env")
	yaml := `
notify:
  telegram:
    bot_token: "${TEST_BOT_TOKEN}"
    chat_id: "42"
`
	cfg, err := NewParser().LoadReader(yaml)
	require.NoError(t, err)
	require.NotNil(t, cfg.Telegram)
	assert.Equal(t, "from-env", cfg.Telegram.BotToken)
}

func TestParser_EnvOverride(t *testing.T) {
	t.Setenv("MINARCA_RDIFF_BACKUP", "/usr/local/bin/rdiff-backup")
	t.Setenv("MINARCA_INSECURE_TLS", "true")
	t.Setenv("MINARCA_LOG_MAX_BACKUPS", "7")

	cfg, err := NewParser().LoadReader("rdiff_backup: ignored\n")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/rdiff-backup", cfg.RdiffBackup)
	assert.True(t, cfg.InsecureTLS)
	assert.Equal(t, 7, cfg.Log.MaxBackups)
}

func TestParser_LoadReader_Telegram_MissingChatID(t *testing.T) {
	yaml := `
notify:
  telegram:
    bot_token: "123:abc"
`
	_, err := NewParser().LoadReader(yaml)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify.telegram.chat_id is required")
}

func TestParser_LoadReader_Telegram_MissingBotToken(t *testing.T) {
	yaml := `
notify:
  telegram:
    chat_id: "42"
`
	_, err := NewParser().LoadReader(yaml)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify.telegram.bot_token is required")
}

func TestParser_LoadReader_InvalidTimeout(t *testing.T) {
	_, err := NewParser().LoadReader("http_timeout: 0s\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_timeout")
}

func TestParser_Load_WithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewParser().Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ConfigDir)
	assert.Equal(t, "rdiff-backup", cfg.RdiffBackup)
	require.NoError(t, Validate(cfg))
}

func TestParser_Load_WithFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("ssh_timeout: 5s\n"), 0o600))

	cfg, err := NewParser().Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ConfigDir)
	assert.Equal(t, 5*time.Second, cfg.SSHTimeout)
}

func TestParser_Load_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("ssh_timeout: [\n"), 0o600))

	_, err := NewParser().Load(dir)
	assert.Error(t, err)
}

func TestParser_LoadFile_Missing(t *testing.T) {
	_, err := NewParser().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *models.AgentConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is nil"},
		{"missing config dir", &models.AgentConfig{RdiffBackup: "rdiff-backup"}, "config_dir is required"},
		{"missing binary", &models.AgentConfig{ConfigDir: "/tmp"}, "rdiff_backup is required"},
		{"valid", &models.AgentConfig{ConfigDir: "/tmp", RdiffBackup: "rdiff-backup"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
