// Package config provides parsing of the agent configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/spf13/viper"
)

// FileName is the optional agent configuration file in the config dir.
const FileName = "minarca.yaml"

// EnvPrefix prefixes the environment variables overriding the file.
const EnvPrefix = "MINARCA"

// Defaults.
const (
	DefaultRdiffBackup   = "rdiff-backup"
	DefaultHTTPTimeout   = 30 * time.Second
	DefaultSSHTimeout    = 15 * time.Second
	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 3
)

// Parser handles configuration parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser. Every key can be
// overridden with MINARCA_<KEY>, dots replaced by underscores.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("config_dir", "")
	v.SetDefault("rdiff_backup", DefaultRdiffBackup)
	v.SetDefault("rdiffbackup_args", []string{})
	v.SetDefault("insecure_tls", false)
	v.SetDefault("http_timeout", DefaultHTTPTimeout)
	v.SetDefault("ssh_timeout", DefaultSSHTimeout)
	v.SetDefault("log.max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("notify.telegram.bot_token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	return &Parser{v: v}
}

// DefaultConfigDir returns the per-user config dir of the agent.
func DefaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "minarca")
}

// Load reads FileName from configDir when present. An empty configDir uses
// the config_dir key, then DefaultConfigDir.
func (p *Parser) Load(configDir string) (*models.AgentConfig, error) {
	if configDir == "" {
		configDir = p.v.GetString("config_dir")
	}
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	path := filepath.Join(configDir, FileName)
	if _, err := os.Stat(path); err == nil {
		p.v.SetConfigFile(path)
		if err := p.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := p.parse()
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = configDir
	return cfg, nil
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.AgentConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AgentConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.AgentConfig, error) {
	cfg := &models.AgentConfig{
		ConfigDir:       p.expandEnv(p.v.GetString("config_dir")),
		RdiffBackup:     p.expandEnv(p.v.GetString("rdiff_backup")),
		RdiffBackupArgs: p.v.GetStringSlice("rdiffbackup_args"),
		InsecureTLS:     p.v.GetBool("insecure_tls"),
		HTTPTimeout:     p.v.GetDuration("http_timeout"),
		SSHTimeout:      p.v.GetDuration("ssh_timeout"),
		Log: models.LogSettings{
			MaxSizeMB:  p.v.GetInt("log.max_size_mb"),
			MaxBackups: p.v.GetInt("log.max_backups"),
		},
	}

	if cfg.RdiffBackup == "" {
		cfg.RdiffBackup = DefaultRdiffBackup
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("http_timeout must be positive")
	}
	if cfg.SSHTimeout <= 0 {
		return nil, fmt.Errorf("ssh_timeout must be positive")
	}
	if cfg.Log.MaxSizeMB <= 0 || cfg.Log.MaxBackups < 0 {
		return nil, fmt.Errorf("log.max_size_mb must be positive and log.max_backups not negative")
	}

	// Parse optional Telegram config.
	token := p.expandEnv(p.v.GetString("notify.telegram.bot_token"))
	chatID := p.expandEnv(p.v.GetString("notify.telegram.chat_id"))
	if token != "" || chatID != "" {
		if token == "" {
			return nil, fmt.Errorf("notify.telegram.bot_token is required when telegram is configured")
		}
		if chatID == "" {
			return nil, fmt.Errorf("notify.telegram.chat_id is required when telegram is configured")
		}
		cfg.Telegram = &models.TelegramConfig{BotToken: token, ChatID: chatID}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.AgentConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if cfg.ConfigDir == "" {
		return fmt.Errorf("config_dir is required")
	}
	if cfg.RdiffBackup == "" {
		return fmt.Errorf("rdiff_backup is required")
	}
	return nil
}
