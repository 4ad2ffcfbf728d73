package instance

import (
	"context"
	"os"
	"runtime"

	"github.com/fgeck/minarca-agent/internal/keys"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/api"
	"github.com/fgeck/minarca-agent/internal/services/disk"
	"github.com/fgeck/minarca-agent/internal/services/notify"
	"github.com/fgeck/minarca-agent/internal/services/rdiffbackup"
	"github.com/fgeck/minarca-agent/internal/services/ssh"
	"github.com/fgeck/minarca-agent/internal/services/supervisor"
	"github.com/fgeck/minarca-agent/internal/status"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Runner runs one child process.
type Runner interface {
	Run(ctx context.Context, req supervisor.Request) error
	Cancel()
}

// RemoteFactory opens API clients for a server URL.
type RemoteFactory interface {
	Anonymous(rawURL string) (api.Service, error)
	Login(ctx context.Context, rawURL, username, password string) (api.Service, *models.CurrentUser, error)
	WithKey(rawURL string, key *keys.Keypair) (api.Service, error)
}

// DefaultRemoteFactory builds api clients over HTTPS.
type DefaultRemoteFactory struct {
	Logger  zerolog.Logger
	Options api.Options
	Clock   clock.Clock
}

// Anonymous returns a client without credentials.
func (f *DefaultRemoteFactory) Anonymous(rawURL string) (api.Service, error) {
	return api.New(f.Logger, rawURL, f.Options)
}

// Login returns a client authenticated with a username and password.
func (f *DefaultRemoteFactory) Login(ctx context.Context, rawURL, username, password string) (api.Service, *models.CurrentUser, error) {
	c, err := api.New(f.Logger, rawURL, f.Options)
	if err != nil {
		return nil, nil, err
	}
	return c.Login(ctx, username, password)
}

// WithKey returns a client authenticated with minarcaid tokens.
func (f *DefaultRemoteFactory) WithKey(rawURL string, key *keys.Keypair) (api.Service, error) {
	c, err := api.New(f.Logger, rawURL, f.Options)
	if err != nil {
		return nil, err
	}
	return c.WithAuth(api.KeyAuth{Key: key, Clock: f.Clock}), nil
}

// Deps are the collaborators shared by every instance of an agent.
type Deps struct {
	Config    models.AgentConfig
	Clock     clock.Clock
	Remote    RemoteFactory
	Disk      disk.Service
	SSH       ssh.Service
	Rdiff     rdiffbackup.Service
	Builder   rdiffbackup.Builder
	NewRunner func() Runner
	Notifier  status.Notifier
	Alive     status.LivenessFunc
	GOOS      string
	Home      string
	KeyBits   int // RSA key size, keys.DefaultBits when zero
}

// DefaultDeps wires the production implementations.
func DefaultDeps(logger zerolog.Logger, cfg models.AgentConfig) *Deps {
	builder := rdiffbackup.Builder{Binary: cfg.RdiffBackup, ExtraArgs: cfg.RdiffBackupArgs}
	home, _ := os.UserHomeDir()

	var notifier status.Notifier = notify.NewLogNotifier(logger)
	if cfg.Telegram != nil {
		notifier = notify.NewTelegram(logger, *cfg.Telegram)
	}

	return &Deps{
		Config: cfg,
		Clock:  clock.WallClock,
		Remote: &DefaultRemoteFactory{
			Logger:  logger,
			Options: api.Options{Timeout: cfg.HTTPTimeout, InsecureTLS: cfg.InsecureTLS},
			Clock:   clock.WallClock,
		},
		Disk:    disk.New(logger),
		SSH:     ssh.New(logger, cfg.SSHTimeout),
		Rdiff:   rdiffbackup.New(logger, builder),
		Builder: builder,
		NewRunner: func() Runner {
			return supervisor.New(logger)
		},
		Notifier: notifier,
		Alive:    status.ProcessAlive,
		GOOS:     runtime.GOOS,
		Home:     home,
	}
}
