package instance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"github.com/fgeck/minarca-agent/internal/keys"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/patterns"
	"github.com/fgeck/minarca-agent/internal/services/api"
	"github.com/fgeck/minarca-agent/internal/services/disk"
)

// LocalKeyFile is where a local destination keeps the public key of the
// instance that owns it.
const LocalKeyFile = "minarca.pub"

// CheckFunc vets settings before they are persisted. The agent uses it to
// reject settings another instance already uses.
type CheckFunc func(s models.Settings) error

// RemoteOptions are the inputs of ConfigureRemote.
type RemoteOptions struct {
	URL      string
	Username string
	Password string
	Name     string
	Force    bool
	Check    CheckFunc
}

// LocalOptions are the inputs of ConfigureLocal.
type LocalOptions struct {
	Path  string
	Name  string
	Force bool
	Check CheckFunc
}

func (i *Instance) keyBits() int {
	if i.deps.KeyBits > 0 {
		return i.deps.KeyBits
	}
	return keys.DefaultBits
}

// ConfigureRemote registers a new key for repository Name on the server and
// persists the settings, keypair and pinned host keys of the instance.
func (i *Instance) ConfigureRemote(ctx context.Context, opts RemoteOptions) error {
	if err := confstore.ValidateRepositoryName(opts.Name); err != nil {
		return err
	}
	u, err := api.ParseURL(opts.URL)
	if err != nil {
		return err
	}
	client, user, err := i.deps.Remote.Login(ctx, u.String(), opts.Username, opts.Password)
	if err != nil {
		return err
	}

	kp, err := keys.GenerateKeypair(i.keyBits())
	if err != nil {
		return err
	}
	if err := client.CreateRepository(ctx, opts.Name, kp.Public, opts.Force); err != nil {
		return err
	}

	info, err := client.GetServerInfo(ctx)
	if err != nil {
		i.revokeWith(ctx, client, kp)
		return err
	}
	remotehost := info.RemoteHost
	if remotehost == "" {
		remotehost = u.Hostname()
	}
	lines, err := keys.KnownHostsLines(remotehost, info.Identity)
	if err != nil {
		i.revokeWith(ctx, client, kp)
		return models.Wrap(models.KindHTTPServerError, err)
	}

	s := models.DefaultSettings()
	s.RepositoryName = opts.Name
	s.RemoteURL = u.String()
	s.RemoteHost = remotehost
	s.Username = opts.Username
	s.RemoteRole = user.Role
	s.RemoteVersion = info.Version
	if repo, err := client.GetRepository(ctx, opts.Name); err == nil {
		applyRepositorySettings(&s, *repo)
	} else {
		i.logger.Debug().Err(err).Msg("repository settings not available yet")
	}

	if opts.Check != nil {
		if err := opts.Check(s); err != nil {
			i.revokeWith(ctx, client, kp)
			return err
		}
	}

	if err := i.persist(s, kp, lines); err != nil {
		i.revokeWith(ctx, client, kp)
		return err
	}
	i.logger.Info().
		Str("remoteurl", s.RemoteURL).
		Str("repository", s.RepositoryName).
		Str("log_id", i.LogID()).
		Msg("remote instance configured")
	return nil
}

// ConfigureLocal initializes a repository named Name under Path on a local
// volume and persists the settings of the instance.
func (i *Instance) ConfigureLocal(ctx context.Context, opts LocalOptions) error {
	if err := confstore.ValidateRepositoryName(opts.Name); err != nil {
		return err
	}
	info, err := i.deps.Disk.Locate(ctx, opts.Path)
	if err != nil {
		return err
	}
	repo := filepath.Join(opts.Path, opts.Name)
	if !opts.Force {
		if err := i.deps.Disk.CheckDestination(repo); err != nil {
			return err
		}
	}
	rel, err := disk.RelPath(info, repo)
	if err != nil {
		return models.Wrap(models.KindInitDestination, err)
	}
	id, err := i.deps.Disk.EnsureID(info)
	if err != nil {
		return err
	}

	s := models.DefaultSettings()
	s.RepositoryName = opts.Name
	s.LocalUUID = id
	s.LocalRelPath = rel
	s.LocalCaption = info.Caption
	s.LocalMountpoint = info.Mountpoint
	if opts.Check != nil {
		if err := opts.Check(s); err != nil {
			return err
		}
	}

	kp, err := keys.GenerateKeypair(i.keyBits())
	if err != nil {
		return err
	}
	if err := i.deps.Disk.InitDestination(repo); err != nil {
		return err
	}
	pubPath := filepath.Join(repo, disk.DataDir, LocalKeyFile)
	if err := confstore.WriteFileAtomic(pubPath, append(kp.Public, '\n'), 0o644); err != nil {
		return models.Wrap(models.KindInitDestination, err)
	}
	if err := i.persist(s, kp, nil); err != nil {
		return err
	}
	i.logger.Info().Str("path", repo).Str("uuid", id).Msg("local instance configured")
	return nil
}

// persist writes the instance files. The settings file goes last since its
// presence makes the instance visible to other processes.
func (i *Instance) persist(s models.Settings, kp *keys.Keypair, knownHosts []string) error {
	if err := os.MkdirAll(i.paths.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := kp.Save(i.paths.PrivateKey()); err != nil {
		return err
	}
	if len(knownHosts) > 0 {
		if err := keys.WriteKnownHosts(knownHosts, i.paths.KnownHosts()); err != nil {
			return err
		}
	}
	if _, err := os.Stat(i.paths.Patterns()); errors.Is(err, os.ErrNotExist) {
		if err := patterns.Save(patterns.Defaults(i.deps.GOOS, i.deps.Home), i.paths.Patterns()); err != nil {
			return err
		}
	}
	return confstore.SaveSettings(i.paths.Config(), s)
}

func applyRepositorySettings(s *models.Settings, repo models.RepositorySettings) {
	s.MaxAge = repo.MaxAge
	if repo.KeepDays != 0 {
		s.KeepDays = repo.KeepDays
	}
	s.IgnoreWeekday = repo.IgnoreWeekday
}

func (i *Instance) revokeWith(ctx context.Context, client api.Service, kp *keys.Keypair) {
	fp, err := kp.Fingerprint()
	if err != nil {
		return
	}
	if err := client.DeleteRepositoryKey(ctx, fp); err != nil {
		i.logger.Warn().Err(err).Str("fingerprint", fp).Msg("failed to revoke key")
	}
}

// revokeKey removes the instance key from the server, best effort.
func (i *Instance) revokeKey(ctx context.Context, s models.Settings) {
	client, kp, err := i.remoteClient(s)
	if err != nil {
		i.logger.Warn().Err(err).Msg("cannot revoke key")
		return
	}
	i.revokeWith(ctx, client, kp)
}

func (i *Instance) remoteClient(s models.Settings) (api.Service, *keys.Keypair, error) {
	kp, err := keys.LoadKeypair(i.paths.PrivateKey())
	if err != nil {
		return nil, nil, err
	}
	client, err := i.deps.Remote.WithKey(s.RemoteURL, kp)
	if err != nil {
		return nil, nil, err
	}
	return client, kp, nil
}

// UpdateRemoteSettings pushes the retention settings to the server.
func (i *Instance) UpdateRemoteSettings(ctx context.Context) error {
	s, err := i.Settings()
	if err != nil {
		return err
	}
	if !s.IsRemote() {
		return nil
	}
	client, _, err := i.remoteClient(s)
	if err != nil {
		return err
	}
	return client.UpdateRepository(ctx, models.RepositorySettings{
		Name:          s.RepositoryName,
		MaxAge:        s.MaxAge,
		KeepDays:      s.KeepDays,
		IgnoreWeekday: s.IgnoreWeekday,
	})
}

// RefreshRemoteSettings mirrors the account role, the server version and the
// repository settings from the server.
func (i *Instance) RefreshRemoteSettings(ctx context.Context) error {
	s, err := i.Settings()
	if err != nil {
		return err
	}
	if !s.IsRemote() {
		return nil
	}
	client, _, err := i.remoteClient(s)
	if err != nil {
		return err
	}
	user, err := client.WhoAmI(ctx)
	if err != nil {
		return err
	}
	repo, err := client.GetRepository(ctx, s.RepositoryName)
	if err != nil {
		return err
	}
	return i.UpdateSettings(func(cur *models.Settings) error {
		cur.RemoteRole = user.Role
		if user.Version != "" {
			cur.RemoteVersion = user.Version
		}
		applyRepositorySettings(cur, *repo)
		return nil
	})
}

// remoteEndpoint splits the SSH endpoint of s, falling back to the host of
// the server URL.
func remoteEndpoint(s models.Settings) string {
	if s.RemoteHost != "" {
		return s.RemoteHost
	}
	u, err := url.Parse(s.RemoteURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
