package instance

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/classifier"
	"github.com/fgeck/minarca-agent/internal/services/rdiffbackup"
	"github.com/fgeck/minarca-agent/internal/services/ssh"
	"github.com/fgeck/minarca-agent/internal/services/supervisor"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log rotation defaults, used when the agent config leaves them unset.
const (
	defaultLogMaxSizeMB  = 10
	defaultLogMaxBackups = 3
)

// hookWaitDelay bounds how long a cancelled hook may keep its output open.
const hookWaitDelay = 5 * time.Second

// RestoreOptions are the inputs of Restore.
type RestoreOptions struct {
	Time        time.Time
	Paths       []string // every include pattern when empty
	Destination string   // restore in place when empty
}

// Backup runs a backup of the included paths. Unless force is set, it only
// runs when IsScheduledNow.
func (i *Instance) Backup(ctx context.Context, force bool) error {
	s, err := i.Settings()
	if err != nil {
		return err
	}
	if !s.Configured() {
		return models.NewError(models.KindNotConfigured)
	}
	if !force {
		st, _, err := i.store.Get()
		if err != nil {
			return err
		}
		if !isScheduledAt(s, st, i.deps.Clock.Now()) {
			return models.NewError(models.KindNotScheduled)
		}
	}

	sess, err := i.store.UpdateStatus(ctx, models.ActionBackup)
	if err != nil {
		return err
	}
	start := i.deps.Clock.Now()
	i.logger.Info().Str("destination", s.Destination()).Bool("force", force).Msg("backup started")

	opCtx, done := i.track(ctx)
	err = i.runBackup(opCtx, s, sess.SetChildPID)
	done()
	if cerr := sess.Close(err); cerr != nil {
		i.logger.Error().Err(cerr).Msg("failed to record backup result")
	}
	i.store.UpdateNotification(context.WithoutCancel(ctx), i.id, s, i.deps.Notifier)

	duration := i.deps.Clock.Now().Sub(start)
	if err != nil {
		i.logger.Error().Err(err).Dur("duration", duration).Msg("backup failed")
		return err
	}
	i.logger.Info().Dur("duration", duration).Msg("backup completed")
	return nil
}

func (i *Instance) runBackup(ctx context.Context, s models.Settings, onStart func(int)) error {
	set, err := i.Patterns()
	if err != nil {
		return err
	}
	if !set.HasIncludes() {
		return models.NewError(models.KindNoPatterns)
	}
	target, err := i.target(ctx, s)
	if err != nil {
		return err
	}

	logw := i.openLog(i.paths.BackupLog())
	defer logw.Close()

	env := i.hookEnv(s, target)
	if err := i.runHook(ctx, "pre", s.PreHookCommand, env, logw); err != nil {
		if !s.IgnoreHookErrors {
			return err
		}
		i.logger.Warn().Err(err).Msg("ignoring pre-hook failure")
	}

	argv := i.deps.Builder.Backup(target, sourceRoot(i.deps.GOOS), set.Args())
	if err := i.runChild(ctx, argv, logw, onStart); err != nil {
		return err
	}

	if err := i.runHook(ctx, "post", s.PostHookCommand, env, logw); err != nil {
		if !s.IgnoreHookErrors {
			return err
		}
		i.logger.Warn().Err(err).Msg("ignoring post-hook failure")
	}
	return nil
}

// Restore restores paths as of opts.Time, either in place or below
// opts.Destination keeping the original hierarchy.
func (i *Instance) Restore(ctx context.Context, opts RestoreOptions) error {
	s, err := i.Settings()
	if err != nil {
		return err
	}
	if !s.Configured() {
		return models.NewError(models.KindNotConfigured)
	}
	sess, err := i.store.UpdateStatus(ctx, models.ActionRestore)
	if err != nil {
		return err
	}
	i.logger.Info().Time("at", opts.Time).Strs("paths", opts.Paths).Str("destination", opts.Destination).Msg("restore started")
	opCtx, done := i.track(ctx)
	err = i.runRestore(opCtx, s, opts, sess.SetChildPID)
	done()
	if cerr := sess.Close(err); cerr != nil {
		i.logger.Error().Err(cerr).Msg("failed to record restore result")
	}
	if err != nil {
		i.logger.Error().Err(err).Msg("restore failed")
		return err
	}
	i.logger.Info().Msg("restore completed")
	return nil
}

func (i *Instance) runRestore(ctx context.Context, s models.Settings, opts RestoreOptions, onStart func(int)) error {
	set, err := i.Patterns()
	if err != nil {
		return err
	}
	paths := opts.Paths
	if len(paths) == 0 {
		paths = set.Includes()
	}
	if len(paths) == 0 {
		return models.NewError(models.KindNoPatterns)
	}
	target, err := i.target(ctx, s)
	if err != nil {
		return err
	}

	logw := i.openLog(i.paths.RestoreLog())
	defer logw.Close()

	for _, p := range paths {
		dest := p
		if opts.Destination != "" {
			dest = restoreDestination(opts.Destination, p)
		}
		argv := i.deps.Builder.Restore(target, opts.Time, p, dest, set.WildcardExcludes())
		if err := i.runChild(ctx, argv, logw, onStart); err != nil {
			return err
		}
	}
	return nil
}

// restoreDestination maps an absolute source path below dest, dropping the
// volume name on Windows.
func restoreDestination(dest, p string) string {
	rel := strings.TrimPrefix(p, filepath.VolumeName(p))
	return filepath.Join(dest, filepath.FromSlash(rel))
}

func (i *Instance) runChild(ctx context.Context, argv []string, logw io.Writer, onStart func(int)) error {
	r := i.deps.NewRunner()
	i.setRunner(r)
	defer i.setRunner(nil)
	return r.Run(ctx, supervisor.Request{
		Argv:       argv,
		Output:     logw,
		Classifier: classifier.New(),
		OnStart:    onStart,
	})
}

// ListIncrements returns the restore points of the repository.
func (i *Instance) ListIncrements(ctx context.Context) ([]models.Increment, error) {
	s, err := i.configured()
	if err != nil {
		return nil, err
	}
	target, err := i.target(ctx, s)
	if err != nil {
		return nil, err
	}
	return i.deps.Rdiff.ListIncrements(ctx, target)
}

// ListFiles returns the paths saved in the increment at.
func (i *Instance) ListFiles(ctx context.Context, at time.Time) ([]string, error) {
	s, err := i.configured()
	if err != nil {
		return nil, err
	}
	target, err := i.target(ctx, s)
	if err != nil {
		return nil, err
	}
	return i.deps.Rdiff.ListFiles(ctx, target, at)
}

// TestConnection checks that the destination is reachable: the API and the
// SSH endpoint of a remote server, or the volume of a local one.
func (i *Instance) TestConnection(ctx context.Context) error {
	s, err := i.configured()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, TestConnectionTimeout)
	defer cancel()

	if s.IsLocal() {
		target, err := i.target(ctx, s)
		if err != nil {
			return err
		}
		if _, err := os.Stat(target.LocalPath); err != nil {
			return models.Wrap(models.KindLocalDestinationNotFound, err)
		}
		return nil
	}

	client, err := i.deps.Remote.Anonymous(s.RemoteURL)
	if err != nil {
		return err
	}
	if _, err := client.GetServerInfo(ctx); err != nil {
		return err
	}
	host, port, err := ssh.SplitHostPort(remoteEndpoint(s))
	if err != nil {
		return err
	}
	res, err := i.deps.SSH.Check(ctx, models.SSHCheckConfig{
		Host:           host,
		Port:           port,
		Username:       rdiffbackup.RemoteUser,
		KeyPath:        i.paths.PrivateKey(),
		KnownHostsPath: i.paths.KnownHosts(),
		Command:        ssh.CheckCommand,
	})
	if err != nil {
		return err
	}
	return res.Error
}

func (i *Instance) configured() (models.Settings, error) {
	s, err := i.Settings()
	if err != nil {
		return s, err
	}
	if !s.Configured() {
		return s, models.NewError(models.KindNotConfigured)
	}
	return s, nil
}

// target resolves where the repository currently lives. A local volume may
// be mounted somewhere else than when it was configured.
func (i *Instance) target(ctx context.Context, s models.Settings) (rdiffbackup.Target, error) {
	if s.IsRemote() {
		host, port, err := ssh.SplitHostPort(remoteEndpoint(s))
		if err != nil {
			return rdiffbackup.Target{}, err
		}
		return rdiffbackup.Target{
			Host:           host,
			Port:           port,
			Repository:     s.RepositoryName,
			KeyPath:        i.paths.PrivateKey(),
			KnownHostsPath: i.paths.KnownHosts(),
		}, nil
	}
	path, err := i.deps.Disk.FindByUUID(ctx, s.LocalUUID, s.LocalRelPath)
	if err != nil {
		return rdiffbackup.Target{}, err
	}
	mount := strings.TrimSuffix(path, filepath.FromSlash(s.LocalRelPath))
	mount = filepath.Clean(mount)
	if mount != filepath.Clean(s.LocalMountpoint) {
		i.logger.Info().Str("mountpoint", mount).Msg("local destination moved")
		err := i.UpdateSettings(func(cur *models.Settings) error {
			cur.LocalMountpoint = mount
			return nil
		})
		if err != nil {
			i.logger.Warn().Err(err).Msg("failed to record mountpoint")
		}
	}
	return rdiffbackup.Target{LocalPath: path}, nil
}

func (i *Instance) openLog(path string) *lumberjack.Logger {
	size, backups := i.deps.Config.Log.MaxSizeMB, i.deps.Config.Log.MaxBackups
	if size <= 0 {
		size = defaultLogMaxSizeMB
	}
	if backups <= 0 {
		backups = defaultLogMaxBackups
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    size,
		MaxBackups: backups,
	}
}

func (i *Instance) hookEnv(s models.Settings, t rdiffbackup.Target) []string {
	return []string{
		"MINARCA_INSTANCE_ID=" + strconv.Itoa(i.id),
		"MINARCA_REPOSITORY_NAME=" + s.RepositoryName,
		"MINARCA_DESTINATION=" + t.Location(),
	}
}

// runHook runs a user command through the platform shell, appending its
// output to the log.
func (i *Instance) runHook(ctx context.Context, name, command string, env []string, logw io.Writer) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	argv := shellCommand(i.deps.GOOS, command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = logw
	cmd.Stderr = logw
	cmd.WaitDelay = hookWaitDelay
	fmt.Fprintf(logw, "%s-hook: %s\n", name, command)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return models.ErrCancelled
		}
		return fmt.Errorf("%s-hook command failed: %w", name, err)
	}
	return nil
}

func shellCommand(goos, command string) []string {
	if goos == "windows" {
		return []string{"cmd", "/C", command}
	}
	return []string{"/bin/sh", "-c", command}
}

func sourceRoot(goos string) string {
	if goos == "windows" {
		return "C:/"
	}
	return "/"
}

