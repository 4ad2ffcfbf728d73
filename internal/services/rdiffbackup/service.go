// Package rdiffbackup builds rdiff-backup command lines and runs its short
// queries (increments and file listings).
package rdiffbackup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/classifier"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultBinary is looked up in PATH when no binary is configured.
const DefaultBinary = "rdiff-backup"

// RemoteUser is the SSH account used on every Minarca server.
const RemoteUser = "minarca"

// Service defines the interface for rdiff-backup queries.
type Service interface {
	ListIncrements(ctx context.Context, target Target) ([]models.Increment, error)
	ListFiles(ctx context.Context, target Target, at time.Time) ([]string, error)
	Version(ctx context.Context) (string, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Target is the repository an invocation works on.
type Target struct {
	// Remote repository.
	Host           string
	Port           int
	Repository     string
	KeyPath        string
	KnownHostsPath string

	// Local repository, used when Host is empty.
	LocalPath string
}

// IsRemote reports whether t is reached over SSH.
func (t Target) IsRemote() bool {
	return t.Host != ""
}

// Location renders the repository argument: minarca@host::name or a path.
func (t Target) Location() string {
	if t.IsRemote() {
		return fmt.Sprintf("%s@%s::%s", RemoteUser, t.Host, t.Repository)
	}
	return t.LocalPath
}

// RemoteSchema is the ssh command rdiff-backup uses to reach the server.
func (t Target) RemoteSchema() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return shellquote.Join(
		"ssh",
		"-oBatchMode=yes",
		"-oIdentitiesOnly=yes",
		"-oStrictHostKeyChecking=yes",
		"-oUserKnownHostsFile="+t.KnownHostsPath,
		"-i", t.KeyPath,
		"-p", strconv.Itoa(port),
	) + " %s rdiff-backup --server"
}

// Builder renders argv for every rdiff-backup action.
type Builder struct {
	Binary    string
	ExtraArgs []string // inserted before the action of every invocation
}

func (b Builder) base(t Target) []string {
	bin := b.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	argv := []string{bin}
	if t.IsRemote() {
		argv = append(argv, "--remote-schema", t.RemoteSchema())
	}
	return append(argv, b.ExtraArgs...)
}

// Backup returns the argv backing up source with the rendered pattern args.
func (b Builder) Backup(t Target, source string, patternArgs []string) []string {
	argv := append(b.base(t), "-v", "5", "backup", "--exclude-sockets", "--exclude-fifos")
	argv = append(argv, patternArgs...)
	return append(argv, source, t.Location())
}

// Restore returns the argv restoring path, as of at, to dest. Wildcard
// patterns are applied as excludes.
func (b Builder) Restore(t Target, at time.Time, path, dest string, excludes []string) []string {
	argv := append(b.base(t), "-v", "5", "restore", "--force", "--at", strconv.FormatInt(at.Unix(), 10))
	for _, ex := range excludes {
		argv = append(argv, "--exclude", ex)
	}
	return append(argv, joinRepo(t.Location(), path), dest)
}

// ListIncrements returns the argv listing increments in YAML.
func (b Builder) ListIncrements(t Target) []string {
	return append(b.base(t), "--parsable-output", "list", "increments", t.Location())
}

// ListFiles returns the argv listing the files present at at.
func (b Builder) ListFiles(t Target, at time.Time) []string {
	return append(b.base(t), "list", "files", "--at", strconv.FormatInt(at.Unix(), 10), t.Location())
}

// Version returns the argv printing the version.
func (b Builder) Version() []string {
	return append(b.base(Target{}), "--version")
}

func joinRepo(location, p string) string {
	p = strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" {
		return location
	}
	if strings.HasSuffix(location, "::") || strings.HasSuffix(location, "/") {
		return location + p
	}
	return location + "/" + p
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	builder  Builder
	logger   zerolog.Logger
}

// New creates a new rdiff-backup service.
func New(logger zerolog.Logger, builder Builder) *Impl {
	return NewWithExecutor(logger, builder, &DefaultExecutor{})
}

// NewWithExecutor creates a new rdiff-backup service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, builder Builder, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		builder:  builder,
		logger:   logger,
	}
}

// Builder returns the argv builder used by the service.
func (s *Impl) Builder() Builder {
	return s.builder
}

func (s *Impl) run(ctx context.Context, argv []string) ([]byte, error) {
	s.logger.Debug().Str("command", shellquote.Join(argv...)).Msg("running rdiff-backup query")
	output, err := s.executor.Execute(ctx, argv[0], argv[1:]...)
	if err == nil {
		return output, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c := classifier.New()
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		c.Feed(sc.Bytes())
	}
	if cerr := c.Result(); cerr != nil {
		return nil, cerr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, models.Errorf(models.KindRdiffBackupExit, "non-zero exit status (%d)", exitErr.ExitCode())
	}
	return nil, models.Wrap(models.KindRdiffBackupException, err)
}

type incrementYAML struct {
	Base string `yaml:"base"`
	Time int64  `yaml:"time"`
	Type string `yaml:"type"`
}

// ListIncrements returns the increments of the repository, oldest first.
func (s *Impl) ListIncrements(ctx context.Context, target Target) ([]models.Increment, error) {
	output, err := s.run(ctx, s.builder.ListIncrements(target))
	if err != nil {
		return nil, err
	}
	incs, err := ParseIncrements(output)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int("count", len(incs)).Msg("increments listed")
	return incs, nil
}

// ParseIncrements decodes the parsable output of "list increments".
func ParseIncrements(output []byte) ([]models.Increment, error) {
	var raw []incrementYAML
	if err := yaml.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse increments: %w", err)
	}
	incs := make([]models.Increment, 0, len(raw))
	for _, r := range raw {
		incs = append(incs, models.Increment{
			Time:    time.Unix(r.Time, 0).UTC(),
			Current: r.Type == "mirror",
		})
	}
	sort.SliceStable(incs, func(i, j int) bool { return incs[i].Time.Before(incs[j].Time) })
	return incs, nil
}

// ListFiles returns the paths present in the repository at at.
func (s *Impl) ListFiles(ctx context.Context, target Target, at time.Time) ([]string, error) {
	output, err := s.run(ctx, s.builder.ListFiles(target, at))
	if err != nil {
		return nil, err
	}
	var files []string
	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || line == "." {
			continue
		}
		files = append(files, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file list: %w", err)
	}
	return files, nil
}

// Version returns the rdiff-backup version string.
func (s *Impl) Version(ctx context.Context) (string, error) {
	output, err := s.run(ctx, s.builder.Version())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(output)), "rdiff-backup")), nil
}
