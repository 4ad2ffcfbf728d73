// Package supervisor runs rdiff-backup as a child process group, tees its
// output and classifies failures.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultGrace is how long a cancelled child may take to exit before it is
// killed.
const DefaultGrace = 5 * time.Second

// Classifier receives every output line of the child.
type Classifier interface {
	Feed(line []byte)
	Result() error
}

// Request describes one child invocation.
type Request struct {
	Argv       []string
	Env        []string // appended to the current environment
	Dir        string
	Output     io.Writer // merged stdout and stderr, may be nil
	Classifier Classifier
	OnStart    func(pid int)
}

// Supervisor runs a single child at a time.
type Supervisor struct {
	logger zerolog.Logger
	grace  time.Duration

	mu        sync.Mutex
	cancelCh  chan struct{}
	cancelled bool
	pid       int
}

// New creates a supervisor with the default grace period.
func New(logger zerolog.Logger) *Supervisor {
	return NewWithGrace(logger, DefaultGrace)
}

// NewWithGrace creates a supervisor with a custom grace period (for testing).
func NewWithGrace(logger zerolog.Logger, grace time.Duration) *Supervisor {
	return &Supervisor{
		logger:   logger,
		grace:    grace,
		cancelCh: make(chan struct{}),
	}
}

// Cancel asks the running child to stop. It is safe to call at any time and
// more than once.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
	}
}

// Cancelled reports whether Cancel was called.
func (s *Supervisor) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// PID returns the PID of the running child, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Run starts the child and waits for it. Cancelling ctx has the same effect
// as Cancel. Exit codes 0 and 2 are success; otherwise the classified error
// is returned, then ErrCancelled when stopped, then a generic exit error.
func (s *Supervisor) Run(ctx context.Context, req Request) error {
	if len(req.Argv) == 0 {
		return errors.New("empty command")
	}
	if s.Cancelled() {
		return models.ErrCancelled
	}
	output := req.Output
	if output == nil {
		output = io.Discard
	}

	fmt.Fprintf(output, "%s $ %s\n", time.Now().Format(time.RFC3339), shellquote.Join(req.Argv...))

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...) //nolint:gosec // argv built by the caller
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	setProcessGroup(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return models.Wrap(models.KindRdiffBackupException, err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		fmt.Fprintf(output, "failed to start: %v\n", err)
		return models.Wrap(models.KindRdiffBackupException, err)
	}
	w.Close()

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pid = 0
		s.mu.Unlock()
	}()

	log := s.logger.With().Int("child_pid", pid).Logger()
	log.Debug().Str("command", req.Argv[0]).Msg("child started")
	if req.OnStart != nil {
		req.OnStart(pid)
	}

	exited := make(chan struct{})
	pumped := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(pumped)
		return pump(r, output, req.Classifier)
	})
	g.Go(func() error {
		s.watch(ctx, log, pid, exited)
		return nil
	})

	waitErr := cmd.Wait()
	close(exited)

	// A grandchild may still hold the write end; do not wait for it forever.
	select {
	case <-pumped:
	case <-time.After(s.grace):
		log.Warn().Msg("output still open after child exit")
		r.Close()
	}
	pumpErr := g.Wait()
	r.Close()
	if pumpErr != nil && !errors.Is(pumpErr, os.ErrClosed) {
		log.Warn().Err(pumpErr).Msg("failed to read child output")
	}

	code, err := exitCode(waitErr)
	if err != nil {
		return models.Wrap(models.KindRdiffBackupException, err)
	}
	fmt.Fprintf(output, "%s exit status %d\n", time.Now().Format(time.RFC3339), code)
	log.Debug().Int("exit_code", code).Msg("child exited")

	if code == 0 || code == 2 {
		return nil
	}
	if req.Classifier != nil {
		if err := req.Classifier.Result(); err != nil {
			return err
		}
	}
	if s.Cancelled() || ctx.Err() != nil {
		return models.ErrCancelled
	}
	return models.Errorf(models.KindRdiffBackupExit, "non-zero exit status (%d)", code)
}

// watch stops the process group when cancelled: graceful signal first,
// kill after the grace period.
func (s *Supervisor) watch(ctx context.Context, log zerolog.Logger, pid int, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
		s.Cancel()
	case <-s.cancelCh:
	}

	log.Info().Msg("stopping child")
	if err := terminateGroup(pid); err != nil {
		log.Debug().Err(err).Msg("graceful signal failed")
	}
	select {
	case <-exited:
		return
	case <-time.After(s.grace):
	}
	log.Warn().Dur("grace", s.grace).Msg("child did not stop, killing")
	if err := killGroup(pid); err != nil {
		log.Debug().Err(err).Msg("kill failed")
	}
}

func pump(r io.Reader, output io.Writer, c Classifier) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := output.Write(line); werr != nil {
				output = io.Discard
			}
			if c != nil {
				c.Feed(line)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func exitCode(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, waitErr
}
