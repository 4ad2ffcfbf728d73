//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/classifier"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

func TestRun_Success(t *testing.T) {
	s := New(testLogger())
	out := &syncBuffer{}
	var started int

	err := s.Run(context.Background(), Request{
		Argv:       shell("echo hello; echo oops >&2"),
		Output:     out,
		Classifier: classifier.New(),
		OnStart:    func(pid int) { started = pid },
	})

	require.NoError(t, err)
	assert.NotZero(t, started)
	assert.Contains(t, out.String(), "hello\n")
	assert.Contains(t, out.String(), "oops\n")
	assert.Contains(t, out.String(), "exit status 0")
	assert.Zero(t, s.PID())
}

func TestRun_ExitTwoIsSuccess(t *testing.T) {
	s := New(testLogger())
	err := s.Run(context.Background(), Request{Argv: shell("exit 2"), Classifier: classifier.New()})
	assert.NoError(t, err)
}

func TestRun_ClassifiedFailure(t *testing.T) {
	s := New(testLogger())
	err := s.Run(context.Background(), Request{
		Argv:       shell("echo 'ssh: connect to host backup.example port 22: Connection refused' >&2; exit 1"),
		Classifier: classifier.New(),
	})

	require.Error(t, err)
	assert.Equal(t, models.KindConnectRefused, models.KindOf(err))
	assert.Equal(t, 14, models.ExitCode(err))
}

func TestRun_GenericFailure(t *testing.T) {
	s := New(testLogger())
	err := s.Run(context.Background(), Request{Argv: shell("exit 7"), Classifier: classifier.New()})

	require.Error(t, err)
	assert.Equal(t, models.KindRdiffBackupExit, models.KindOf(err))
	assert.Equal(t, "non-zero exit status (7)", err.Error())
}

func TestRun_MissingBinary(t *testing.T) {
	s := New(testLogger())
	err := s.Run(context.Background(), Request{Argv: []string{"/nonexistent/rdiff-backup"}})

	require.Error(t, err)
	assert.Equal(t, models.KindRdiffBackupException, models.KindOf(err))
}

func TestRun_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	out := &syncBuffer{}
	s := New(testLogger())

	err := s.Run(context.Background(), Request{
		Argv:   shell(`echo "$MINARCA_TEST"; pwd`),
		Env:    []string{"MINARCA_TEST=value"},
		Dir:    dir,
		Output: out,
	})

	require.NoError(t, err)
	assert.Contains(t, out.String(), "value\n")
	assert.Contains(t, out.String(), dir)
}

func TestRun_CancelGraceful(t *testing.T) {
	s := NewWithGrace(testLogger(), 5*time.Second)
	started := make(chan int, 1)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), Request{
			Argv:       shell("sleep 30"),
			Classifier: classifier.New(),
			OnStart:    func(pid int) { started <- pid },
		})
	}()

	<-started
	begin := time.Now()
	s.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrCancelled)
		assert.Equal(t, "cancelled", err.Error())
		assert.Less(t, time.Since(begin), 5*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("child was not stopped")
	}
	assert.True(t, s.Cancelled())
}

func TestRun_CancelEscalatesToKill(t *testing.T) {
	s := NewWithGrace(testLogger(), 200*time.Millisecond)
	started := make(chan int, 1)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), Request{
			Argv:    shell("trap '' TERM; sleep 30"),
			OnStart: func(pid int) { started <- pid },
		})
	}()

	<-started
	// Let the shell install its trap.
	time.Sleep(100 * time.Millisecond)
	s.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("child was not killed")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	s := NewWithGrace(testLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, Request{
			Argv:    shell("sleep 30"),
			OnStart: func(int) { cancel() },
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("child was not stopped")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	s := New(testLogger())
	s.Cancel()
	err := s.Run(context.Background(), Request{Argv: shell("exit 0")})
	assert.ErrorIs(t, err, models.ErrCancelled)
}

func TestRun_EmptyArgv(t *testing.T) {
	s := New(testLogger())
	assert.Error(t, s.Run(context.Background(), Request{}))
}
