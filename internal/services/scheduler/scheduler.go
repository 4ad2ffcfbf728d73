// Package scheduler registers the periodic agent run with the OS scheduler.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TaskName identifies the scheduled task.
const TaskName = "Minarca"

// Options tune how the task runs.
type Options struct {
	// RunIfLoggedOut runs the task without an interactive session. Windows
	// needs the account credentials for that.
	RunIfLoggedOut bool
	Username       string
	Password       string
}

// Service defines the scheduler operations.
type Service interface {
	Install(ctx context.Context, hours int, command []string, opts Options) error
	Uninstall(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
	Show(ctx context.Context) (string, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// DefaultExecutor uses os/exec.
type DefaultExecutor struct{}

// Execute runs a command with stdin and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// New returns the scheduler of the running OS.
func New(logger zerolog.Logger) Service {
	if runtime.GOOS == "windows" {
		return NewSchtasks(logger, &DefaultExecutor{})
	}
	return NewCrontab(logger, &DefaultExecutor{})
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronExpression renders a run every hours hours, at minute zero.
func CronExpression(hours int) (string, error) {
	var expr string
	switch {
	case hours <= 0:
		return "", fmt.Errorf("invalid schedule interval: %d hours", hours)
	case hours == 1:
		expr = "0 * * * *"
	case hours >= 24:
		expr = "0 0 * * *"
	default:
		expr = fmt.Sprintf("0 */%d * * *", hours)
	}
	if _, err := parser.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return expr, nil
}

// NextRun returns when a run every hours hours fires after now.
func NextRun(hours int, now time.Time) (time.Time, error) {
	expr, err := CronExpression(hours)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
