package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Schtasks manages a task of the Windows task scheduler.
type Schtasks struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

var _ Service = (*Schtasks)(nil)

// NewSchtasks creates a Windows task scheduler.
func NewSchtasks(logger zerolog.Logger, executor CommandExecutor) *Schtasks {
	return &Schtasks{executor: executor, logger: logger}
}

func (s *Schtasks) run(ctx context.Context, args ...string) (string, error) {
	out, err := s.executor.Execute(ctx, nil, "schtasks", args...)
	if err != nil {
		return string(out), fmt.Errorf("schtasks %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// createArgs renders the schtasks arguments installing command.
func createArgs(hours int, command []string, opts Options) ([]string, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("invalid schedule interval: %d hours", hours)
	}
	args := []string{"/Create", "/F", "/TN", TaskName, "/TR", windowsJoin(command)}
	if hours >= 24 {
		args = append(args, "/SC", "DAILY", "/MO", "1")
	} else {
		args = append(args, "/SC", "HOURLY", "/MO", strconv.Itoa(hours))
	}
	if opts.RunIfLoggedOut {
		if opts.Username == "" {
			return nil, fmt.Errorf("a username is required to run while logged out")
		}
		args = append(args, "/RU", opts.Username, "/RP", opts.Password)
	} else {
		args = append(args, "/IT")
	}
	return args, nil
}

// Install creates or replaces the task.
func (s *Schtasks) Install(ctx context.Context, hours int, command []string, opts Options) error {
	args, err := createArgs(hours, command, opts)
	if err != nil {
		return err
	}
	if _, err := s.run(ctx, args...); err != nil {
		return err
	}
	s.logger.Info().Int("hours", hours).Bool("run_if_logged_out", opts.RunIfLoggedOut).Msg("scheduled task installed")
	return nil
}

// Uninstall deletes the task if present.
func (s *Schtasks) Uninstall(ctx context.Context) error {
	exists, err := s.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	_, err = s.run(ctx, "/Delete", "/F", "/TN", TaskName)
	return err
}

// Exists reports whether the task is registered.
func (s *Schtasks) Exists(ctx context.Context) (bool, error) {
	_, err := s.executor.Execute(ctx, nil, "schtasks", "/Query", "/TN", TaskName)
	return err == nil, nil
}

// Show returns the task details.
func (s *Schtasks) Show(ctx context.Context) (string, error) {
	return s.run(ctx, "/Query", "/TN", TaskName, "/V", "/FO", "LIST")
}

// windowsJoin quotes arguments containing spaces for the task command line.
func windowsJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
