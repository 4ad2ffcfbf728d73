package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Markers delimit the lines owned by the agent in the user crontab.
const (
	beginMarker = "# BEGIN " + TaskName + " agent"
	endMarker   = "# END " + TaskName + " agent"
)

// Crontab manages a block of the user crontab on Linux and macOS.
type Crontab struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

var _ Service = (*Crontab)(nil)

// NewCrontab creates a crontab scheduler.
func NewCrontab(logger zerolog.Logger, executor CommandExecutor) *Crontab {
	return &Crontab{executor: executor, logger: logger}
}

func (c *Crontab) read(ctx context.Context) (string, error) {
	out, err := c.executor.Execute(ctx, nil, "crontab", "-l")
	if err != nil {
		if strings.Contains(string(out), "no crontab") {
			return "", nil
		}
		return "", fmt.Errorf("crontab -l failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (c *Crontab) write(ctx context.Context, content string) error {
	out, err := c.executor.Execute(ctx, []byte(content), "crontab", "-")
	if err != nil {
		return fmt.Errorf("crontab update failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// split separates the managed block from the other lines, which are kept
// verbatim, blank lines included.
func split(content string) (others []string, block []string) {
	if content == "" {
		return nil, nil
	}
	inBlock := false
	for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		switch {
		case line == beginMarker:
			inBlock = true
		case line == endMarker:
			inBlock = false
		case inBlock:
			block = append(block, line)
		default:
			others = append(others, line)
		}
	}
	return others, block
}

func join(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Install replaces the managed block with a single entry running command.
// Cron jobs always run without a session, so opts is ignored.
func (c *Crontab) Install(ctx context.Context, hours int, command []string, _ Options) error {
	expr, err := CronExpression(hours)
	if err != nil {
		return err
	}
	current, err := c.read(ctx)
	if err != nil {
		return err
	}
	others, _ := split(current)
	entry := expr + " " + shellquote.Join(command...)
	lines := append(others, beginMarker, entry, endMarker)
	if err := c.write(ctx, join(lines)); err != nil {
		return err
	}
	c.logger.Info().Str("schedule", expr).Msg("crontab entry installed")
	return nil
}

// Uninstall removes the managed block.
func (c *Crontab) Uninstall(ctx context.Context) error {
	current, err := c.read(ctx)
	if err != nil {
		return err
	}
	others, block := split(current)
	if block == nil {
		return nil
	}
	if err := c.write(ctx, join(others)); err != nil {
		return err
	}
	c.logger.Info().Msg("crontab entry removed")
	return nil
}

// Exists reports whether the managed block holds an entry.
func (c *Crontab) Exists(ctx context.Context) (bool, error) {
	current, err := c.read(ctx)
	if err != nil {
		return false, err
	}
	_, block := split(current)
	return len(block) > 0, nil
}

// Show returns the managed entries.
func (c *Crontab) Show(ctx context.Context) (string, error) {
	current, err := c.read(ctx)
	if err != nil {
		return "", err
	}
	_, block := split(current)
	return strings.Join(block, "\n"), nil
}
