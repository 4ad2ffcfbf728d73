package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fgeck/minarca-agent/internal/services/instance"
	"github.com/fgeck/minarca-agent/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var configureOpts struct {
	remoteURL string
	username  string
	password  string
	local     string
	name      string
	force     bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Configure a new backup instance",
	Long: `Configure a new instance backing up to a Minarca server:

  minarca configure --remoteurl URL --username U [--password P|-] --name N [--force]

or to a local disk or folder:

  minarca configure --local PATH --name N [--force]

--password - reads the password from stdin. Without --password the password
is prompted for on the terminal.`,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.remoteURL, "remoteurl", "", "URL of the Minarca server")
	f.StringVar(&configureOpts.username, "username", "", "user name on the server")
	f.StringVar(&configureOpts.password, "password", "", `password, or "-" to read it from stdin`)
	f.StringVar(&configureOpts.local, "local", "", "path of the local destination")
	f.StringVar(&configureOpts.name, "name", "", "repository name")
	f.BoolVar(&configureOpts.force, "force", false, "reuse an existing repository")

	configureCmd.MarkFlagsMutuallyExclusive("remoteurl", "local")
	configureCmd.MarkFlagsOneRequired("remoteurl", "local")
	configureCmd.MarkFlagsRequiredTogether("remoteurl", "username")
	_ = configureCmd.MarkFlagRequired("name")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var (
		inst *instance.Instance
		err  error
	)
	if configureOpts.local != "" {
		inst, err = app.ConfigureLocal(ctx, instance.LocalOptions{
			Path:  configureOpts.local,
			Name:  configureOpts.name,
			Force: configureOpts.force,
		})
	} else {
		password, perr := readPassword(configureOpts.password, cmd.InOrStdin(), cmd.ErrOrStderr())
		if perr != nil {
			return perr
		}
		inst, err = app.ConfigureRemote(ctx, instance.RemoteOptions{
			URL:      configureOpts.remoteURL,
			Username: configureOpts.username,
			Password: password,
			Name:     configureOpts.name,
			Force:    configureOpts.force,
		})
	}
	if err != nil {
		log.Error().Err(err).Str("name", configureOpts.name).Msg("configuration failed")
		return err
	}

	s, _ := inst.Settings()
	fmt.Fprintf(cmd.OutOrStdout(), "Instance %d configured: %s -> %s\n", inst.ID(), s.RepositoryName, s.Destination())

	if err := reschedule(ctx, scheduler.Options{}); err != nil {
		log.Warn().Err(err).Msg("failed to update the scheduled task")
	}
	return nil
}

// readPassword returns flag, reads a line from in when flag is "-", or
// prompts on the terminal when flag is empty.
func readPassword(flag string, in io.Reader, prompt io.Writer) (string, error) {
	switch flag {
	case "-":
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	case "":
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("--password is required when stdin is not a terminal")
		}
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	default:
		return flag, nil
	}
}

// scheduledCommand is the command line the OS scheduler runs.
func scheduledCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return backupCommand(exe, configDir), nil
}

func backupCommand(exe, dir string) []string {
	argv := []string{exe}
	if dir != "" {
		argv = append(argv, "--config-dir", dir)
	}
	return append(argv, "backup", "--all")
}

// reschedule installs the OS task at the interval the instances need, or
// removes it when none is scheduled.
func reschedule(ctx context.Context, opts scheduler.Options) error {
	hours := app.ScheduleHours()
	if hours == 0 {
		return sched.Uninstall(ctx)
	}
	command, err := scheduledCommand()
	if err != nil {
		return err
	}
	return sched.Install(ctx, hours, command, opts)
}
