package main

import (
	"fmt"
	"time"

	"github.com/fgeck/minarca-agent/internal/services/scheduler"
	"github.com/spf13/cobra"
)

var scheduleOpts scheduler.Options

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the task that runs backups periodically",
}

var scheduleInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or update the scheduled task",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if scheduleOpts.RunIfLoggedOut && scheduleOpts.Password == "-" {
			password, err := readPassword("-", cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			scheduleOpts.Password = password
		}
		if err := reschedule(ctx, scheduleOpts); err != nil {
			return err
		}
		hours := app.ScheduleHours()
		if hours == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No instance is scheduled; the task was removed")
			return nil
		}
		next, err := scheduler.NextRun(hours, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled every %d hour(s), next run at %s\n", hours, next.Format(time.RFC3339))
		return nil
	},
}

var scheduleUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the scheduled task",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return sched.Uninstall(ctx)
	},
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the scheduled task",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		exists, err := sched.Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			fmt.Fprintln(cmd.OutOrStdout(), "Not scheduled")
			return nil
		}
		out, err := sched.Show(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		if hours := app.ScheduleHours(); hours > 0 {
			if next, err := scheduler.NextRun(hours, time.Now()); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Next run: %s\n", next.Format(time.RFC3339))
			}
		}
		return nil
	},
}

func init() {
	f := scheduleInstallCmd.Flags()
	f.BoolVar(&scheduleOpts.RunIfLoggedOut, "run-if-logged-out", false, "run even when the user is not logged in (Windows)")
	f.StringVar(&scheduleOpts.Username, "username", "", "account running the task (Windows)")
	f.StringVar(&scheduleOpts.Password, "password", "", `account password, or "-" to read it from stdin (Windows)`)
	scheduleInstallCmd.MarkFlagsRequiredTogether("run-if-logged-out", "username", "password")

	scheduleCmd.AddCommand(scheduleInstallCmd)
	scheduleCmd.AddCommand(scheduleUninstallCmd)
	scheduleCmd.AddCommand(scheduleShowCmd)
}
