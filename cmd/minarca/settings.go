package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/instance"
	"github.com/spf13/cobra"
)

var settingsOpts struct {
	schedule         int
	maxAge           int
	keepDays         int
	ignoreWeekday    []int
	preHook          string
	postHook         string
	ignoreHookErrors bool
	refresh          bool
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the settings of the selected instances",
	Long: `Without flags, print the settings. Changed retention settings are pushed
to the server of remote instances. --refresh reads them back from the server
first.`,
	RunE: runSettings,
}

func init() {
	f := settingsCmd.Flags()
	f.IntVar(&settingsOpts.schedule, "schedule", 0, "backup interval in hours (1, 6, 12, 24) or -1 for manual")
	f.IntVar(&settingsOpts.maxAge, "maxage", 0, "days without backup before a notification, 0 disables")
	f.IntVar(&settingsOpts.keepDays, "keepdays", 0, "days of history to keep, -1 keeps forever")
	f.IntSliceVar(&settingsOpts.ignoreWeekday, "ignore-weekday", nil, "weekdays without backup, 0 is Monday")
	f.StringVar(&settingsOpts.preHook, "pre-hook", "", "command run before each backup")
	f.StringVar(&settingsOpts.postHook, "post-hook", "", "command run after each successful backup")
	f.BoolVar(&settingsOpts.ignoreHookErrors, "ignore-hook-errors", false, "continue when a hook fails")
	f.BoolVar(&settingsOpts.refresh, "refresh", false, "read the settings back from the server")

	rootCmd.AddCommand(settingsCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	flags := cmd.Flags()
	remoteChanged := flags.Changed("maxage") || flags.Changed("keepdays") || flags.Changed("ignore-weekday")
	changed := remoteChanged || flags.Changed("schedule") || flags.Changed("pre-hook") ||
		flags.Changed("post-hook") || flags.Changed("ignore-hook-errors")

	err := forEach(func(inst *instance.Instance) error {
		if settingsOpts.refresh {
			if err := inst.RefreshRemoteSettings(ctx); err != nil {
				return err
			}
		}
		if changed {
			err := inst.UpdateSettings(func(s *models.Settings) error {
				if flags.Changed("schedule") {
					s.Schedule = settingsOpts.schedule
				}
				if flags.Changed("maxage") {
					s.MaxAge = settingsOpts.maxAge
				}
				if flags.Changed("keepdays") {
					s.KeepDays = settingsOpts.keepDays
				}
				if flags.Changed("ignore-weekday") {
					s.IgnoreWeekday = settingsOpts.ignoreWeekday
				}
				if flags.Changed("pre-hook") {
					s.PreHookCommand = settingsOpts.preHook
				}
				if flags.Changed("post-hook") {
					s.PostHookCommand = settingsOpts.postHook
				}
				if flags.Changed("ignore-hook-errors") {
					s.IgnoreHookErrors = settingsOpts.ignoreHookErrors
				}
				return nil
			})
			if err != nil {
				return err
			}
			if remoteChanged {
				if err := inst.UpdateRemoteSettings(ctx); err != nil {
					return err
				}
			}
		}
		s, err := inst.Settings()
		if err != nil {
			return err
		}
		printSettings(cmd.OutOrStdout(), inst.ID(), s)
		return nil
	})
	if err != nil {
		return err
	}
	if flags.Changed("schedule") {
		return reschedule(ctx, scheduleOpts)
	}
	return nil
}

func printSettings(w io.Writer, id int, s models.Settings) {
	fmt.Fprintf(w, "Instance %d: %s\n", id, s.RepositoryName)
	fmt.Fprintf(w, "  Schedule: %s\n", describeSchedule(s.Schedule))
	fmt.Fprintf(w, "  Max age: %d days\n", s.MaxAge)
	if s.KeepDays < 0 {
		fmt.Fprintln(w, "  Keep: forever")
	} else {
		fmt.Fprintf(w, "  Keep: %d days\n", s.KeepDays)
	}
	if len(s.IgnoreWeekday) > 0 {
		days := make([]string, 0, len(s.IgnoreWeekday))
		for _, d := range s.IgnoreWeekday {
			days = append(days, weekdayName(d))
		}
		fmt.Fprintf(w, "  Skipped days: %s\n", strings.Join(days, ", "))
	}
	if s.PreHookCommand != "" {
		fmt.Fprintf(w, "  Pre-hook: %s\n", s.PreHookCommand)
	}
	if s.PostHookCommand != "" {
		fmt.Fprintf(w, "  Post-hook: %s\n", s.PostHookCommand)
	}
}

func weekdayName(d int) string {
	names := []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	if d < 0 || d >= len(names) {
		return fmt.Sprintf("day %d", d)
	}
	return names[d]
}
