package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/instance"
	"github.com/fgeck/minarca-agent/internal/services/scheduler"
	"github.com/fgeck/minarca-agent/internal/status"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	pauseHours  int
	statusWatch bool
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause scheduled backups for a number of hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(func(inst *instance.Instance) error {
			return inst.Pause(pauseHours)
		})
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Resume scheduled backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(func(inst *instance.Instance) error {
			return inst.Pause(0)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the selected instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		instances, err := selected()
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), `No instance configured. Run "minarca configure" first.`)
			return nil
		}
		for _, inst := range instances {
			if err := printStatus(cmd.OutOrStdout(), inst, time.Now()); err != nil {
				return err
			}
		}
		if statusWatch {
			return watchStatus(cmd.OutOrStdout())
		}
		return nil
	},
}

// watchStatus prints every change of the instance set until interrupted.
func watchStatus(w io.Writer) error {
	ctx, cancel := signalContext()
	defer cancel()

	events, err := app.Watch(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case models.InstanceRemoved:
			fmt.Fprintf(w, "Instance %d removed\n", ev.ID)
		default:
			inst, err := app.Get(ev.ID)
			if err != nil {
				continue
			}
			if err := printStatus(w, inst, time.Now()); err != nil {
				log.Warn().Err(err).Int("instance", ev.ID).Msg("cannot read status")
			}
		}
	}
	return nil
}

func printStatus(w io.Writer, inst *instance.Instance, now time.Time) error {
	s, err := inst.Settings()
	if err != nil {
		return err
	}
	st, result, err := inst.Status()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Instance %d: %s\n", inst.ID(), s.RepositoryName)
	if !s.Configured() {
		fmt.Fprintln(w, "  Not configured")
		return nil
	}
	fmt.Fprintf(w, "  Destination: %s\n", s.Destination())
	fmt.Fprintf(w, "  Status: %s\n", status.Describe(st, result))
	if st.LastSuccess.IsZero() {
		fmt.Fprintln(w, "  Last success: never")
	} else {
		fmt.Fprintf(w, "  Last success: %s\n", humanize.RelTime(st.LastSuccess, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "  Schedule: %s\n", describeSchedule(s.Schedule))
	if s.Paused(now) {
		fmt.Fprintf(w, "  Paused until: %s\n", s.PauseUntil.Local().Format(time.RFC3339))
	}
	return nil
}

func describeSchedule(hours int) string {
	switch hours {
	case models.ScheduleManual:
		return "manual"
	case models.ScheduleHourly:
		return "hourly"
	case models.ScheduleDaily:
		return "daily"
	default:
		return fmt.Sprintf("every %d hours", hours)
	}
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Forget an instance and delete its local files",
	Long: `Forget the selected instances. Their SSH key is revoked at the server when
possible; the data stored at the destination is kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if selector == "" {
			return fmt.Errorf("--instance is required")
		}
		ctx, cancel := signalContext()
		defer cancel()

		err := forEach(func(inst *instance.Instance) error {
			if err := app.Remove(ctx, inst.ID()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %d forgotten\n", inst.ID())
			return nil
		})
		if rerr := reschedule(ctx, scheduler.Options{}); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to update the scheduled task")
		}
		return err
	},
}

var incrementsCmd = &cobra.Command{
	Use:   "increments",
	Short: "List the backups available for restore",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := selectedOne()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		increments, err := inst.ListIncrements(ctx)
		if err != nil {
			return err
		}
		for _, inc := range increments {
			suffix := ""
			if inc.Current {
				suffix = " (current)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s%s\n",
				inc.Time.Format(time.RFC3339), humanize.Time(inc.Time), suffix)
		}
		return nil
	},
}

var filesAt string

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the files of a backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := time.Parse(time.RFC3339, filesAt)
		if err != nil {
			return fmt.Errorf("invalid --time: %w", err)
		}
		inst, err := selectedOne()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		files, err := inst.ListFiles(ctx, at)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "keep printing changes until interrupted")

	pauseCmd.Flags().IntVar(&pauseHours, "hours", 0, "number of hours to pause")
	_ = pauseCmd.MarkFlagRequired("hours")

	filesCmd.Flags().StringVar(&filesAt, "time", "", "increment to list, RFC3339")
	_ = filesCmd.MarkFlagRequired("time")
}
