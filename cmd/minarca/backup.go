package main

import (
	"fmt"
	"time"

	"github.com/fgeck/minarca-agent/internal/services/agent"
	"github.com/fgeck/minarca-agent/internal/services/instance"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	backupForce bool
	backupAll   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the selected instances",
	Long: `Back up every selected instance whose schedule is due. --all selects every
instance and --force runs the backup regardless of the schedule.

The exit code reflects the most severe failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if backupAll {
			if selector != "" && selector != agent.SelectAll {
				return fmt.Errorf("--all and --instance %q are mutually exclusive", selector)
			}
			selector = agent.SelectAll
		}
		instances, err := selected()
		if err != nil {
			return err
		}
		return app.BackupAll(ctx, instances, backupForce)
	},
}

var restoreOpts struct {
	at          string
	paths       []string
	destination string
	inPlace     bool
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore files from a backup",
	Long: `Restore files of one instance as they were at --time.

Without --path every included path is restored. --in-place overwrites the
original files; --destination restores into another folder.`,
	RunE: runRestore,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running backup or restore",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		return forEach(func(inst *instance.Instance) error {
			return inst.Stop(ctx)
		})
	},
}

func init() {
	backupCmd.Flags().BoolVar(&backupForce, "force", false, "run even when not scheduled")
	backupCmd.Flags().BoolVar(&backupAll, "all", false, "back up every instance")

	f := restoreCmd.Flags()
	f.StringVar(&restoreOpts.at, "time", "", "increment to restore, RFC3339")
	f.StringSliceVar(&restoreOpts.paths, "path", nil, "path to restore (repeatable)")
	f.StringVar(&restoreOpts.destination, "destination", "", "folder to restore into")
	f.BoolVar(&restoreOpts.inPlace, "in-place", false, "restore over the original files")
	_ = restoreCmd.MarkFlagRequired("time")
	restoreCmd.MarkFlagsMutuallyExclusive("destination", "in-place")
	restoreCmd.MarkFlagsOneRequired("destination", "in-place")
}

func runRestore(cmd *cobra.Command, args []string) error {
	at, err := time.Parse(time.RFC3339, restoreOpts.at)
	if err != nil {
		return fmt.Errorf("invalid --time: %w", err)
	}
	inst, err := selectedOne()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := instance.RestoreOptions{Time: at, Paths: restoreOpts.paths}
	if !restoreOpts.inPlace {
		opts.Destination = restoreOpts.destination
	}
	if err := inst.Restore(ctx, opts); err != nil {
		return err
	}
	log.Info().Int("instance", inst.ID()).Time("time", at).Msg("restore completed")
	return nil
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test the connection to the destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		return forEach(func(inst *instance.Instance) error {
			if err := inst.TestConnection(ctx); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: FAILED %v\n", inst.ID(), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d: OK\n", inst.ID())
			return nil
		})
	},
}
