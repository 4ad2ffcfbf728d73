package main

import (
	"fmt"

	"github.com/fgeck/minarca-agent/internal/services/instance"
	"github.com/spf13/cobra"
)

var includeCmd = &cobra.Command{
	Use:   "include PATTERN...",
	Short: "Add include patterns",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(func(inst *instance.Instance) error {
			return inst.Include(args...)
		})
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude PATTERN...",
	Short: "Add exclude patterns",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(func(inst *instance.Instance) error {
			return inst.Exclude(args...)
		})
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show the include and exclude patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(func(inst *instance.Instance) error {
			set, err := inst.Patterns()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# instance %d\n", inst.ID())
			_, err = cmd.OutOrStdout().Write(set.Bytes())
			return err
		})
	},
}
