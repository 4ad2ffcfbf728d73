package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/minarca-agent/internal/services/disk"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var disksCmd = &cobra.Command{
	Use:   "disks",
	Short: "List removable disks usable as local destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		disks, err := disk.New(log.Logger).ListRemovable(ctx)
		if err != nil {
			return err
		}
		if len(disks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No removable disk found")
			return nil
		}
		for _, d := range disks {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s free of %s\n",
				d.Mountpoint, d.Caption, humanize.Bytes(d.Free), humanize.Bytes(d.Size))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disksCmd)
}
