// Package main is the entry point for the minarca agent.
package main

import (
	"fmt"
	"os"

	"github.com/fgeck/minarca-agent/internal/models"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if detail := models.DetailOf(err); detail != "" && detail != err.Error() {
			fmt.Fprintln(os.Stderr, detail)
		}
		os.Exit(models.ExitCode(err))
	}
}
