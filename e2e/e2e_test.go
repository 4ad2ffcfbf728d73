//go:build e2e

// Package e2e exercises the agent against real external services.
package e2e

import (
	"os"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
