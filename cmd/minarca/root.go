package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fgeck/minarca-agent/internal/config"
	"github.com/fgeck/minarca-agent/internal/services/agent"
	"github.com/fgeck/minarca-agent/internal/services/instance"
	"github.com/fgeck/minarca-agent/internal/services/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags.
	configDir  string
	selector   string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// Set up by the root command before any verb runs.
	app   *agent.Agent
	sched scheduler.Service
)

var rootCmd = &cobra.Command{
	Use:   "minarca",
	Short: "Minarca backup agent",
	Long: `minarca backs up this computer to a Minarca server or a local disk
using rdiff-backup.

Each destination is an instance with its own settings, patterns and status.
Run "minarca configure" once, then "minarca schedule install" to let the
operating system start backups periodically.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return setupAgent()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.Close()
		}
	},
	SilenceErrors: true,
	SilenceUsage:  true,
	Version:       Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "agent config dir (default per-user config dir)")
	rootCmd.PersistentFlags().StringVar(&selector, "instance", "", `instance id, repository name pattern or "all"`)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(unpauseCmd)
	rootCmd.AddCommand(includeCmd)
	rootCmd.AddCommand(excludeCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(incrementsCmd)
	rootCmd.AddCommand(filesCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupAgent() error {
	cfg, err := config.NewParser().Load(configDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	log.Debug().Str("config_dir", cfg.ConfigDir).Str("rdiff_backup", cfg.RdiffBackup).Msg("configuration loaded")

	app, err = agent.New(log.Logger, instance.DefaultDeps(log.Logger, *cfg))
	if err != nil {
		return err
	}
	sched = scheduler.New(log.Logger)
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, stopping")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// selected resolves --instance.
func selected() ([]*instance.Instance, error) {
	return app.Select(selector)
}

// selectedOne resolves --instance to exactly one instance.
func selectedOne() (*instance.Instance, error) {
	if selector == "" || selector == agent.SelectAll {
		return nil, fmt.Errorf("--instance is required")
	}
	instances, err := selected()
	if err != nil {
		return nil, err
	}
	if len(instances) != 1 {
		return nil, fmt.Errorf("--instance %q matches %d instances, select exactly one", selector, len(instances))
	}
	return instances[0], nil
}

// forEach runs fn on every selected instance and returns the worst error.
func forEach(fn func(inst *instance.Instance) error) error {
	instances, err := selected()
	if err != nil {
		return err
	}
	var errs []error
	for _, inst := range instances {
		if err := fn(inst); err != nil {
			log.Error().Err(err).Int("instance", inst.ID()).Msg("operation failed")
			errs = append(errs, err)
		}
	}
	return agent.Worst(errs...)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
