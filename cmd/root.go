package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"media-intelligence/pkg/config"
)

var version = "dev"

// globals are filled by the root command before any subcommand runs.
type globals struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *logrus.Entry
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "media-intel",
		Short: "Speaker-attributed transcripts and situation analysis for audio",
		Long: `media-intel turns audio recordings into a speaker-attributed transcript,
a timeline of acoustic situations and a result document per run.

Backends run either on local helper programs or on hosted speech,
diarization and classification services. Results are written under the
configured output location and reused when the same input is processed
again.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to a YAML config file (default ./media-intel.yaml if present)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(g.configPath)
		if err != nil {
			return err
		}
		if g.logLevel != "" {
			cfg.Log.Level = g.logLevel
		}
		logger, err := cfg.Log.NewLogger()
		if err != nil {
			return err
		}
		g.cfg = cfg
		g.log = logrus.NewEntry(logger).WithField("version", version)
		return nil
	}

	cmd.AddCommand(newServeCommand(g))
	cmd.AddCommand(newProcessCommand(g))
	cmd.AddCommand(newWorkerCommand(g))
	cmd.AddCommand(newSecretsCommand(g))

	return cmd
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
