package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/version"
)

var (
	logger    = logrus.New()
	appConfig *config.Config

	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "phonemed",
	Short: "Real-time phoneme recognition",
	Long: `phonemed classifies live or recorded audio into calibrated phonemes.

It runs either as a service that ingests audio over a websocket and publishes
results over HTTP, websocket and AMQP, or offline against WAV files to
analyse a recording or calibrate a profile.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"analysis config YAML file (overrides PHONEME_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(serveCmd, analyzeCmd, calibrateCmd, profileCmd, versionCmd)
}

// initializeConfig loads the service configuration once flags are parsed
func initializeConfig() error {
	if configFile != "" {
		os.Setenv("PHONEME_CONFIG_FILE", configFile)
	}

	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return err
	}

	if logLevel != "" {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		logger.SetLevel(level)
	}

	appConfig = cfg
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	// version needs no configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.UserAgent())
	},
}
