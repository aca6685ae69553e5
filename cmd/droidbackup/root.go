package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile  string
	verbose     bool
	quiet       bool
	jsonOutput  bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "droidbackup",
	Short: "Backup and restore apps, media and Wi-Fi networks on a rooted Android device",
	Long: `droidbackup backs up and restores a rooted Android device:
  - apps with their apk, user, user_de, data, obb and media partitions
  - permissions and SSAIDs
  - media directories
  - Wi-Fi networks

Archives go to a local directory or to a WebDAV, SFTP or S3 remote.
Privileged work runs in a separate root daemon (rootd) started through su.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(networksCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(rootdCmd)
	rootCmd.AddCommand(archiveCmd)
}

func setupLogging() {
	// Logs go to stderr; stdout carries command output and archive results.
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

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
