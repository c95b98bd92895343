// Package cli implements the buildfleet command-line interface using Cobra.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string

	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "buildfleet",
	Short: "Buildfleet - ephemeral build workers on demand",
	Long: `Buildfleet provisions one-shot build workers as remote build jobs.
A job queue asks it for capacity; each worker runs a single task, phones
home, and is torn down when the task is done.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.LoadSettings(os.Environ())
		if err != nil {
			return err
		}
		if configPath != "" {
			s.ConfigPath = configPath
		}
		settings = s

		format := log.FormatAuto
		if jsonOut {
			format = log.FormatJSON
		}
		if err := log.Init(log.Options{
			Verbose:       verbose,
			Format:        format,
			Dir:           s.LogDir,
			RetentionDays: s.LogRetentionDays,
		}); err != nil {
			cmd.PrintErrf("Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "cloud configuration file (env: BUILDFLEET_CONFIG)")
}
