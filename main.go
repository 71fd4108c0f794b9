// Package main is the entry point for reportflow: it watches the download
// directory for exported reports and publishes their cleaned-up workbooks.
package main

import (
	"os"
	"time"

	"github.com/andi/reportflow/backend/config"
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// settingsFlags are the settings that can be supplied on the command line
type settingsFlags struct {
	outputDir string
	watchDir  string
	prefix    string
	maxAge    time.Duration
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "directory published workbooks are written to")
	cmd.Flags().StringVar(&f.watchDir, "watch-dir", "", "directory watched for exported reports (default: ~/Downloads)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "file name prefix of accepted reports")
	cmd.Flags().DurationVar(&f.maxAge, "max-age", 0, "ignore reports older than this")
}

// apply overrides cfg with every flag that was set
func (f *settingsFlags) apply(cfg *config.Config) {
	if f.outputDir != "" {
		cfg.Output.Dir = f.outputDir
	}
	if f.watchDir != "" {
		cfg.Watch.Dir = f.watchDir
	}
	if f.prefix != "" {
		cfg.Watch.Prefix = f.prefix
	}
	if f.maxAge > 0 {
		cfg.Watch.MaxAge = f.maxAge
	}
}

var (
	cfgPath   string
	runFlags  settingsFlags
	resetFlag bool
)

// rootCmd runs the watcher until interrupted.
var rootCmd = &cobra.Command{
	Use:   "reportflow",
	Short: "Publish cleaned-up copies of exported spreadsheet reports",
	Long: `reportflow watches a directory for freshly exported .xls reports, waits for
each download to finish, converts it to .xlsx, rewrites the link column so every
link survives as plain text, and publishes the result into the output directory.

Run it once with --reset --output-dir to (re)configure, or use the configure
subcommand to store settings without starting the watcher.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cfgPath, &runFlags, resetFlag)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "settings file")
	rootCmd.Flags().BoolVar(&resetFlag, "reset", false, "discard saved settings and store the ones given on the command line")
	runFlags.register(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
