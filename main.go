package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"imagery-timelapse/internal/config"
	"imagery-timelapse/internal/logging"
)

// Global flags
var (
	configFlag   string
	logLevelFlag string
	quietFlag    bool
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "imagery-timelapse",
	Short: "Build timelapses from historical WMS imagery",
	Long: `imagery-timelapse requests one map image per historical time label for a
bounding box, then encodes the frames as an animated GIF, a video and/or ZIP
archives of the individual stills.

Examples:
  imagery-timelapse run --bbox 2600000,1199000,2602000,1200500 --start 1900 --end 2000
  imagery-timelapse run --roi lake.geojson --layer ch.swisstopo.swissimage-product --sinks all
  imagery-timelapse dates --layer ch.swisstopo.swissimage-product --discover
  imagery-timelapse config init`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), AppVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./imagery-timelapse.yaml or "+config.GetSettingsPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Disable the progress bar")

	rootCmd.AddCommand(newRunCmd(), newDatesCmd(), newCacheCmd(), newConfigCmd(), versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings reads the configuration and initializes logging
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configFlag)
	if err != nil {
		logging.Init(logLevelFlag)
		return nil, err
	}
	if logLevelFlag != "" {
		settings.LogLevel = logLevelFlag
	}
	logging.Init(settings.LogLevel)
	return settings, nil
}
