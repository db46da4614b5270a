package cmd

import (
	"os"

	"github.com/spf13/cobra"

	buildcacheconfig "github.com/bitrise-io/build-output-cache/internal/config/buildcache"
)

//nolint:gochecknoglobals
var (
	isDebugLogMode  bool
	configFile      string
	metricsTextfile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "build-output-cache",
	Short: "Build output cache - store and restore task outputs in a local and a shared remote cache.",
	Long: `Build output cache - store and restore task outputs in a local and a shared remote cache.

What does the CLI do on a high level?

Task outputs are packed into a single cache entry and stored under a cache key, first in the
local cache directory and then, when pushing is enabled, in the remote HTTP cache.
Loads look up the local cache first and fall back to the remote one; remote hits are copied
to the local cache.

A remote cache that keeps failing is disabled for the rest of the invocation, so an unreachable
remote never fails the build.

Configuration is read from build-output-cache.yaml, BUILD_CACHE_* environment variables and flags.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&isDebugLogMode, "debug", "d", false, "Enable debug logging mode")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the config file (default: ./build-output-cache.yaml or ~/.config/build-output-cache/build-output-cache.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "Write cache metrics in Prometheus text format to this file when the command finishes")
	buildcacheconfig.RegisterFlags(rootCmd.PersistentFlags())
}
