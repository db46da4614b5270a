package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/bitrise-io/build-output-cache/internal/config/common"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:          "version",
	Short:        "Print the version of the CLI",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()

		fmt.Fprintf(cmd.OutOrStdout(), "build-output-cache %s (%s/%s)\n", common.GetCLIVersion(logger), runtime.GOOS, runtime.GOARCH)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
