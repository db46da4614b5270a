package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	buildcacheconfig "github.com/bitrise-io/build-output-cache/internal/config/buildcache"
	"github.com/bitrise-io/build-output-cache/internal/utils"
)

// configCmd represents the config command
var configCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML.

Values from the config file, BUILD_CACHE_* environment variables and flags are merged.
Secrets are redacted.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, utils.AllEnvs())
		if err != nil {
			return err
		}

		return configCmdFn(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func configCmdFn(w io.Writer, cfg buildcacheconfig.Config) error {
	if cfg.File != "" {
		fmt.Fprintf(w, "# %s\n", cfg.File)
	}

	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
