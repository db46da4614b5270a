package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	buildcacheconfig "github.com/bitrise-io/build-output-cache/internal/config/buildcache"
	"github.com/bitrise-io/build-output-cache/internal/utils"
)

var errLocalCacheDisabled = errors.New("local cache is disabled")

// statsCmd represents the stats command
var statsCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:          "stats",
	Short:        "Print the size of the local cache",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()

		cfg, err := loadConfig(cmd, utils.AllEnvs())
		if err != nil {
			return err
		}

		return statsCmdFn(cmd.OutOrStdout(), cfg, logger)
	},
}

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "prune",
	Short: "Remove local cache entries that were not used recently",
	Long: `Remove local cache entries that were not used recently.

Entries not loaded or stored within --older-than are removed.
Defaults to local.remove-unused-entries-after.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		logger.TInfof("Prune local cache")

		cfg, err := loadConfig(cmd, utils.AllEnvs())
		if err != nil {
			return err
		}

		olderThan := cfg.Local.RemoveUnusedEntriesAfter
		if cmd.Flags().Changed("older-than") {
			olderThan, _ = cmd.Flags().GetDuration("older-than")
		}

		if err := pruneCmdFn(cfg, olderThan, logger); err != nil {
			return fmt.Errorf("prune local cache: %w", err)
		}

		logger.TDonef("Local cache pruned")

		return nil
	},
}

// clearCmd represents the clear command
var clearCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:          "clear",
	Short:        "Remove every entry from the local cache",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		logger.TInfof("Clear local cache")

		cfg, err := loadConfig(cmd, utils.AllEnvs())
		if err != nil {
			return err
		}

		if err := clearCmdFn(cfg, logger); err != nil {
			return fmt.Errorf("clear local cache: %w", err)
		}

		logger.TDonef("Local cache cleared")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(clearCmd)
	pruneCmd.Flags().Duration("older-than", 0, "Remove entries unused for longer than this")
}

func statsCmdFn(w io.Writer, cfg buildcacheconfig.Config, logger log.Logger) error {
	if !cfg.LocalActive() {
		return errLocalCacheDisabled
	}

	store, err := newLocalStore(cfg, logger)
	if err != nil {
		return err
	}

	stats := store.Stats()
	usage := 0.0
	if stats.MaxSize > 0 {
		usage = float64(stats.Size) / float64(stats.MaxSize) * 100
	}

	fmt.Fprintf(w, "Directory: %s\n", store.Directory())
	fmt.Fprintf(w, "Entries:   %s\n", humanize.Comma(int64(stats.Entries)))
	fmt.Fprintf(w, "Size:      %s of %s (%.1f%%)\n",
		humanize.Bytes(uint64(stats.Size)), humanize.Bytes(uint64(stats.MaxSize)), usage) //nolint:gosec

	return nil
}

func pruneCmdFn(cfg buildcacheconfig.Config, olderThan time.Duration, logger log.Logger) error {
	if !cfg.LocalActive() {
		return errLocalCacheDisabled
	}
	if olderThan <= 0 {
		return fmt.Errorf("invalid age %s", olderThan)
	}

	store, err := newLocalStore(cfg, logger)
	if err != nil {
		return err
	}

	removed, freed, err := store.Prune(olderThan)
	if err != nil {
		return err
	}
	logger.Infof("(i) Removed %d entries unused for %s, freed %s", removed, olderThan, humanize.Bytes(uint64(freed))) //nolint:gosec

	return nil
}

func clearCmdFn(cfg buildcacheconfig.Config, logger log.Logger) error {
	if !cfg.LocalActive() {
		return errLocalCacheDisabled
	}

	store, err := newLocalStore(cfg, logger)
	if err != nil {
		return err
	}

	before := store.Stats()
	if err := store.Clear(); err != nil {
		return err
	}
	logger.Infof("(i) Removed %d entries, freed %s", before.Entries, humanize.Bytes(uint64(before.Size))) //nolint:gosec

	return nil
}
