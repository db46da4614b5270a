package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/packer"
	"github.com/bitrise-io/build-output-cache/internal/utils"
)

// loadCmd represents the load command
var loadCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "load",
	Short: "Restore task outputs stored under a cache key",
	Long: `Restore task outputs stored under a cache key.

The local cache is checked first, then the remote cache. Remote hits are copied to the local cache.
A miss is not an error unless --fail-on-miss is set.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		logger.TInfof("Restore task outputs")

		envs := utils.AllEnvs()
		cfg, err := loadConfig(cmd, envs)
		if err != nil {
			return err
		}

		k, err := keyFromFlags(cmd)
		if err != nil {
			return err
		}

		target, _ := cmd.Flags().GetString("target")
		failOnMiss, _ := cmd.Flags().GetBool("fail-on-miss")

		session, err := openCache(openCacheParams{
			Config:      cfg,
			Envs:        envs,
			CommandFunc: newCommandFunc(),
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer session.close()

		hit, err := loadCmdFn(cmd.Context(), session, k, target)
		if err != nil {
			return fmt.Errorf("restore task outputs: %w", err)
		}
		if !hit {
			logger.TInfof("Cache miss for %s", k)
			if failOnMiss {
				return errCacheMiss
			}

			return nil
		}

		logger.TDonef("Task outputs restored")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
	addKeyFlags(loadCmd)
	loadCmd.Flags().String("target", ".", "Directory to restore the outputs into")
	loadCmd.Flags().Bool("fail-on-miss", false, "Exit with an error when the key is not cached")
}

func loadCmdFn(ctx context.Context, session *cacheSession, k key.Key, target string) (bool, error) {
	blob, hit, err := session.controller.Load(ctx, k)
	if err != nil {
		return false, err
	}
	if !hit {
		return false, nil
	}

	res, err := packer.Unpack(blob, target, packOptions(session.config)...)
	if err != nil {
		return false, fmt.Errorf("unpack %s into %s: %w", k, target, err)
	}

	session.logger.Infof("(i) Restored %d paths (%s) from %s", len(res.Entries), humanize.Bytes(uint64(res.TotalSize())), k) //nolint:gosec
	if res.Origin.TaskPath != "" {
		session.logger.Debugf("Produced by %s on %s in %s", res.Origin.TaskPath, res.Origin.Hostname, res.Origin.ExecutionTime)
	}

	return true, nil
}
