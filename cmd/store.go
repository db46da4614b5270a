package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/filegroup"
	"github.com/bitrise-io/build-output-cache/internal/packer"
	"github.com/bitrise-io/build-output-cache/internal/utils"
)

// storeCmd represents the store command
var storeCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "store [flags] [files...]",
	Short: "Pack task outputs and store them under a cache key",
	Long: `Pack task outputs and store them under a cache key.

The listed files, directories and symlinks (relative to --root) are packed into a single cache entry.
Without arguments the whole --root directory is packed.
The entry is written to the local cache and, when pushing is enabled, to the remote cache.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		logger.TInfof("Store task outputs")

		envs := utils.AllEnvs()
		cfg, err := loadConfig(cmd, envs)
		if err != nil {
			return err
		}

		k, err := keyFromFlags(cmd)
		if err != nil {
			return err
		}

		root, _ := cmd.Flags().GetString("root")
		task, _ := cmd.Flags().GetString("task")
		taskType, _ := cmd.Flags().GetString("task-type")
		executionTime, _ := cmd.Flags().GetDuration("execution-time")

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

		if err := storeCmdFn(cmd.Context(), session, storeParams{
			Key:           k,
			Root:          root,
			Files:         args,
			TaskPath:      task,
			TaskType:      taskType,
			ExecutionTime: executionTime,
		}); err != nil {
			return fmt.Errorf("store task outputs: %w", err)
		}

		logger.TDonef("Task outputs stored")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(storeCmd)
	addKeyFlags(storeCmd)
	storeCmd.Flags().String("root", ".", "Directory the stored paths are relative to")
	storeCmd.Flags().String("task", "", "Path of the task that produced the outputs, recorded in the entry")
	storeCmd.Flags().String("task-type", "", "Type of the task that produced the outputs, recorded in the entry")
	storeCmd.Flags().Duration("execution-time", 0, "How long the task took to execute, recorded in the entry")
}

type storeParams struct {
	Key           key.Key
	Root          string
	Files         []string
	TaskPath      string
	TaskType      string
	ExecutionTime time.Duration
}

func storeCmdFn(ctx context.Context, session *cacheSession, params storeParams) error {
	logger := session.logger

	files := params.Files
	if len(files) == 0 {
		info, err := filegroup.Collect(params.Root, logger)
		if err != nil {
			return fmt.Errorf("collect files in %s: %w", params.Root, err)
		}
		files = info.Paths()
	}

	origin := session.origin(params.TaskPath, params.TaskType, params.ExecutionTime)
	blob, err := packer.Pack(params.Root, files, origin, packOptions(session.config)...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", params.Root, err)
	}
	logger.Infof("(i) Packed %d paths into %s", len(files), humanize.Bytes(uint64(len(blob))))

	res, err := session.controller.Store(ctx, params.Key, blob)
	if err != nil {
		return err
	}
	logStoreResult(logger, params.Key, res.Local, res.Remote)

	return nil
}

func logStoreResult(logger log.Logger, k key.Key, local, remote outcome.Store) {
	logger.Infof("(i) Stored %s: local %s, remote %s", k, local.Status, remote.Status)
	if local.Err != nil {
		logger.Debugf("Local store: %s", local.Reason())
	}
	if remote.Err != nil {
		logger.Debugf("Remote store: %s", remote.Reason())
	}
}
