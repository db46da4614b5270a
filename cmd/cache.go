package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	buildcache "github.com/bitrise-io/build-output-cache/internal/build_cache"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/local"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/remote"
	buildcacheconfig "github.com/bitrise-io/build-output-cache/internal/config/buildcache"
	"github.com/bitrise-io/build-output-cache/internal/config/common"
	"github.com/bitrise-io/build-output-cache/internal/packer"
)

var (
	errKeyRequired  = errors.New("either --key or --key-input is required")
	errKeyAmbiguous = errors.New("--key and --key-input are mutually exclusive")
	errCacheMiss    = errors.New("cache miss")
)

func newLogger() log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(isDebugLogMode)

	return logger
}

func envProvider(envs map[string]string) func(string) string {
	return func(k string) string { return envs[k] }
}

func newCommandFunc() common.CommandFunc {
	return common.NewCommandFunc(command.NewFactory(env.NewRepository()))
}

func loadConfig(cmd *cobra.Command, envs map[string]string) (buildcacheconfig.Config, error) {
	cfg, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{
		ConfigFile:  configFile,
		Flags:       cmd.Flags(),
		EnvProvider: envProvider(envs),
	})
	if err != nil {
		return buildcacheconfig.Config{}, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

// resolveKey accepts either a hex key or the inputs the key is derived from.
func resolveKey(hexKey string, inputs []string) (key.Key, error) {
	switch {
	case hexKey != "" && len(inputs) > 0:
		return key.Key{}, errKeyAmbiguous
	case hexKey != "":
		k, err := key.Parse(hexKey)
		if err != nil {
			return key.Key{}, fmt.Errorf("parse key: %w", err)
		}

		return k, nil
	case len(inputs) > 0:
		parts := make([][]byte, 0, len(inputs))
		for _, input := range inputs {
			parts = append(parts, []byte(input))
		}

		return key.Sum(parts...), nil
	}

	return key.Key{}, errKeyRequired
}

func addKeyFlags(cmd *cobra.Command) {
	cmd.Flags().String("key", "", "Hex encoded cache key")
	cmd.Flags().StringArray("key-input", nil, "Derive the cache key from this value, can be repeated")
}

func keyFromFlags(cmd *cobra.Command) (key.Key, error) {
	hexKey, _ := cmd.Flags().GetString("key")
	inputs, _ := cmd.Flags().GetStringArray("key-input")

	return resolveKey(hexKey, inputs)
}

func packOptions(cfg buildcacheconfig.Config) []packer.Option {
	compression := packer.CompressionZstd
	if cfg.Compression == "none" {
		compression = packer.CompressionNone
	}

	return []packer.Option{packer.WithCompression(compression)}
}

func newLocalStore(cfg buildcacheconfig.Config, logger log.Logger) (*local.Store, error) {
	store, err := local.New(local.Params{
		Directory: cfg.Local.Directory,
		MaxSize:   int64(cfg.Local.MaxSize),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open local cache %s: %w", cfg.Local.Directory, err)
	}

	return store, nil
}

type openCacheParams struct {
	Config      buildcacheconfig.Config
	Envs        map[string]string
	CommandFunc common.CommandFunc
	Logger      log.Logger
}

// cacheSession is the tiered cache of one CLI invocation.
type cacheSession struct {
	config     buildcacheconfig.Config
	metadata   common.CacheConfigMetadata
	local      *local.Store
	controller *buildcache.Controller
	registry   *prometheus.Registry
	logger     log.Logger
}

func openCache(params openCacheParams) (*cacheSession, error) {
	cfg := params.Config
	logger := params.Logger

	if isDebugLogMode {
		logCurrentUserInfo(logger)
	}

	metadata := common.NewMetadata(params.Envs, params.CommandFunc, logger)
	if metadata.CLIVersion == "" {
		metadata.CLIVersion = common.GetCLIVersion(logger)
	}

	registry := prometheus.NewRegistry()
	metrics, err := buildcache.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	policy, err := buildcache.ParseFailurePolicy(cfg.Local.FailurePolicy)
	if err != nil {
		return nil, fmt.Errorf("local failure policy: %w", err)
	}

	invocationID := uuid.NewString()
	controllerParams := buildcache.ControllerParams{
		PushEnabled:             cfg.Remote.Push,
		AsyncPush:               cfg.Remote.AsyncPush,
		PushWorkers:             cfg.Remote.PushWorkers,
		LocalFailurePolicy:      policy,
		DegradeAfterUnavailable: cfg.Remote.DegradeAfterUnavailable,
		Logger:                  logger,
		Metrics:                 metrics,
		InvocationID:            invocationID,
	}

	session := &cacheSession{
		config:   cfg,
		metadata: metadata,
		registry: registry,
		logger:   logger,
	}

	if cfg.LocalActive() {
		store, err := newLocalStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		session.local = store
		controllerParams.Local = store
		logger.Debugf("Local cache: %s (limit %s)", cfg.Local.Directory, cfg.Local.MaxSize)
	} else {
		logger.Infof("(i) Local cache disabled")
	}

	if cfg.RemoteActive() {
		client, err := remote.NewClient(remote.NewClientParams{
			Endpoint:              cfg.Remote.URL,
			Credentials:           cfg.AuthConfig(envProvider(params.Envs)),
			CacheConfigMetadata:   metadata,
			InvocationID:          invocationID,
			Logger:                logger,
			MaxAttempts:           cfg.Remote.MaxAttempts,
			AttemptTimeout:        cfg.Remote.AttemptTimeout,
			RetryWaitMin:          cfg.Remote.RetryWaitMin,
			RetryWaitMax:          cfg.Remote.RetryWaitMax,
			MaxConnections:        cfg.Remote.MaxConnections,
			AllowUntrustedServer:  cfg.Remote.AllowUntrustedServer,
			AllowInsecureProtocol: cfg.Remote.AllowInsecureProtocol,
		})
		if err != nil {
			return nil, fmt.Errorf("create remote cache client: %w", err)
		}
		controllerParams.Remote = client
		logger.Infof("(i) Remote cache: %s (push: %t)", client.Endpoint(), cfg.Remote.Push)
	} else {
		logger.Infof("(i) Remote cache not configured")
	}

	controller, err := buildcache.NewController(controllerParams)
	if err != nil {
		return nil, fmt.Errorf("create build cache controller: %w", err)
	}
	session.controller = controller

	return session, nil
}

func (s *cacheSession) origin(taskPath, taskType string, executionTime time.Duration) packer.OriginMetadata {
	return packer.OriginMetadata{
		TaskPath:          taskPath,
		TaskType:          taskType,
		BuildInvocationID: s.controller.InvocationID(),
		ExecutionTime:     executionTime,
		Hostname:          s.metadata.HostMetadata.Hostname,
		Username:          s.metadata.HostMetadata.Username,
		OperatingSystem:   s.metadata.HostMetadata.OS,
		CreationTime:      time.Now(),
		ToolVersion:       s.metadata.CLIVersion,
	}
}

// close waits for background pushes, bounded by the time one remote store
// may take, then reports statistics.
func (s *cacheSession) close() {
	timeout := s.config.Remote.AttemptTimeout * time.Duration(max(s.config.Remote.MaxAttempts, 1))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.controller.Close(ctx); err != nil {
		s.logger.Warnf("Remote cache pushes did not finish in time: %s", err)
	}

	s.logStats()

	if metricsTextfile != "" {
		if err := prometheus.WriteToTextfile(metricsTextfile, s.registry); err != nil {
			s.logger.Warnf("Failed to write metrics to %s: %s", metricsTextfile, err)
		}
	}
}

func (s *cacheSession) logStats() {
	stats := s.controller.Stats()
	states := s.controller.States()

	s.logger.Debugf("Local cache (%s): %d hits, %d misses, %d stored",
		states.Local, stats.Local.Hits, stats.Local.Misses, stats.Local.Stores)
	if states.Remote == buildcache.BackendDisabled {
		return
	}
	s.logger.Infof("(i) Remote cache (%s): %d hits, %d misses, %s downloaded, %s uploaded",
		states.Remote, stats.Remote.Hits, stats.Remote.Misses,
		humanize.Bytes(uint64(stats.Remote.DownloadBytes)), humanize.Bytes(uint64(stats.Remote.UploadBytes))) //nolint:gosec
}

func logCurrentUserInfo(logger log.Logger) {
	currentUser, err := user.Current()
	if err != nil {
		logger.Debugf("Error getting current user: %v", err)

		return
	}

	logger.Debugf("Current user info:")
	logger.Debugf("  UID: %s", currentUser.Uid)
	logger.Debugf("  GID: %s", currentUser.Gid)
	logger.Debugf("  Username: %s", currentUser.Username)
}
