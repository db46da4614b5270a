package buildcacheconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/remote"
	"github.com/bitrise-io/build-output-cache/internal/config/common"
	"github.com/bitrise-io/build-output-cache/internal/consts"
)

type LoadParams struct {
	// ConfigFile is read when set, otherwise build-output-cache.yaml is looked
	// up in the working directory and in ~/.config/build-output-cache.
	ConfigFile string
	// Flags registered with RegisterFlags override every other source.
	Flags *pflag.FlagSet
	// EnvProvider resolves the BITRISE_BUILD_CACHE_* fallbacks. Defaults to os.Getenv.
	EnvProvider func(string) string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("compression", "zstd")

	v.SetDefault("local.enabled", true)
	v.SetDefault("local.directory", consts.LocalCacheDirectoryDefault)
	v.SetDefault("local.max-size", consts.LocalCacheMaxSizeDefault)
	v.SetDefault("local.remove-unused-entries-after", consts.RemoveUnusedEntriesAfter)
	v.SetDefault("local.failure-policy", "warn")

	v.SetDefault("remote.enabled", true)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.push", false)
	v.SetDefault("remote.async-push", true)
	v.SetDefault("remote.push-workers", consts.RemotePushWorkersDefault)
	v.SetDefault("remote.max-attempts", consts.RemoteMaxAttemptsDefault)
	v.SetDefault("remote.attempt-timeout", consts.RemoteAttemptTimeoutDefault)
	v.SetDefault("remote.retry-wait-min", consts.RemoteRetryWaitMinDefault)
	v.SetDefault("remote.retry-wait-max", consts.RemoteRetryWaitMaxDefault)
	v.SetDefault("remote.max-connections", consts.RemoteMaxConnectionsDefault)
	v.SetDefault("remote.degrade-after-unavailable", consts.DegradeAfterUnavailable)
	v.SetDefault("remote.allow-untrusted-server", false)
	v.SetDefault("remote.allow-insecure-protocol", false)
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.password", "")

	v.SetDefault("server.listen", consts.ServerListenDefault)
	v.SetDefault("server.directory", consts.ServerDirectoryDefault)
	v.SetDefault("server.max-size", consts.ServerMaxSizeDefault)
	v.SetDefault("server.max-entry-size", consts.ServerMaxEntrySizeDefault)
	v.SetDefault("server.username", "")
	v.SetDefault("server.password", "")
	v.SetDefault("server.token", "")
}

// Load merges defaults, the config file, BUILD_CACHE_ environment variables
// and flags, in increasing priority, then validates the result.
func Load(params LoadParams) (Config, error) {
	if params.EnvProvider == nil {
		params.EnvProvider = os.Getenv
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, params.ConfigFile); err != nil {
		return Config{}, err
	}

	if params.Flags != nil {
		if err := bindFlags(v, params.Flags); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Remote.URL = common.SelectCacheEndpointURL(cfg.Remote.URL, params.EnvProvider)

	pathModifier := pathutil.NewPathModifier()
	for _, dir := range []*string{&cfg.Local.Directory, &cfg.Server.Directory} {
		if *dir == "" {
			continue
		}
		abs, err := pathModifier.AbsPath(*dir)
		if err != nil {
			return Config{}, fmt.Errorf("expand path %s: %w", *dir, err)
		}
		*dir = abs
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", configFile, err)
		}

		return nil
	}

	v.SetConfigName(ConfigFileName)
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", ConfigFileName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}

		return fmt.Errorf("read config file: %w", err)
	}

	return nil
}

// Validate checks field constraints and that the remote URL can be used.
func Validate(cfg Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.RemoteActive() {
		if _, err := remote.ParseEndpointURL(cfg.Remote.URL, cfg.Remote.AllowInsecureProtocol); err != nil {
			return fmt.Errorf("invalid configuration: remote.url: %w", err)
		}
	}

	return nil
}

func byteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))

	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			n, err := humanize.ParseBytes(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid size %q: %w", v, err)
			}

			return ByteSize(n), nil //nolint:gosec
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil //nolint:gosec
		case float64:
			return ByteSize(v), nil
		}

		return data, nil
	}
}
