package buildcacheconfig_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	buildcacheconfig "github.com/bitrise-io/build-output-cache/internal/config/buildcache"
	"github.com/bitrise-io/build-output-cache/internal/config/common"
)

func noEnvs(string) string { return "" }

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "build-output-cache.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{EnvProvider: noEnvs})
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.True(t, cfg.LocalActive())
	assert.Equal(t, filepath.Join(home, ".cache", "build-output-cache"), cfg.Local.Directory)
	assert.Equal(t, buildcacheconfig.ByteSize(5_000_000_000), cfg.Local.MaxSize)
	assert.Equal(t, 168*time.Hour, cfg.Local.RemoveUnusedEntriesAfter)
	assert.Equal(t, "warn", cfg.Local.FailurePolicy)

	assert.False(t, cfg.RemoteActive(), "no remote without a URL")
	assert.False(t, cfg.Remote.Push)
	assert.True(t, cfg.Remote.AsyncPush)
	assert.Equal(t, 4, cfg.Remote.PushWorkers)
	assert.Equal(t, 3, cfg.Remote.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Remote.AttemptTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Remote.RetryWaitMin)
	assert.Equal(t, 5*time.Second, cfg.Remote.RetryWaitMax)
	assert.Equal(t, 16, cfg.Remote.MaxConnections)
	assert.Equal(t, 3, cfg.Remote.DegradeAfterUnavailable)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, buildcacheconfig.ByteSize(1_000_000_000), cfg.Server.MaxEntrySize)
}

func TestLoad_SourcePriority(t *testing.T) {
	configFile := writeConfig(t, `
compression: none
local:
  directory: /tmp/from-file
  max-size: 2GB
  failure-policy: fail
remote:
  url: https://file.example.com/cache
  push: true
  max-attempts: 5
  attempt-timeout: 10s
`)
	t.Setenv("BUILD_CACHE_LOCAL_MAX_SIZE", "1GiB")
	t.Setenv("BUILD_CACHE_REMOTE_URL", "https://env.example.com")
	t.Setenv("BUILD_CACHE_REMOTE_PUSH_WORKERS", "8")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	buildcacheconfig.RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--remote-url", "https://flag.example.com"}))

	cfg, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{
		ConfigFile:  configFile,
		Flags:       flags,
		EnvProvider: noEnvs,
	})
	require.NoError(t, err)

	assert.Equal(t, configFile, cfg.File)
	assert.Equal(t, "none", cfg.Compression)
	assert.Equal(t, "/tmp/from-file", cfg.Local.Directory)
	assert.Equal(t, "fail", cfg.Local.FailurePolicy)
	assert.Equal(t, 5, cfg.Remote.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Remote.AttemptTimeout)
	assert.True(t, cfg.Remote.Push)

	assert.Equal(t, buildcacheconfig.ByteSize(1<<30), cfg.Local.MaxSize, "env overrides the file")
	assert.Equal(t, 8, cfg.Remote.PushWorkers)
	assert.Equal(t, "https://flag.example.com", cfg.Remote.URL, "flags override env")
	assert.True(t, cfg.RemoteActive())
}

func TestLoad_EndpointFromBitriseEnv(t *testing.T) {
	envs := map[string]string{
		"BITRISE_BUILD_CACHE_ENDPOINT":   "https://bitrise.example.com",
		"BITRISE_BUILD_CACHE_AUTH_TOKEN": "tok",
	}
	provider := func(k string) string { return envs[k] }

	cfg, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{ConfigFile: writeConfig(t, "enabled: true\n"), EnvProvider: provider})
	require.NoError(t, err)

	assert.Equal(t, "https://bitrise.example.com", cfg.Remote.URL)
	assert.Equal(t, common.CacheAuthConfig{AuthToken: "tok"}, cfg.AuthConfig(provider))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name            string
		config          string
		validationError bool
	}{
		{name: "unknown failure policy", config: "local:\n  failure-policy: explode\n", validationError: true},
		{name: "unknown compression", config: "compression: lz4\n", validationError: true},
		{name: "no attempts", config: "remote:\n  max-attempts: 0\n", validationError: true},
		{name: "wait bounds swapped", config: "remote:\n  retry-wait-min: 10s\n  retry-wait-max: 1s\n", validationError: true},
		{name: "plain http", config: "remote:\n  url: http://cache.example.com\n"},
		{name: "bad size", config: "local:\n  max-size: lots\n"},
		{name: "bad duration", config: "remote:\n  attempt-timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{ConfigFile: writeConfig(t, tt.config), EnvProvider: noEnvs})
			require.Error(t, err)

			var validationErrors validator.ValidationErrors
			assert.Equal(t, tt.validationError, errors.As(err, &validationErrors), err.Error())
		})
	}
}

func TestLoad_InsecureAllowed(t *testing.T) {
	cfg, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{
		ConfigFile:  writeConfig(t, "remote:\n  url: http://cache.local:8080\n  allow-insecure-protocol: true\n"),
		EnvProvider: noEnvs,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://cache.local:8080", cfg.Remote.URL)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"), EnvProvider: noEnvs})
	require.Error(t, err)
}

func TestConfig_AuthConfig(t *testing.T) {
	envs := func(k string) string {
		return map[string]string{"BITRISEIO_BITRISE_SERVICES_ACCESS_TOKEN": "jwt"}[k]
	}

	cfg := buildcacheconfig.Config{Remote: buildcacheconfig.RemoteConfig{Username: "user", Password: "pass"}}
	assert.Equal(t, common.CacheAuthConfig{Username: "user", Password: "pass"}, cfg.AuthConfig(envs))

	cfg.Remote.Username = ""
	assert.Equal(t, common.CacheAuthConfig{AuthToken: "jwt"}, cfg.AuthConfig(envs))
	assert.Equal(t, common.CacheAuthConfig{}, cfg.AuthConfig(noEnvs), "anonymous without credentials")
}

func TestConfig_ServerCredentials(t *testing.T) {
	cfg := buildcacheconfig.Config{}
	assert.Equal(t, common.AuthNone, cfg.ServerCredentials().Scheme)

	cfg.Server.Token = "secret"
	assert.Equal(t, "Bearer secret", cfg.ServerCredentials().Header())

	cfg.Server.Username = "u"
	cfg.Server.Password = "p"
	assert.Equal(t, common.AuthBasic, cfg.ServerCredentials().Scheme)
}

func TestConfig_YAMLRedactsSecrets(t *testing.T) {
	cfg, err := buildcacheconfig.Load(buildcacheconfig.LoadParams{
		ConfigFile:  writeConfig(t, "remote:\n  username: user\n  password: hunter2\n"),
		EnvProvider: noEnvs,
	})
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	local, ok := decoded["local"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "5.0 GB", local["max-size"])
	assert.Equal(t, "168h0m0s", local["remove-unused-entries-after"])
	assert.Equal(t, "hunter2", cfg.Remote.Password, "the loaded config keeps the secret")
}
