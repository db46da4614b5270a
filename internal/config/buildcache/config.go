// Package buildcacheconfig loads the build cache configuration from a config
// file, BUILD_CACHE_ environment variables and command line flags.
package buildcacheconfig

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/bitrise-io/build-output-cache/internal/config/common"
)

const (
	EnvPrefix      = "BUILD_CACHE"
	ConfigFileName = "build-output-cache"

	redacted = "[REDACTED]"
)

// ByteSize is a size in bytes that also accepts humanized values like "5GB".
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b)) //nolint:gosec
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Compression of packed entries, zstd or none.
	Compression string       `mapstructure:"compression" yaml:"compression" validate:"oneof=zstd none"`
	Local       LocalConfig  `mapstructure:"local" yaml:"local"`
	Remote      RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Server      ServerConfig `mapstructure:"server" yaml:"server"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

type LocalConfig struct {
	Enabled                  bool          `mapstructure:"enabled" yaml:"enabled"`
	Directory                string        `mapstructure:"directory" yaml:"directory" validate:"required_if=Enabled true"`
	MaxSize                  ByteSize      `mapstructure:"max-size" yaml:"max-size" validate:"gte=0"`
	RemoveUnusedEntriesAfter time.Duration `mapstructure:"remove-unused-entries-after" yaml:"remove-unused-entries-after" validate:"gte=0"`
	FailurePolicy            string        `mapstructure:"failure-policy" yaml:"failure-policy" validate:"oneof=warn fail"`
}

type RemoteConfig struct {
	Enabled                 bool          `mapstructure:"enabled" yaml:"enabled"`
	URL                     string        `mapstructure:"url" yaml:"url"`
	Push                    bool          `mapstructure:"push" yaml:"push"`
	AsyncPush               bool          `mapstructure:"async-push" yaml:"async-push"`
	PushWorkers             int           `mapstructure:"push-workers" yaml:"push-workers" validate:"gte=1,lte=256"`
	MaxAttempts             int           `mapstructure:"max-attempts" yaml:"max-attempts" validate:"gte=1,lte=20"`
	AttemptTimeout          time.Duration `mapstructure:"attempt-timeout" yaml:"attempt-timeout" validate:"gt=0"`
	RetryWaitMin            time.Duration `mapstructure:"retry-wait-min" yaml:"retry-wait-min" validate:"gt=0"`
	RetryWaitMax            time.Duration `mapstructure:"retry-wait-max" yaml:"retry-wait-max" validate:"gtefield=RetryWaitMin"`
	MaxConnections          int           `mapstructure:"max-connections" yaml:"max-connections" validate:"gte=1"`
	DegradeAfterUnavailable int           `mapstructure:"degrade-after-unavailable" yaml:"degrade-after-unavailable" validate:"gte=1"`
	AllowUntrustedServer    bool          `mapstructure:"allow-untrusted-server" yaml:"allow-untrusted-server"`
	AllowInsecureProtocol   bool          `mapstructure:"allow-insecure-protocol" yaml:"allow-insecure-protocol"`
	Username                string        `mapstructure:"username" yaml:"username,omitempty"`
	Password                string        `mapstructure:"password" yaml:"password,omitempty"`
}

// ServerConfig configures the reference cache server started by serve.
type ServerConfig struct {
	Listen       string   `mapstructure:"listen" yaml:"listen" validate:"required,hostname_port"`
	Directory    string   `mapstructure:"directory" yaml:"directory" validate:"required"`
	MaxSize      ByteSize `mapstructure:"max-size" yaml:"max-size" validate:"gte=0"`
	MaxEntrySize ByteSize `mapstructure:"max-entry-size" yaml:"max-entry-size" validate:"gt=0"`
	Username     string   `mapstructure:"username" yaml:"username,omitempty"`
	Password     string   `mapstructure:"password" yaml:"password,omitempty"`
	Token        string   `mapstructure:"token" yaml:"token,omitempty"`
}

// LocalActive reports whether the local cache takes part in loads and stores.
func (c Config) LocalActive() bool {
	return c.Enabled && c.Local.Enabled
}

// RemoteActive reports whether a remote cache is configured and enabled.
func (c Config) RemoteActive() bool {
	return c.Enabled && c.Remote.Enabled && c.Remote.URL != ""
}

// AuthConfig returns the remote credentials. Explicit username and password
// win over the BITRISE_BUILD_CACHE_* environment, no credentials at all mean
// anonymous access.
func (c Config) AuthConfig(envProvider func(string) string) common.CacheAuthConfig {
	if c.Remote.Username != "" {
		return common.CacheAuthConfig{Username: c.Remote.Username, Password: c.Remote.Password}
	}

	authConfig, err := common.ReadAuthConfigFromEnvironments(envProvider)
	if err != nil {
		return common.CacheAuthConfig{}
	}

	return authConfig
}

// ServerCredentials returns what clients of the reference server must send.
func (c Config) ServerCredentials() common.Credentials {
	switch {
	case c.Server.Username != "":
		return common.Credentials{Scheme: common.AuthBasic, Username: c.Server.Username, Password: c.Server.Password}
	case c.Server.Token != "":
		return common.Credentials{Scheme: common.AuthBearer, Token: c.Server.Token}
	}

	return common.Credentials{Scheme: common.AuthNone}
}

// YAML renders the effective configuration with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	if c.Remote.Password != "" {
		c.Remote.Password = redacted
	}
	if c.Server.Password != "" {
		c.Server.Password = redacted
	}
	if c.Server.Token != "" {
		c.Server.Token = redacted
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	return out, nil
}
