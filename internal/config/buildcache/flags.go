package buildcacheconfig

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to configuration keys.
//
//nolint:gochecknoglobals
var flagKeys = map[string]string{
	"cache-dir":      "local.directory",
	"max-size":       "local.max-size",
	"failure-policy": "local.failure-policy",
	"remote-url":     "remote.url",
	"push":           "remote.push",
	"compression":    "compression",
}

// RegisterFlags adds the flags Load understands to fs. Flags only override
// the other sources when set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("cache-dir", "", "Local cache directory")
	fs.String("max-size", "", "Local cache size limit, e.g. 5GB")
	fs.String("failure-policy", "", "What to do when the local cache fails: warn or fail")
	fs.String("remote-url", "", "Remote cache base URL")
	fs.Bool("push", false, "Store entries to the remote cache too")
	fs.String("compression", "", "Compression of packed entries: zstd or none")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, configKey := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(configKey, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}
