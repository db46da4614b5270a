package common

import (
	"github.com/bitrise-io/go-utils/v2/command"
)

// NewCommandFunc runs commands through the go-utils command factory and
// returns their trimmed output.
func NewCommandFunc(factory command.Factory) CommandFunc {
	return func(name string, args ...string) (string, error) {
		return factory.Create(name, args, nil).RunAndReturnTrimmedOutput() //nolint:wrapcheck
	}
}
