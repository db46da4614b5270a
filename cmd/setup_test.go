// nolint: gochecknoglobals
package cmd

import (
	utilsMocks "github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/mock"
)

var mockLogger = &utilsMocks.Logger{}

func init() {
	methods := []string{
		"Infof", "Debugf", "Warnf", "Errorf", "Donef",
		"TInfof", "TDebugf", "TWarnf", "TErrorf", "TDonef",
	}
	for _, method := range methods {
		mockLogger.On(method).Return()
		args := []any{}
		for range 8 {
			args = append(args, mock.Anything)
			mockLogger.On(method, args...).Return()
		}
	}
}

func fakeCommandFunc(name string, _ ...string) (string, error) {
	if name == "uname" {
		return "Linux 6.1.0", nil
	}

	return "", nil
}
