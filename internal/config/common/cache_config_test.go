package common

import (
	"errors"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
)

func fakeCommandFunc(outputs map[string]string) CommandFunc {
	return func(name string, args ...string) (string, error) {
		cmd := strings.Join(append([]string{name}, args...), " ")
		if out, ok := outputs[cmd]; ok {
			return out, nil
		}

		return "", errors.New("command not found: " + cmd)
	}
}

func TestNewMetadata(t *testing.T) {
	tests := []struct {
		name     string
		envs     map[string]string
		commands map[string]string
		want     CacheConfigMetadata
	}{
		{
			name: "Unknown CI provider",
			envs: map[string]string{},
			want: CacheConfigMetadata{},
		},
		{
			name: "Bitrise CI",
			envs: map[string]string{
				"BITRISE_IO":                       "true",
				"GIT_REPOSITORY_URL":               "git/repo/url",
				"BITRISE_APP_SLUG":                 "BitriseAppID1",
				"BITRISE_BUILD_SLUG":               "BitriseBuildID1",
				"BITRISE_TRIGGERED_WORKFLOW_TITLE": "BitriseWorkflowName1",
				"BITRISE_STEP_EXECUTION_ID":        "BitriseStepID1",
				"BUILD_OUTPUT_CACHE_CLI_VERSION":   "v1.2.3",
			},
			want: CacheConfigMetadata{
				CIProvider:             CIProviderBitrise,
				CLIVersion:             "v1.2.3",
				RepoURL:                "git/repo/url",
				BitriseAppID:           "BitriseAppID1",
				BitriseBuildID:         "BitriseBuildID1",
				BitriseWorkflowName:    "BitriseWorkflowName1",
				BitriseStepExecutionID: "BitriseStepID1",
			},
		},
		{
			name: "CircleCI",
			envs: map[string]string{
				"CIRCLECI":              "true",
				"CIRCLE_REPOSITORY_URL": "git/repo/url",
				"BITRISE_APP_SLUG":      "ignored outside Bitrise",
			},
			want: CacheConfigMetadata{
				CIProvider: CIProviderCircleCI,
				RepoURL:    "git/repo/url",
			},
		},
		{
			name: "GitHub Actions with git remote",
			envs: map[string]string{
				"GITHUB_ACTIONS": "true",
			},
			commands: map[string]string{
				"git config --get remote.origin.url": "git@github.com:org/repo.git\n",
				"uname -sr":                          "Linux 6.1.0",
			},
			want: CacheConfigMetadata{
				CIProvider:   CIProviderGitHubActions,
				RepoURL:      "git@github.com:org/repo.git",
				HostMetadata: HostMetadata{OS: "Linux 6.1.0"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewMetadata(tt.envs, fakeCommandFunc(tt.commands), log.NewLogger())

			assert.NotEmpty(t, got.HostMetadata.Hostname)
			// Hostname and user depend on the machine running the test.
			got.HostMetadata.Hostname = ""
			got.HostMetadata.Username = ""
			assert.Equal(t, tt.want, got)
		})
	}
}
