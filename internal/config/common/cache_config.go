package common

import (
	"os"
	"os/user"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

type CacheConfigMetadata struct {
	CIProvider   string
	CLIVersion   string
	RepoURL      string
	HostMetadata HostMetadata
	// BitriseCI specific
	BitriseAppID           string
	BitriseWorkflowName    string
	BitriseBuildID         string
	BitriseStepExecutionID string
}

const (
	// CIProviderBitrise ...
	CIProviderBitrise = "bitrise"
	// CIProviderCircleCI ...
	CIProviderCircleCI = "circle-ci"
	// CIProviderGitHubActions ...
	CIProviderGitHubActions = "github-actions"
)

type CommandFunc func(string, ...string) (string, error)

func detectCIProvider(envs map[string]string) string {
	if envs["BITRISE_IO"] != "" {
		// https://devcenter.bitrise.io/en/references/available-environment-variables.html
		return CIProviderBitrise
	}
	if envs["CIRCLECI"] != "" {
		// https://circleci.com/docs/variables/#built-in-environment-variables
		return CIProviderCircleCI
	}
	if envs["GITHUB_ACTIONS"] != "" {
		// https://docs.github.com/en/actions/learn-github-actions/variables#default-environment-variables
		return CIProviderGitHubActions
	}

	return ""
}

// HostMetadata identifies the machine that produced a cache entry.
type HostMetadata struct {
	OS       string
	Hostname string
	Username string
}

// NewMetadata creates a new CacheConfigMetadata instance based on the environment variables.
func NewMetadata(envs map[string]string, commandFunc CommandFunc, logger log.Logger) CacheConfigMetadata {
	metadata := CacheConfigMetadata{
		CIProvider:   detectCIProvider(envs),
		CLIVersion:   envs["BUILD_OUTPUT_CACHE_CLI_VERSION"],
		RepoURL:      detectRepoURL(envs, commandFunc, logger),
		HostMetadata: generateHostMetadata(commandFunc, logger),
	}

	if metadata.CIProvider == CIProviderBitrise {
		metadata.BitriseAppID = envs["BITRISE_APP_SLUG"]
		metadata.BitriseWorkflowName = envs["BITRISE_TRIGGERED_WORKFLOW_TITLE"]
		metadata.BitriseBuildID = envs["BITRISE_BUILD_SLUG"]
		metadata.BitriseStepExecutionID = envs["BITRISE_STEP_EXECUTION_ID"]
	}

	return metadata
}

func detectRepoURL(envs map[string]string, commandFunc CommandFunc, logger log.Logger) string {
	repoURL, err := commandFunc("git", "config", "--get", "remote.origin.url")
	if err != nil {
		logger.Debugf("Error in get git repo URL: %v", err)
		repoURL = envs["GIT_REPOSITORY_URL"]
	}
	if repoURL == "" {
		repoURL = envs["CIRCLE_REPOSITORY_URL"]
	}

	return strings.TrimSpace(repoURL)
}

func generateHostMetadata(commandFunc CommandFunc, logger log.Logger) HostMetadata {
	metadata := HostMetadata{}

	// OS
	detectedOS, err := commandFunc("uname", "-sr")
	if err != nil {
		logger.Debugf("Error in get OS: %v", err)
	}
	metadata.OS = strings.TrimSpace(detectedOS)

	// Hostname
	hostname, err := os.Hostname()
	if err != nil {
		logger.Debugf("Error in get hostname: %v", err)
	}
	metadata.Hostname = strings.TrimSpace(hostname)

	// Username
	u, err := user.Current()
	if err != nil {
		logger.Debugf("Error in get username: %v", err)
	} else {
		metadata.Username = strings.TrimSpace(u.Username)
	}

	return metadata
}
