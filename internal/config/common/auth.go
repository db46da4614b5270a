package common

import (
	"context"
	"encoding/base64"
	"errors"
)

var ErrAuthTokenNotProvided = errors.New("BITRISE_BUILD_CACHE_AUTH_TOKEN or BITRISEIO_BITRISE_SERVICES_ACCESS_TOKEN environment variable not set")

type AuthScheme int

const (
	AuthNone AuthScheme = iota
	AuthBasic
	AuthBearer
)

// Credentials authenticate a single request to the remote cache.
type Credentials struct {
	Scheme   AuthScheme
	Username string
	Password string
	Token    string
}

// Header returns the value of the Authorization header, empty for AuthNone.
func (c Credentials) Header() string {
	switch c.Scheme {
	case AuthBasic:
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
	case AuthBearer:
		return "Bearer " + c.Token
	case AuthNone:
	}

	return ""
}

// CacheAuthConfig holds the auth config for the cache.
type CacheAuthConfig struct {
	AuthToken   string
	WorkspaceID string
	Username    string
	Password    string
}

// Credentials implements the remote client's credential provider. Explicit
// username and password win, a token with a workspace ID is sent as basic
// auth and a bare token as bearer.
func (cac CacheAuthConfig) Credentials(_ context.Context) (Credentials, error) {
	switch {
	case cac.Username != "":
		return Credentials{Scheme: AuthBasic, Username: cac.Username, Password: cac.Password}, nil
	case cac.AuthToken != "" && cac.WorkspaceID != "":
		return Credentials{Scheme: AuthBasic, Username: cac.WorkspaceID, Password: cac.AuthToken}, nil
	case cac.AuthToken != "":
		return Credentials{Scheme: AuthBearer, Token: cac.AuthToken}, nil
	}

	return Credentials{Scheme: AuthNone}, nil
}

// ReadAuthConfigFromEnvironments reads auth information from the environment variables
func ReadAuthConfigFromEnvironments(envProvider func(string) string) (CacheAuthConfig, error) {
	authTokenEnv := envProvider("BITRISE_BUILD_CACHE_AUTH_TOKEN")
	workspaceIDEnv := envProvider("BITRISE_BUILD_CACHE_WORKSPACE_ID")

	if len(authTokenEnv) > 0 {
		return CacheAuthConfig{
			AuthToken:   authTokenEnv,
			WorkspaceID: workspaceIDEnv,
		}, nil
	}

	// Fall back to the JWT which is always available on Bitrise.
	// It already includes the workspace ID.
	if serviceToken := envProvider("BITRISEIO_BITRISE_SERVICES_ACCESS_TOKEN"); len(serviceToken) > 0 {
		return CacheAuthConfig{
			AuthToken: serviceToken,
		}, nil
	}

	return CacheAuthConfig{}, ErrAuthTokenNotProvided
}
