package consts

import "time"

const (
	// Local cache
	LocalCacheDirectoryDefault = "~/.cache/build-output-cache"
	LocalCacheMaxSizeDefault   = "5GB"
	RemoveUnusedEntriesAfter   = 7 * 24 * time.Hour
	// Temp files of writes in progress are younger than this.
	StaleTempFileAge           = time.Hour

	// Remote cache
	RemoteMaxAttemptsDefault    = 3
	RemoteAttemptTimeoutDefault = 30 * time.Second
	RemoteRetryWaitMinDefault   = 500 * time.Millisecond
	RemoteRetryWaitMaxDefault   = 5 * time.Second
	RemoteMaxConnectionsDefault = 16
	RemotePushWorkersDefault    = 4
	DegradeAfterUnavailable     = 3

	// Reference cache server
	ServerListenDefault       = ":8080"
	ServerDirectoryDefault    = "~/.cache/build-output-cache-server"
	ServerMaxSizeDefault      = "10GB"
	ServerMaxEntrySizeDefault = "1GB"
	ServerRealm               = "build-output-cache"
)
