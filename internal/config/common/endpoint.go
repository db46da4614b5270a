package common

// SelectCacheEndpointURL - if endpointURL provided use that, otherwise fall
// back to BITRISE_BUILD_CACHE_ENDPOINT. Empty means no remote cache.
func SelectCacheEndpointURL(endpointURL string, envProvider func(string) string) string {
	if endpointURL == "" {
		endpointURL = envProvider("BITRISE_BUILD_CACHE_ENDPOINT")
	}

	return endpointURL
}
