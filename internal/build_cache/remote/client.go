// Package remote talks to a shared build cache over HTTP.
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bitrise-io/build-output-cache/internal/config/common"
	"github.com/bitrise-io/build-output-cache/internal/consts"
)

const (
	// EntryContentType is sent with every uploaded entry.
	EntryContentType = "application/vnd.build-output-cache.entry.v1"
	// ChecksumHeader carries the hex SHA-256 of the entry body.
	ChecksumHeader = "X-Build-Cache-Sha256"
)

// CredentialProvider is asked for credentials before every request, so
// rotated tokens are picked up.
type CredentialProvider interface {
	Credentials(ctx context.Context) (common.Credentials, error)
}

type Client struct {
	httpClient          *retryablehttp.Client
	endpoint            *url.URL
	credentials         CredentialProvider
	cacheConfigMetadata common.CacheConfigMetadata
	invocationID        string
	userAgent           string
	headers             http.Header
	logger              log.Logger
	maxAttempts         int
}

type NewClientParams struct {
	Endpoint            string
	Credentials         CredentialProvider
	CacheConfigMetadata common.CacheConfigMetadata
	InvocationID        string
	Logger              log.Logger
	// MaxAttempts bounds the attempts of one operation, first try included.
	MaxAttempts           int
	AttemptTimeout        time.Duration
	RetryWaitMin          time.Duration
	RetryWaitMax          time.Duration
	Backoff               retryablehttp.Backoff
	MaxConnections        int
	AllowUntrustedServer  bool
	AllowInsecureProtocol bool
	// Headers are added to every request.
	Headers http.Header
	// HTTPClient replaces the pooled client, its Timeout is the attempt timeout.
	HTTPClient *http.Client
}

func NewClient(p NewClientParams) (*Client, error) {
	endpoint, err := ParseEndpointURL(p.Endpoint, p.AllowInsecureProtocol)
	if err != nil {
		return nil, err
	}

	if p.Logger == nil {
		p.Logger = log.NewLogger()
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = consts.RemoteMaxAttemptsDefault
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = consts.RemoteAttemptTimeoutDefault
	}
	if p.RetryWaitMin <= 0 {
		p.RetryWaitMin = consts.RemoteRetryWaitMinDefault
	}
	if p.RetryWaitMax <= 0 {
		p.RetryWaitMax = consts.RemoteRetryWaitMaxDefault
	}
	if p.MaxConnections <= 0 {
		p.MaxConnections = consts.RemoteMaxConnectionsDefault
	}
	if p.Backoff == nil {
		p.Backoff = retryablehttp.DefaultBackoff
	}
	if p.Credentials == nil {
		p.Credentials = common.CacheAuthConfig{}
	}

	httpClient := p.HTTPClient
	if httpClient == nil {
		transport := cleanhttp.DefaultPooledTransport()
		// Callers beyond the limit wait for a free connection, bounded by the attempt timeout.
		transport.MaxConnsPerHost = p.MaxConnections
		transport.MaxIdleConnsPerHost = p.MaxConnections
		if p.AllowUntrustedServer {
			transport.TLSClientConfig = &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: true, //nolint:gosec
			}
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   p.AttemptTimeout,
		}
	}

	logger := p.Logger
	retryClient := retryhttp.NewClient(logger)
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = p.MaxAttempts - 1
	retryClient.RetryWaitMin = p.RetryWaitMin
	retryClient.RetryWaitMax = p.RetryWaitMax
	retryClient.Backoff = p.Backoff
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debugf("Retrying %s %s (attempt %d of %d)", req.Method, req.URL.Redacted(), attempt+1, p.MaxAttempts)
		}
	}

	userAgent := "build-output-cache"
	if p.CacheConfigMetadata.CLIVersion != "" {
		userAgent += "/" + p.CacheConfigMetadata.CLIVersion
	}

	return &Client{
		httpClient:          retryClient,
		endpoint:            endpoint,
		credentials:         p.Credentials,
		cacheConfigMetadata: p.CacheConfigMetadata,
		invocationID:        p.InvocationID,
		userAgent:           userAgent,
		headers:             p.Headers,
		logger:              logger,
		maxAttempts:         p.MaxAttempts,
	}, nil
}

// ParseEndpointURL validates the cache base URL. Plain http is only accepted
// when allowInsecure is set.
func ParseEndpointURL(s string, allowInsecure bool) (*url.URL, error) {
	parsed, err := url.ParseRequestURI(s)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return nil, fmt.Errorf("insecure endpoint %s: use https or allow the insecure protocol", parsed.Redacted())
		}
	default:
		return nil, fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("url %s has no host", s)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint.Redacted()
}

func (c *Client) entryURL(hexKey string) string {
	u := *c.endpoint
	u.Path = u.Path + "/" + hexKey

	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, hexKey string, body []byte) (*retryablehttp.Request, error) {
	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.entryURL(hexKey), rawBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	creds, err := c.credentials.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	if header := creds.Header(); header != "" {
		req.Header.Set("Authorization", header)
	}

	for name, values := range c.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	for name, value := range c.requestMetadata() {
		req.Header.Set(name, value)
	}
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

func (c *Client) requestMetadata() map[string]string {
	md := map[string]string{}

	if c.invocationID != "" {
		md["x-build-invocation-id"] = c.invocationID
	}
	if c.cacheConfigMetadata.BitriseAppID != "" {
		md["x-app-id"] = c.cacheConfigMetadata.BitriseAppID
	}
	if c.cacheConfigMetadata.BitriseBuildID != "" {
		md["x-build-id"] = c.cacheConfigMetadata.BitriseBuildID
	}
	if c.cacheConfigMetadata.BitriseWorkflowName != "" {
		md["x-workflow-name"] = c.cacheConfigMetadata.BitriseWorkflowName
	}
	if c.cacheConfigMetadata.RepoURL != "" {
		md["x-repository-url"] = c.cacheConfigMetadata.RepoURL
	}
	if c.cacheConfigMetadata.CIProvider != "" {
		md["x-ci-provider"] = c.cacheConfigMetadata.CIProvider
	}

	return md
}
