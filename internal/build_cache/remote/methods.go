package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
)

const (
	maxPreallocatedBody = 64 << 20
	maxErrorBodySnippet = 512
)

var (
	errIncompleteBody   = errors.New("incomplete response body")
	errChecksumMismatch = errors.New("response checksum mismatch")
)

// Load downloads the entry stored under k. A body that does not match its
// Content-Length or checksum header fails the attempt and is retried.
func (c *Client) Load(ctx context.Context, k key.Key) outcome.Load {
	req, err := c.newRequest(ctx, http.MethodGet, k.String(), nil)
	if err != nil {
		return outcome.UnavailableLoad(fmt.Errorf("%w: %w: %w", outcome.ErrUnavailable, outcome.ErrNonTransient, err))
	}
	req.Header.Set("Accept", EntryContentType+", */*")

	var blob []byte
	req.SetResponseHandler(func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return nil
		}
		body, err := readEntryBody(resp)
		if err != nil {
			return err
		}
		blob = body

		return nil
	})

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return outcome.UnavailableLoad(c.transportError(ctx, err))
	}

	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Debugf("Remote cache hit for %s (%d bytes)", k, len(blob))

		return outcome.Hit(blob)
	case http.StatusNotFound:
		return outcome.Miss()
	}

	return outcome.UnavailableLoad(statusError(resp))
}

// Store uploads blob under k. The server may answer 409 when it already has
// the entry, that counts as success.
func (c *Client) Store(ctx context.Context, k key.Key, blob []byte) outcome.Store {
	if blob == nil {
		blob = []byte{}
	}
	req, err := c.newRequest(ctx, http.MethodPut, k.String(), blob)
	if err != nil {
		return outcome.UnavailableStore(fmt.Errorf("%w: %w: %w", outcome.ErrUnavailable, outcome.ErrNonTransient, err))
	}
	req.Header.Set("Content-Type", EntryContentType)
	req.Header.Set(ChecksumHeader, digest.SHA256.FromBytes(blob).Encoded())

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return outcome.UnavailableStore(c.transportError(ctx, err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Debugf("Uploaded %s to remote cache (%d bytes)", k, len(blob))

		return outcome.Stored()
	case resp.StatusCode == http.StatusConflict:
		return outcome.Skipped(fmt.Errorf("%s: %w", k, outcome.ErrAlreadyExists))
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return outcome.Skipped(fmt.Errorf("%s (%d bytes): %w", k, len(blob), outcome.ErrEntryTooLarge))
	}

	return outcome.UnavailableStore(statusError(resp))
}

func readEntryBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close() //nolint:errcheck

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(min(resp.ContentLength, maxPreallocatedBody)))
	}
	n, err := io.Copy(&buf, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, fmt.Errorf("%w: got %d of %d bytes", errIncompleteBody, n, resp.ContentLength)
	}

	if sum := resp.Header.Get(ChecksumHeader); sum != "" {
		expected := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(sum))
		if err := expected.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s header: %w", ChecksumHeader, err)
		}
		if actual := digest.SHA256.FromBytes(buf.Bytes()); actual != expected {
			return nil, fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, expected.Encoded(), actual.Encoded())
		}
	}

	return buf.Bytes(), nil
}

// checkRetry treats connection errors, timeouts, 408, 429 and 5xx other than
// 501 as transient. Certificate errors, redirect loops and other 4xx are not
// retried.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err() //nolint:wrapcheck
	}
	if err == nil && resp != nil && resp.StatusCode == http.StatusRequestTimeout {
		return true, fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err) //nolint:wrapcheck
}

func (c *Client) transportError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", outcome.ErrUnavailable, ctx.Err())
	case isTerminalTransportError(err):
		return fmt.Errorf("%w: %w: %w", outcome.ErrUnavailable, outcome.ErrNonTransient, err)
	}

	return fmt.Errorf("%w: giving up after %d attempts: %w", outcome.ErrUnavailable, c.maxAttempts, err)
}

func isTerminalTransportError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidCert) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "stopped after") && strings.Contains(msg, "redirects") ||
		strings.Contains(msg, "unsupported protocol scheme")
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySnippet))
	err := fmt.Errorf("HTTP %d", resp.StatusCode)
	if msg := strings.TrimSpace(string(snippet)); msg != "" {
		err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w: %w", outcome.ErrUnavailable, outcome.ErrAuthenticationRejected, err)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w: %w", outcome.ErrUnavailable, outcome.ErrNonTransient, err)
	}

	return fmt.Errorf("%w: %w", outcome.ErrUnavailable, err)
}
