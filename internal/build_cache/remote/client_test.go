package remote_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/remote"
	"github.com/bitrise-io/build-output-cache/internal/config/common"
)

type countingCredentials struct {
	calls atomic.Int32
	creds common.CacheAuthConfig
	err   error
}

func (c *countingCredentials) Credentials(ctx context.Context) (common.Credentials, error) {
	c.calls.Add(1)
	if c.err != nil {
		return common.Credentials{}, c.err
	}

	return c.creds.Credentials(ctx)
}

func newClient(t *testing.T, serverURL string, modify func(p *remote.NewClientParams)) *remote.Client {
	t.Helper()

	params := remote.NewClientParams{
		Endpoint:              serverURL + "/cache/",
		Logger:                log.NewLogger(),
		MaxAttempts:           3,
		RetryWaitMin:          time.Millisecond,
		RetryWaitMax:          20 * time.Millisecond,
		AllowInsecureProtocol: true,
		InvocationID:          "invocation-1",
	}
	if modify != nil {
		modify(&params)
	}

	client, err := remote.NewClient(params)
	require.NoError(t, err)

	return client
}

func testKey() key.Key {
	return key.Sum([]byte("remote-test"))
}

func TestClient_LoadHitAndMiss(t *testing.T) {
	k := testKey()
	blob := []byte("entry-bytes")

	var gotRequest *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequest = r.Clone(context.Background())
		if r.URL.Path != "/cache/"+k.String() {
			w.WriteHeader(http.StatusNotFound)

			return
		}
		w.Header().Set(remote.ChecksumHeader, digest.SHA256.FromBytes(blob).Encoded())
		_, _ = w.Write(blob)
	}))
	defer server.Close()

	creds := &countingCredentials{creds: common.CacheAuthConfig{AuthToken: "tok"}}
	client := newClient(t, server.URL, func(p *remote.NewClientParams) {
		p.Credentials = creds
		p.CacheConfigMetadata = common.CacheConfigMetadata{CIProvider: common.CIProviderBitrise, BitriseBuildID: "build-1", CLIVersion: "v1.0.0"}
	})

	res := client.Load(context.Background(), k)
	require.Equal(t, outcome.LoadHit, res.Status, res.Reason())
	assert.Equal(t, blob, res.Blob)
	assert.Equal(t, http.MethodGet, gotRequest.Method)
	assert.Equal(t, "Bearer tok", gotRequest.Header.Get("Authorization"))
	assert.Equal(t, "invocation-1", gotRequest.Header.Get("x-build-invocation-id"))
	assert.Equal(t, "build-1", gotRequest.Header.Get("x-build-id"))
	assert.Equal(t, common.CIProviderBitrise, gotRequest.Header.Get("x-ci-provider"))
	assert.Equal(t, "build-output-cache/v1.0.0", gotRequest.Header.Get("User-Agent"))

	res = client.Load(context.Background(), key.Sum([]byte("other")))
	assert.Equal(t, outcome.LoadMiss, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, int32(2), creds.calls.Load(), "credentials are resolved for every request")
}

func TestClient_Store(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus outcome.StoreStatus
		wantErr    error
	}{
		{name: "created", status: http.StatusCreated, wantStatus: outcome.StoreStored},
		{name: "ok", status: http.StatusOK, wantStatus: outcome.StoreStored},
		{name: "already present", status: http.StatusConflict, wantStatus: outcome.StoreSkipped, wantErr: outcome.ErrAlreadyExists},
		{name: "too large", status: http.StatusRequestEntityTooLarge, wantStatus: outcome.StoreSkipped, wantErr: outcome.ErrEntryTooLarge},
		{name: "forbidden", status: http.StatusForbidden, wantStatus: outcome.StoreUnavailable, wantErr: outcome.ErrAuthenticationRejected},
		{name: "bad request", status: http.StatusBadRequest, wantStatus: outcome.StoreUnavailable, wantErr: outcome.ErrNonTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := []byte("upload me")
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.Equal(t, http.MethodPut, r.Method)
				assert.Equal(t, blob, body)
				assert.Equal(t, remote.EntryContentType, r.Header.Get("Content-Type"))
				assert.Equal(t, digest.SHA256.FromBytes(blob).Encoded(), r.Header.Get(remote.ChecksumHeader))
				assert.Equal(t, int64(len(blob)), r.ContentLength)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			res := newClient(t, server.URL, nil).Store(context.Background(), testKey(), blob)

			assert.Equal(t, tt.wantStatus, res.Status)
			if tt.wantErr != nil {
				require.ErrorIs(t, res.Err, tt.wantErr)
			}
			assert.Equal(t, int32(1), attempts.Load(), "non-transient answers are not retried")
		})
	}
}

func TestClient_RetryCeilingOnTimeouts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		<-r.Context().Done()
	}))
	defer server.Close()

	var mu sync.Mutex
	var waits []time.Duration
	client := newClient(t, server.URL, func(p *remote.NewClientParams) {
		p.HTTPClient = &http.Client{Timeout: 50 * time.Millisecond}
		p.Backoff = func(minWait, maxWait time.Duration, attemptNum int, resp *http.Response) time.Duration {
			d := retryablehttp.DefaultBackoff(minWait, maxWait, attemptNum, resp)
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()

			return d
		}
	})

	res := client.Load(context.Background(), testKey())

	assert.Equal(t, outcome.LoadUnavailable, res.Status)
	require.ErrorIs(t, res.Err, outcome.ErrUnavailable)
	assert.False(t, outcome.IsNonTransient(res.Err))
	assert.Equal(t, int32(3), attempts.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, waits, 2)
	assert.Greater(t, waits[1], waits[0], "backoff grows between attempts")
}

func TestClient_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer server.Close()

	res := newClient(t, server.URL, nil).Load(context.Background(), testKey())

	require.Equal(t, outcome.LoadHit, res.Status, res.Reason())
	assert.Equal(t, []byte("finally"), res.Blob)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_ExhaustedServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	res := newClient(t, server.URL, nil).Store(context.Background(), testKey(), []byte("x"))

	assert.Equal(t, outcome.StoreUnavailable, res.Status)
	require.ErrorIs(t, res.Err, outcome.ErrUnavailable)
	assert.False(t, outcome.IsNonTransient(res.Err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_AuthRejectedIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	res := newClient(t, server.URL, nil).Load(context.Background(), testKey())

	assert.Equal(t, outcome.LoadUnavailable, res.Status)
	require.ErrorIs(t, res.Err, outcome.ErrAuthenticationRejected)
	assert.Contains(t, res.Reason(), "token expired")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_DiscardsPartialDownloads(t *testing.T) {
	blob := []byte("the full entry body")

	tests := []struct {
		name        string
		badResponse func(w http.ResponseWriter)
	}{
		{
			name: "truncated body",
			badResponse: func(w http.ResponseWriter) {
				w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
				_, _ = w.Write(blob[:5])
			},
		},
		{
			name: "checksum mismatch",
			badResponse: func(w http.ResponseWriter) {
				w.Header().Set(remote.ChecksumHeader, digest.SHA256.FromString("something else").Encoded())
				_, _ = w.Write(blob)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if attempts.Add(1) == 1 {
					tt.badResponse(w)

					return
				}
				w.Header().Set(remote.ChecksumHeader, digest.SHA256.FromBytes(blob).Encoded())
				_, _ = w.Write(blob)
			}))
			defer server.Close()

			res := newClient(t, server.URL, nil).Load(context.Background(), testKey())

			require.Equal(t, outcome.LoadHit, res.Status, res.Reason())
			assert.Equal(t, blob, res.Blob)
			assert.Equal(t, int32(2), attempts.Load())
		})
	}
}

func TestClient_CredentialFailureIsNonTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	}))
	defer server.Close()

	client := newClient(t, server.URL, func(p *remote.NewClientParams) {
		p.Credentials = &countingCredentials{err: errors.New("keychain locked")}
	})

	res := client.Load(context.Background(), testKey())
	assert.Equal(t, outcome.LoadUnavailable, res.Status)
	assert.True(t, outcome.IsNonTransient(res.Err))
}

func TestClient_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := newClient(t, server.URL, nil).Load(ctx, testKey())

	assert.Equal(t, outcome.LoadUnavailable, res.Status)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestParseEndpointURL(t *testing.T) {
	tests := []struct {
		input         string
		allowInsecure bool
		want          string
		wantErr       bool
	}{
		{input: "https://cache.example.com/", want: "https://cache.example.com"},
		{input: "https://cache.example.com/base/", want: "https://cache.example.com/base"},
		{input: "http://localhost:8080", allowInsecure: true, want: "http://localhost:8080"},
		{input: "http://localhost:8080", wantErr: true},
		{input: "grpcs://cache.example.com", wantErr: true},
		{input: "not a url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s insecure=%t", tt.input, tt.allowInsecure), func(t *testing.T) {
			got, err := remote.ParseEndpointURL(tt.input, tt.allowInsecure)
			if tt.wantErr {
				require.Error(t, err)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSuffix(got.String(), "/"))
		})
	}
}
