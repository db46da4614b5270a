package server_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofiber/fiber/v3"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/local"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	remoteclient "github.com/bitrise-io/build-output-cache/internal/build_cache/remote"
	"github.com/bitrise-io/build-output-cache/internal/config/common"
	"github.com/bitrise-io/build-output-cache/internal/server"
)

func newApp(t *testing.T, modify func(p *server.Params)) (*fiber.App, *local.Store) {
	t.Helper()

	store, err := local.New(local.Params{Directory: t.TempDir(), Logger: log.NewLogger()})
	require.NoError(t, err)

	params := server.Params{Store: store, MaxEntrySize: 1024, Logger: log.NewLogger()}
	if modify != nil {
		modify(&params)
	}
	app, err := server.New(params)
	require.NoError(t, err)

	return app, store
}

func do(t *testing.T, app *fiber.App, method, target string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, respBody
}

func TestServer_PutGetHead(t *testing.T) {
	app, _ := newApp(t, nil)
	k := key.Sum([]byte("server"))
	blob := []byte("entry bytes")
	path := "/" + k.String()

	resp, _ := do(t, app, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPut, path, blob, map[string]string{
		remoteclient.ChecksumHeader: digest.SHA256.FromBytes(blob).Encoded(),
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPut, path, blob, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := do(t, app, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, blob, body)
	assert.Equal(t, digest.SHA256.FromBytes(blob).Encoded(), resp.Header.Get(remoteclient.ChecksumHeader))
	assert.Equal(t, remoteclient.EntryContentType, resp.Header.Get("Content-Type"))

	resp, body = do(t, app, http.MethodHead, path, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestServer_RejectsBadRequests(t *testing.T) {
	app, store := newApp(t, nil)
	k := key.Sum([]byte("bad"))

	resp, _ := do(t, app, http.MethodGet, "/not-hex", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPut, "/"+k.String(), []byte("abc"), map[string]string{
		remoteclient.ChecksumHeader: digest.SHA256.FromString("something else").Encoded(),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, store.Contains(k))

	resp, _ = do(t, app, http.MethodPut, "/"+k.String(), bytes.Repeat([]byte("x"), 2048), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.False(t, store.Contains(k))
}

func TestServer_Authentication(t *testing.T) {
	app, _ := newApp(t, func(p *server.Params) {
		p.Credentials = common.Credentials{Scheme: common.AuthBearer, Token: "secret"}
	})
	path := "/" + key.Sum([]byte("auth")).String()

	resp, _ := do(t, app, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Bearer realm="build-output-cache"`, resp.Header.Get("WWW-Authenticate"))

	resp, _ = do(t, app, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, app, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CorruptEntryIsRemoved(t *testing.T) {
	app, store := newApp(t, nil)
	k := key.Sum([]byte("corrupt"))
	require.Equal(t, outcome.StoreStored, store.Store(k, []byte("payload")).Status)

	p := filepath.Join(store.Directory(), k.String())
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p, data, 0o600))

	resp, _ := do(t, app, http.MethodGet, "/"+k.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, store.Contains(k))
}

func TestServer_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	app, _ := newApp(t, func(p *server.Params) { p.Registry = registry })

	do(t, app, http.MethodGet, "/"+key.Sum([]byte("m")).String(), nil, nil)

	resp, body := do(t, app, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `build_output_cache_server_requests_total{code="404",method="GET"} 1`)
}

func TestServer_WithRemoteClient(t *testing.T) {
	app, _ := newApp(t, func(p *server.Params) {
		p.Credentials = common.Credentials{Scheme: common.AuthBasic, Username: "ws", Password: "tok"}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to listen: %v", err)
	}
	go func() {
		_ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	defer app.Shutdown() //nolint:errcheck

	client, err := remoteclient.NewClient(remoteclient.NewClientParams{
		Endpoint:              "http://" + ln.Addr().String(),
		Credentials:           common.CacheAuthConfig{AuthToken: "tok", WorkspaceID: "ws"},
		Logger:                log.NewLogger(),
		AllowInsecureProtocol: true,
		RetryWaitMin:          time.Millisecond,
		RetryWaitMax:          10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	k := key.Sum([]byte("integration"))
	blob := []byte(strings.Repeat("cached output ", 10))

	assert.Equal(t, outcome.LoadMiss, client.Load(ctx, k).Status)
	assert.Equal(t, outcome.StoreStored, client.Store(ctx, k, blob).Status)

	res := client.Store(ctx, k, blob)
	assert.Equal(t, outcome.StoreSkipped, res.Status)
	require.ErrorIs(t, res.Err, outcome.ErrAlreadyExists)

	loaded := client.Load(ctx, k)
	require.Equal(t, outcome.LoadHit, loaded.Status, loaded.Reason())
	assert.Equal(t, blob, loaded.Blob)
}
