// Package server implements a minimal HTTP build cache server speaking the
// protocol of the remote client, backed by a local store.
package server

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/remote"
	"github.com/bitrise-io/build-output-cache/internal/config/common"
	"github.com/bitrise-io/build-output-cache/internal/consts"
)

const defaultMaxEntrySize = 1 << 30

type Store interface {
	Contains(k key.Key) bool
	Load(k key.Key) outcome.Load
	Store(k key.Key, blob []byte) outcome.Store
	Delete(k key.Key) error
}

type Params struct {
	Store Store
	// Credentials clients must present, AuthNone accepts every request.
	Credentials  common.Credentials
	MaxEntrySize int64
	Logger       log.Logger
	// Registry receives the request metrics and is served on /metrics.
	Registry *prometheus.Registry
}

type handler struct {
	store        Store
	auth         string
	maxEntrySize int64
	logger       log.Logger
	requests     *prometheus.CounterVec
}

// New returns the fiber app serving GET, HEAD and PUT on /<hex key> and
// Prometheus metrics on /metrics.
func New(p Params) (*fiber.App, error) {
	if p.Store == nil {
		return nil, errors.New("store is required")
	}
	if p.Logger == nil {
		p.Logger = log.NewLogger()
	}
	if p.MaxEntrySize <= 0 {
		p.MaxEntrySize = defaultMaxEntrySize
	}
	if p.Registry == nil {
		p.Registry = prometheus.NewRegistry()
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "build_output_cache",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Cache server requests by method and status code.",
	}, []string{"method", "code"})
	if err := p.Registry.Register(requests); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	h := &handler{
		store:        p.Store,
		auth:         p.Credentials.Header(),
		maxEntrySize: p.MaxEntrySize,
		logger:       p.Logger,
		requests:     requests,
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		// Oversized bodies are answered with 413 before they reach the handler.
		BodyLimit: int(min(p.MaxEntrySize+1, int64(^uint(0)>>1))),
	})
	app.Use(recover.New())
	app.Use(h.countRequests)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})))

	app.Get("/:key", h.authenticate, h.get)
	app.Head("/:key", h.authenticate, h.get)
	app.Put("/:key", h.authenticate, h.put)

	return app, nil
}

func (h *handler) countRequests(c fiber.Ctx) error {
	err := c.Next()

	code := c.Response().StatusCode()
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	h.requests.WithLabelValues(c.Method(), strconv.Itoa(code)).Inc()

	return err
}

func (h *handler) authenticate(c fiber.Ctx) error {
	if h.auth == "" {
		return c.Next()
	}
	if subtle.ConstantTimeCompare([]byte(c.Get(fiber.HeaderAuthorization)), []byte(h.auth)) != 1 {
		scheme, _, _ := strings.Cut(h.auth, " ")
		c.Set(fiber.HeaderWWWAuthenticate, scheme+` realm="`+consts.ServerRealm+`"`)

		return c.SendStatus(fiber.StatusUnauthorized)
	}

	return c.Next()
}

func (h *handler) key(c fiber.Ctx) (key.Key, error) {
	k, err := key.Parse(c.Params("key"))
	if err != nil {
		return key.Key{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return k, nil
}

func (h *handler) get(c fiber.Ctx) error {
	k, err := h.key(c)
	if err != nil {
		return err
	}

	res := h.store.Load(k)
	switch res.Status {
	case outcome.LoadHit:
	case outcome.LoadMiss:
		return c.SendStatus(fiber.StatusNotFound)
	case outcome.LoadCorrupt:
		h.logger.Warnf("Removing corrupt entry %s: %s", k, res.Reason())
		if err := h.store.Delete(k); err != nil {
			h.logger.Errorf("Failed to remove corrupt entry %s: %s", k, err)
		}

		return c.SendStatus(fiber.StatusNotFound)
	case outcome.LoadUnavailable:
		h.logger.Errorf("Failed to load %s: %s", k, res.Reason())

		return c.SendStatus(fiber.StatusInternalServerError)
	}

	c.Set(fiber.HeaderContentType, remote.EntryContentType)
	c.Set(remote.ChecksumHeader, digest.SHA256.FromBytes(res.Blob).Encoded())

	return c.Status(fiber.StatusOK).Send(res.Blob)
}

func (h *handler) put(c fiber.Ctx) error {
	k, err := h.key(c)
	if err != nil {
		return err
	}

	// The request body is only valid until the handler returns.
	body := bytes.Clone(c.Body())
	if body == nil {
		body = []byte{}
	}
	if int64(len(body)) > h.maxEntrySize {
		return c.SendStatus(fiber.StatusRequestEntityTooLarge)
	}

	if sum := c.Get(remote.ChecksumHeader); sum != "" {
		expected := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(sum))
		if err := expected.Validate(); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid %s header: %s", remote.ChecksumHeader, err))
		}
		if actual := digest.SHA256.FromBytes(body); actual != expected {
			return fiber.NewError(fiber.StatusBadRequest, "checksum mismatch")
		}
	}

	if h.store.Contains(k) {
		return c.SendStatus(fiber.StatusConflict)
	}

	res := h.store.Store(k, body)
	switch res.Status {
	case outcome.StoreStored:
		h.logger.Debugf("Stored %s (%s)", k, humanize.Bytes(uint64(len(body))))

		return c.SendStatus(fiber.StatusCreated)
	case outcome.StoreSkipped:
		return c.SendStatus(fiber.StatusRequestEntityTooLarge)
	case outcome.StoreFailed, outcome.StoreUnavailable, outcome.StoreScheduled:
	}
	h.logger.Errorf("Failed to store %s: %s", k, res.Reason())

	return c.SendStatus(fiber.StatusInternalServerError)
}
