// Package buildcache combines the local and the remote cache into the tiered
// cache used by build tasks.
package buildcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/consts"
)

var (
	errBackendDisabled = errors.New("backend disabled")
	errBackendDegraded = errors.New("backend degraded")
	errPushDisabled    = errors.New("remote push disabled")
	errPushInFlight    = errors.New("push of the same key already in flight")
	errClosed          = errors.New("controller closed")
)

type LocalStore interface {
	Load(k key.Key) outcome.Load
	Store(k key.Key, blob []byte) outcome.Store
	Delete(k key.Key) error
}

type RemoteStore interface {
	Load(ctx context.Context, k key.Key) outcome.Load
	Store(ctx context.Context, k key.Key, blob []byte) outcome.Store
}

type FailurePolicy string

const (
	// WarnAndContinue logs local store failures and carries on as on a miss.
	WarnAndContinue FailurePolicy = "warn"
	// FailFast returns local store failures to the caller.
	FailFast FailurePolicy = "fail"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case WarnAndContinue, FailFast:
		return p, nil
	case "":
		return WarnAndContinue, nil
	}

	return "", fmt.Errorf("unknown failure policy %q, use %q or %q", s, WarnAndContinue, FailFast)
}

type ControllerParams struct {
	// Local and Remote are optional, a nil store leaves the backend Disabled.
	Local  LocalStore
	Remote RemoteStore
	// PushEnabled allows storing to the remote cache.
	PushEnabled bool
	// AsyncPush runs remote stores on background workers.
	AsyncPush   bool
	PushWorkers int

	LocalFailurePolicy      FailurePolicy
	DegradeAfterUnavailable int

	Logger       log.Logger
	Metrics      *Metrics
	InvocationID string
}

type StoreResult struct {
	Local  outcome.Store
	Remote outcome.Store
}

type States struct {
	Local  BackendState
	Remote BackendState
}

// Controller is safe for concurrent use.
type Controller struct {
	localStore  LocalStore
	remoteStore RemoteStore
	local       *backend
	remote      *backend

	pushEnabled   bool
	asyncPush     bool
	failurePolicy FailurePolicy
	invocationID  string
	logger        log.Logger
	metrics       *Metrics

	localStats  *statsCollector
	remoteStats *statsCollector

	loads singleflight.Group

	workers  *semaphore.Weighted
	bgCtx    context.Context //nolint:containedctx
	bgCancel context.CancelFunc
	pushes   sync.WaitGroup
	pushMu   sync.Mutex
	inflight map[key.Key]struct{}
	closed   bool
}

func NewController(params ControllerParams) (*Controller, error) {
	if params.Logger == nil {
		params.Logger = log.NewLogger()
	}
	if params.DegradeAfterUnavailable <= 0 {
		params.DegradeAfterUnavailable = consts.DegradeAfterUnavailable
	}
	if params.PushWorkers <= 0 {
		params.PushWorkers = consts.RemotePushWorkersDefault
	}
	policy, err := ParseFailurePolicy(string(params.LocalFailurePolicy))
	if err != nil {
		return nil, err
	}
	if params.InvocationID == "" {
		params.InvocationID = uuid.NewString()
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	c := &Controller{
		localStore:    params.Local,
		remoteStore:   params.Remote,
		local:         newBackend(backendLocal, params.Local != nil, params.DegradeAfterUnavailable, params.Logger, params.Metrics),
		remote:        newBackend(backendRemote, params.Remote != nil, params.DegradeAfterUnavailable, params.Logger, params.Metrics),
		pushEnabled:   params.PushEnabled,
		asyncPush:     params.AsyncPush,
		failurePolicy: policy,
		invocationID:  params.InvocationID,
		logger:        params.Logger,
		metrics:       params.Metrics,
		localStats:    newStatsCollector(),
		remoteStats:   newStatsCollector(),
		workers:       semaphore.NewWeighted(int64(params.PushWorkers)),
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
		inflight:      map[key.Key]struct{}{},
	}

	c.logger.Debugf("Build cache invocation %s: local %s, remote %s (push: %t, async: %t)",
		c.invocationID, c.local.State(), c.remote.State(), c.pushEnabled, c.asyncPush)

	return c, nil
}

func (c *Controller) InvocationID() string {
	return c.invocationID
}

// Load looks up k in the local cache, then in the remote one. A remote hit is
// written to the local cache. Remote failures are reported as a miss, local
// failures only under FailFast. The returned blob must not be modified.
func (c *Controller) Load(ctx context.Context, k key.Key) ([]byte, bool, error) {
	if c.local.enabled() {
		res := c.localStore.Load(k)
		c.localStats.addLoad(res)
		c.metrics.observeLoad(backendLocal, res)

		switch res.Status {
		case outcome.LoadHit:
			return res.Blob, true, nil
		case outcome.LoadCorrupt:
			c.logger.Debugf("Removing corrupt local cache entry: %s", res.Reason())
			if err := c.localStore.Delete(k); err != nil {
				c.logger.Debugf("Failed to remove corrupt local cache entry %s: %s", k, err)
			}
		case outcome.LoadUnavailable:
			if err := c.localFailure(res.Err); err != nil {
				return nil, false, err
			}
		case outcome.LoadMiss:
		}
	}

	if !c.remote.enabled() {
		return nil, false, nil
	}

	res := c.loadRemote(ctx, k)
	if res.Status != outcome.LoadHit {
		return nil, false, nil
	}

	if c.local.enabled() {
		if stored := c.localStore.Store(k, res.Blob); stored.Status != outcome.StoreStored {
			c.logger.Debugf("Failed to copy remote cache entry %s to the local cache: %s", k, stored.Reason())
		}
	}

	return res.Blob, true, nil
}

// loadRemote shares one request between concurrent loads of the same key. The
// shared request outlives a cancelled caller until Close, every caller stops
// waiting when its own ctx is done.
func (c *Controller) loadRemote(ctx context.Context, k key.Key) outcome.Load {
	if err := ctx.Err(); err != nil {
		return outcome.UnavailableLoad(fmt.Errorf("%w: %w", outcome.ErrUnavailable, err))
	}

	ch := c.loads.DoChan(string(k.Bytes()), func() (any, error) {
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(c.bgCtx, cancel)
		defer stop()

		res := c.remoteStore.Load(shared, k)
		c.remoteStats.addLoad(res)
		c.metrics.observeLoad(backendRemote, res)

		switch res.Status {
		case outcome.LoadHit, outcome.LoadMiss:
			c.remote.recordSuccess()
		case outcome.LoadCorrupt, outcome.LoadUnavailable:
			c.remote.recordUnavailable(shared, res.Err)
		}

		return res, nil
	})

	select {
	case <-ctx.Done():
		return outcome.UnavailableLoad(fmt.Errorf("%w: %w", outcome.ErrUnavailable, ctx.Err()))
	case r := <-ch:
		return r.Val.(outcome.Load) //nolint:forcetypeassert
	}
}

// Store writes blob to the local cache and, when pushing is enabled, to the
// remote cache. Only local failures under FailFast are returned as error.
func (c *Controller) Store(ctx context.Context, k key.Key, blob []byte) (StoreResult, error) {
	result := StoreResult{
		Local:  outcome.Skipped(errBackendDisabled),
		Remote: outcome.Skipped(errBackendDisabled),
	}

	if c.local.enabled() {
		result.Local = c.localStore.Store(k, blob)
		c.localStats.addStore(result.Local, len(blob))
		c.metrics.observeStore(backendLocal, result.Local, len(blob))

		if result.Local.Status == outcome.StoreFailed {
			if err := c.localFailure(result.Local.Err); err != nil {
				return result, err
			}
		}
	}

	switch c.remote.State() {
	case BackendDisabled:
	case BackendDegraded:
		result.Remote = outcome.UnavailableStore(fmt.Errorf("%w: %w", outcome.ErrUnavailable, errBackendDegraded))
	case BackendEnabled:
		switch {
		case !c.pushEnabled:
			result.Remote = outcome.Skipped(errPushDisabled)
		case c.asyncPush:
			result.Remote = c.schedulePush(k, blob)
		default:
			result.Remote = c.storeRemote(ctx, k, blob)
		}
	}

	return result, nil
}

func (c *Controller) storeRemote(ctx context.Context, k key.Key, blob []byte) outcome.Store {
	if !c.remote.enabled() {
		return outcome.UnavailableStore(fmt.Errorf("%w: %w", outcome.ErrUnavailable, errBackendDegraded))
	}
	if err := ctx.Err(); err != nil {
		return outcome.UnavailableStore(fmt.Errorf("%w: %w", outcome.ErrUnavailable, err))
	}

	res := c.remoteStore.Store(ctx, k, blob)
	c.remoteStats.addStore(res, len(blob))
	c.metrics.observeStore(backendRemote, res, len(blob))

	switch res.Status {
	case outcome.StoreStored, outcome.StoreSkipped, outcome.StoreScheduled:
		c.remote.recordSuccess()
		if res.Status == outcome.StoreSkipped {
			c.logger.Debugf("Remote cache skipped %s: %s", k, res.Reason())
		}
	case outcome.StoreFailed, outcome.StoreUnavailable:
		c.remote.recordUnavailable(ctx, res.Err)
	}

	return res
}

func (c *Controller) schedulePush(k key.Key, blob []byte) outcome.Store {
	c.pushMu.Lock()
	if c.closed {
		c.pushMu.Unlock()

		return outcome.Skipped(errClosed)
	}
	if _, ok := c.inflight[k]; ok {
		c.pushMu.Unlock()

		return outcome.Skipped(errPushInFlight)
	}
	c.inflight[k] = struct{}{}
	c.pushes.Add(1)
	c.pushMu.Unlock()

	// The caller may reuse its buffer once Store returns.
	blob = bytes.Clone(blob)

	go func() {
		defer c.pushes.Done()
		defer func() {
			c.pushMu.Lock()
			delete(c.inflight, k)
			c.pushMu.Unlock()
		}()

		if err := c.workers.Acquire(c.bgCtx, 1); err != nil {
			c.logger.Debugf("Dropped background push of %s: %s", k, err)

			return
		}
		defer c.workers.Release(1)

		c.storeRemote(c.bgCtx, k, blob)
	}()

	return outcome.Scheduled()
}

// InFlight reports whether a background push of k is pending.
func (c *Controller) InFlight(k key.Key) bool {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	_, ok := c.inflight[k]

	return ok
}

// Close waits for background pushes. When ctx ends first the pending pushes
// are cancelled and ctx's error is returned.
func (c *Controller) Close(ctx context.Context) error {
	c.pushMu.Lock()
	c.closed = true
	c.pushMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.pushes.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.bgCancel()

		return nil
	case <-ctx.Done():
		c.bgCancel()
		<-done

		return fmt.Errorf("cancelled background pushes: %w", ctx.Err())
	}
}

func (c *Controller) States() States {
	return States{Local: c.local.State(), Remote: c.remote.State()}
}

func (c *Controller) Stats() Stats {
	return Stats{Local: c.localStats.getStats(), Remote: c.remoteStats.getStats()}
}

func (c *Controller) localFailure(err error) error {
	if c.failurePolicy == FailFast {
		return err
	}
	c.local.warnOnce("local cache failed, continuing without it: %s", err)

	return nil
}
