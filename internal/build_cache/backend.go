package buildcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
)

type BackendState int32

const (
	BackendEnabled BackendState = iota
	// BackendDisabled means the backend is not configured.
	BackendDisabled
	// BackendDegraded means the backend is configured but failed in a way that
	// makes further calls pointless for the rest of the invocation.
	BackendDegraded
)

func (s BackendState) String() string {
	switch s {
	case BackendEnabled:
		return "enabled"
	case BackendDisabled:
		return "disabled"
	case BackendDegraded:
		return "degraded"
	}

	return "unknown"
}

const (
	backendLocal  = "local"
	backendRemote = "remote"
)

type backend struct {
	name         string
	degradeAfter int
	logger       log.Logger
	metrics      *Metrics

	state  atomic.Int32
	warned atomic.Bool

	mu                     sync.Mutex
	consecutiveUnavailable int
}

func newBackend(name string, configured bool, degradeAfter int, logger log.Logger, metrics *Metrics) *backend {
	b := &backend{
		name:         name,
		degradeAfter: degradeAfter,
		logger:       logger,
		metrics:      metrics,
	}
	if !configured {
		b.state.Store(int32(BackendDisabled))
	}
	metrics.setState(name, b.State())

	return b
}

func (b *backend) State() BackendState {
	return BackendState(b.state.Load())
}

func (b *backend) enabled() bool {
	return b.State() == BackendEnabled
}

// recordSuccess is called for every answer of the backend that proves it is
// reachable, a miss included.
func (b *backend) recordSuccess() {
	b.mu.Lock()
	b.consecutiveUnavailable = 0
	b.mu.Unlock()
}

// recordUnavailable counts a failed call. Non-transient failures degrade the
// backend at once, transient ones after degradeAfter consecutive failures.
// Failures caused by the caller's own cancellation are not counted.
func (b *backend) recordUnavailable(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != BackendEnabled {
		return
	}

	if outcome.IsNonTransient(err) {
		b.degradeLocked(fmt.Sprintf("%s cache rejected the request, disabling it for this build: %s", b.name, err))

		return
	}

	b.consecutiveUnavailable++
	if b.consecutiveUnavailable >= b.degradeAfter {
		b.degradeLocked(fmt.Sprintf("%s cache failed %d times in a row, disabling it for this build: %s", b.name, b.consecutiveUnavailable, err))

		return
	}

	b.warnOnce("%s cache unavailable, continuing without it: %s", b.name, err)
}

func (b *backend) degradeLocked(msg string) {
	b.state.Store(int32(BackendDegraded))
	b.metrics.setState(b.name, BackendDegraded)
	b.warnOnce("%s", msg)
}

// warnOnce logs the first problem of the backend as a warning and the rest at
// debug level.
func (b *backend) warnOnce(format string, args ...any) {
	if b.warned.CompareAndSwap(false, true) {
		b.logger.Warnf(format, args...)

		return
	}
	b.logger.Debugf(format, args...)
}
