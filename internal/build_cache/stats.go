package buildcache

import (
	"sync/atomic"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
)

type BackendStats struct {
	Hits          int64
	Misses        int64
	Errors        int64
	Stores        int64
	DownloadBytes int64
	UploadBytes   int64
}

type Stats struct {
	Local  BackendStats
	Remote BackendStats
}

type statsCollector struct {
	hits          atomic.Int64
	misses        atomic.Int64
	errors        atomic.Int64
	stores        atomic.Int64
	downloadBytes atomic.Int64
	uploadBytes   atomic.Int64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (s *statsCollector) addLoad(res outcome.Load) {
	switch res.Status {
	case outcome.LoadHit:
		s.hits.Add(1)
		s.downloadBytes.Add(int64(len(res.Blob)))
	case outcome.LoadMiss, outcome.LoadCorrupt:
		s.misses.Add(1)
	case outcome.LoadUnavailable:
		s.errors.Add(1)
	}
}

func (s *statsCollector) addStore(res outcome.Store, size int) {
	switch res.Status {
	case outcome.StoreStored:
		s.stores.Add(1)
		s.uploadBytes.Add(int64(size))
	case outcome.StoreFailed, outcome.StoreUnavailable:
		s.errors.Add(1)
	case outcome.StoreSkipped, outcome.StoreScheduled:
	}
}

func (s *statsCollector) getStats() BackendStats {
	return BackendStats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Errors:        s.errors.Load(),
		Stores:        s.stores.Load(),
		DownloadBytes: s.downloadBytes.Load(),
		UploadBytes:   s.uploadBytes.Load(),
	}
}
