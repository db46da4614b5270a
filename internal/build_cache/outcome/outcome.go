// Package outcome describes the result of a single cache load or store.
package outcome

type LoadStatus int

const (
	LoadMiss LoadStatus = iota
	LoadHit
	// LoadCorrupt means an entry exists but failed validation. The caller should
	// delete it and treat the load as a miss.
	LoadCorrupt
	LoadUnavailable
)

func (s LoadStatus) String() string {
	switch s {
	case LoadMiss:
		return "miss"
	case LoadHit:
		return "hit"
	case LoadCorrupt:
		return "corrupt"
	case LoadUnavailable:
		return "unavailable"
	}

	return "unknown"
}

// Load is the result of a cache load. Blob is set only for LoadHit, Err carries
// the reason for LoadCorrupt and LoadUnavailable.
type Load struct {
	Status LoadStatus
	Blob   []byte
	Err    error
}

func Hit(blob []byte) Load {
	return Load{Status: LoadHit, Blob: blob}
}

func Miss() Load {
	return Load{Status: LoadMiss}
}

func Corrupt(err error) Load {
	return Load{Status: LoadCorrupt, Err: err}
}

func UnavailableLoad(err error) Load {
	return Load{Status: LoadUnavailable, Err: err}
}

func (l Load) Reason() string {
	if l.Err == nil {
		return ""
	}

	return l.Err.Error()
}

type StoreStatus int

const (
	StoreStored StoreStatus = iota
	StoreSkipped
	StoreFailed
	StoreUnavailable
	// StoreScheduled means the store was handed to a background worker.
	StoreScheduled
)

func (s StoreStatus) String() string {
	switch s {
	case StoreStored:
		return "stored"
	case StoreSkipped:
		return "skipped"
	case StoreFailed:
		return "failed"
	case StoreUnavailable:
		return "unavailable"
	case StoreScheduled:
		return "scheduled"
	}

	return "unknown"
}

// Store is the result of a cache store. Err carries the reason for every
// status other than StoreStored.
type Store struct {
	Status StoreStatus
	Err    error
}

func Stored() Store {
	return Store{Status: StoreStored}
}

func Skipped(err error) Store {
	return Store{Status: StoreSkipped, Err: err}
}

func Failed(err error) Store {
	return Store{Status: StoreFailed, Err: err}
}

func UnavailableStore(err error) Store {
	return Store{Status: StoreUnavailable, Err: err}
}

func Scheduled() Store {
	return Store{Status: StoreScheduled}
}

func (s Store) Reason() string {
	if s.Err == nil {
		return ""
	}

	return s.Err.Error()
}
