// Package local implements the on-disk, size bounded, least recently used
// build cache store.
package local

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dustin/go-humanize"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/consts"
	"github.com/bitrise-io/build-output-cache/internal/hash"
)

const (
	entryMagic   = "BOCL"
	entryVersion = 1
	// HeaderSize is the on-disk overhead of every entry.
	HeaderSize = len(entryMagic) + 1 + 8 + hash.Size
	tempPrefix = ".tmp-"
)

var errEntryExceedsCapacity = errors.New("entry is larger than the cache capacity")

// DiskSize returns the bytes an entry with a blob of blobLen occupies.
func DiskSize(blobLen int64) int64 {
	return int64(HeaderSize) + blobLen
}

type Params struct {
	Directory string
	// MaxSize bounds the summed DiskSize of all entries. Zero means unbounded.
	MaxSize int64
	Logger  log.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type record struct {
	size       int64
	lastAccess time.Time
	sequence   uint64
}

type Stats struct {
	Entries int
	Size    int64
	MaxSize int64
}

// Store is safe for concurrent use. Its mutex guards the records and the total
// size, file contents are read and written outside of it.
type Store struct {
	dir     string
	maxSize int64
	logger  log.Logger
	now     func() time.Time

	mu       sync.Mutex
	records  map[key.Key]*record
	total    int64
	sequence uint64
}

// New opens the store at params.Directory, creating it when missing. Temp files
// older than consts.StaleTempFileAge are left over from interrupted writes and
// are removed. Younger ones may belong to another process still writing. The
// index is rebuilt from the entry files.
func New(params Params) (*Store, error) {
	if params.Directory == "" {
		return nil, fmt.Errorf("%w: no directory configured", outcome.ErrLocalStoreFailure)
	}
	if params.MaxSize < 0 {
		return nil, fmt.Errorf("negative max size: %d", params.MaxSize)
	}
	if params.Logger == nil {
		params.Logger = log.NewLogger()
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}

	if err := os.MkdirAll(params.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache directory: %w", outcome.ErrLocalStoreFailure, err)
	}

	s := &Store{
		dir:     params.Directory,
		maxSize: params.MaxSize,
		logger:  params.Logger,
		now:     params.Clock,
		records: make(map[key.Key]*record),
	}

	if err := s.scan(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) scan() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: read cache directory: %w", outcome.ErrLocalStoreFailure, err)
	}

	type found struct {
		key     key.Key
		size    int64
		modTime time.Time
	}
	var entries []found
	staleBefore := s.now().Add(-consts.StaleTempFileAge)

	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, tempPrefix) {
			s.removeStaleTemp(de, staleBefore)

			continue
		}
		if !de.Type().IsRegular() {
			continue
		}

		k, err := key.Parse(name)
		if err != nil || k.String() != name {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, found{key: k, size: info.Size(), modTime: info.ModTime()})
	}

	slices.SortFunc(entries, func(a, b found) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}

		return a.key.Compare(b.key)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.sequence++
		s.records[e.key] = &record{size: e.size, lastAccess: e.modTime, sequence: s.sequence}
		s.total += e.size
	}

	s.logger.Debugf("Local build cache at %s: %d entries, %s", s.dir, len(s.records), humanize.Bytes(uint64(s.total))) //nolint:gosec

	if err := s.evictLocked(key.Key{}, 0); err != nil {
		return err
	}

	return nil
}

func (s *Store) removeStaleTemp(de fs.DirEntry, staleBefore time.Time) {
	info, err := de.Info()
	if err != nil || !info.ModTime().Before(staleBefore) {
		return
	}

	s.logger.Debugf("Removing interrupted write %s", de.Name())
	if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warnf("Failed to remove %s: %s", de.Name(), err)
	}
}

func (s *Store) path(k key.Key) string {
	return filepath.Join(s.dir, k.String())
}

func (s *Store) Contains(k key.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[k]

	return ok
}

// Load returns the blob stored under k. An entry whose length or checksum does
// not match its header is reported as corrupt and never returned.
func (s *Store) Load(k key.Key) outcome.Load {
	if !s.Contains(k) {
		return outcome.Miss()
	}

	data, err := os.ReadFile(s.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		s.forget(k)

		return outcome.Miss()
	}
	if err != nil {
		return outcome.UnavailableLoad(fmt.Errorf("%w: read %s: %w", outcome.ErrLocalStoreFailure, k, err))
	}

	blob, err := decodeEntry(data)
	if err != nil {
		return outcome.Corrupt(fmt.Errorf("%s: %w", k, err))
	}

	s.touch(k)

	return outcome.Hit(blob)
}

func (s *Store) touch(k key.Key) {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.records[k]
	if ok {
		s.sequence++
		rec.sequence = s.sequence
		rec.lastAccess = now
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	// The mtime carries the access time across restarts.
	if err := os.Chtimes(s.path(k), now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debugf("Failed to update access time of %s: %s", k, err)
	}
}

func (s *Store) forget(k key.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[k]; ok {
		s.total -= rec.size
		delete(s.records, k)
	}
}

// Store writes blob under k, replacing an existing entry.
func (s *Store) Store(k key.Key, blob []byte) outcome.Store {
	return s.StoreFrom(k, bytes.NewReader(blob))
}

// StoreFrom streams the blob from r. The entry becomes visible only once it
// is completely written; a failing reader leaves the previous state intact.
func (s *Store) StoreFrom(k key.Key, r io.Reader) outcome.Store {
	tmpPath, size, err := s.writeTemp(r)
	if err != nil {
		return outcome.Failed(fmt.Errorf("%w: write %s: %w", outcome.ErrLocalStoreFailure, k, err))
	}

	res := s.commit(k, tmpPath, size)
	if res.Status == outcome.StoreStored {
		s.syncDir()
	}

	return res
}

// commit renames the temp file into place and updates the accounting.
func (s *Store) commit(k key.Key, tmpPath string, size int64) outcome.Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && size > s.maxSize {
		s.removeTemp(tmpPath)

		return outcome.Skipped(fmt.Errorf("%s (%s): %w", k, humanize.Bytes(uint64(size)), errEntryExceedsCapacity)) //nolint:gosec
	}

	var replaced int64
	if rec, ok := s.records[k]; ok {
		replaced = rec.size
	}
	if err := s.evictLocked(k, size-replaced); err != nil {
		s.removeTemp(tmpPath)

		return outcome.Failed(err)
	}

	if err := os.Rename(tmpPath, s.path(k)); err != nil {
		s.removeTemp(tmpPath)

		return outcome.Failed(fmt.Errorf("%w: commit %s: %w", outcome.ErrLocalStoreFailure, k, err))
	}

	s.sequence++
	s.total += size - replaced
	s.records[k] = &record{size: size, lastAccess: s.now(), sequence: s.sequence}

	return outcome.Stored()
}

func (s *Store) writeTemp(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	size, err := writeEntry(f, r)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		s.removeTemp(tmpPath)

		return "", 0, err
	}

	return tmpPath, size, nil
}

func (s *Store) removeTemp(p string) {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debugf("Failed to remove temp file %s: %s", p, err)
	}
}

func (s *Store) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close() //nolint:errcheck
	if err := d.Sync(); err != nil {
		s.logger.Debugf("Failed to sync cache directory: %s", err)
	}
}

// evictLocked removes least recently used entries other than keep until
// incoming more bytes fit. The caller holds s.mu.
func (s *Store) evictLocked(keep key.Key, incoming int64) error {
	if s.maxSize <= 0 || s.total+incoming <= s.maxSize {
		return nil
	}

	type candidate struct {
		key key.Key
		rec *record
	}
	candidates := make([]candidate, 0, len(s.records))
	for k, rec := range s.records {
		if k.Equal(keep) {
			continue
		}
		candidates = append(candidates, candidate{key: k, rec: rec})
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		switch {
		case a.rec.sequence < b.rec.sequence:
			return -1
		case a.rec.sequence > b.rec.sequence:
			return 1
		}

		return 0
	})

	var evicted int
	var freed int64
	for _, c := range candidates {
		if s.total+incoming <= s.maxSize {
			break
		}
		if err := os.Remove(s.path(c.key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: evict %s: %w", outcome.ErrLocalStoreFailure, c.key, err)
		}
		s.total -= c.rec.size
		freed += c.rec.size
		evicted++
		delete(s.records, c.key)
	}

	if evicted > 0 {
		s.logger.Debugf("Evicted %d local cache entries (%s)", evicted, humanize.Bytes(uint64(freed))) //nolint:gosec
	}

	return nil
}

// Delete removes the entry under k. Deleting a missing entry is not an error.
func (s *Store) Delete(k key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %w", outcome.ErrLocalStoreFailure, k, err)
	}
	if rec, ok := s.records[k]; ok {
		s.total -= rec.size
		delete(s.records, k)
	}

	return nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{Entries: len(s.records), Size: s.total, MaxSize: s.maxSize}
}

// Prune removes entries that were not loaded or stored within olderThan.
// It returns the number of removed entries and the bytes freed.
func (s *Store) Prune(olderThan time.Duration) (int, int64, error) {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	var freed int64
	for k, rec := range s.records {
		if !rec.lastAccess.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, freed, fmt.Errorf("%w: prune %s: %w", outcome.ErrLocalStoreFailure, k, err)
		}
		s.total -= rec.size
		freed += rec.size
		removed++
		delete(s.records, k)
	}

	return removed, freed, nil
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range s.records {
		if err := os.Remove(s.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: clear %s: %w", outcome.ErrLocalStoreFailure, k, err)
		}
		s.total -= rec.size
		delete(s.records, k)
	}

	return nil
}

func (s *Store) Directory() string {
	return s.dir
}

func writeEntry(f *os.File, r io.Reader) (int64, error) {
	// Reserve the header, it is filled in once length and checksum are known.
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	h := hash.NewHasher()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return 0, fmt.Errorf("write blob: %w", err)
	}

	header := make([]byte, 0, HeaderSize)
	header = append(header, entryMagic...)
	header = append(header, entryVersion)
	header = binary.BigEndian.AppendUint64(header, uint64(n)) //nolint:gosec
	header = h.Sum(header)
	if _, err := f.WriteAt(header, 0); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	return DiskSize(n), nil
}

var (
	errShortEntry       = errors.New("shorter than its header")
	errBadEntryHeader   = errors.New("unknown entry header")
	errLengthMismatch   = errors.New("length mismatch")
	errChecksumMismatch = errors.New("checksum mismatch")
)

func decodeEntry(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %w", outcome.ErrCorruptEntry, errShortEntry)
	}
	if string(data[:len(entryMagic)]) != entryMagic || data[len(entryMagic)] != entryVersion {
		return nil, fmt.Errorf("%w: %w", outcome.ErrCorruptEntry, errBadEntryHeader)
	}

	offset := len(entryMagic) + 1
	length := binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8
	checksum := data[offset : offset+hash.Size]
	blob := data[HeaderSize:]

	if length != uint64(len(blob)) {
		return nil, fmt.Errorf("%w: %w: header says %d bytes, found %d", outcome.ErrCorruptEntry, errLengthMismatch, length, len(blob))
	}
	sum := hash.Sum(blob)
	if !bytes.Equal(sum[:], checksum) {
		return nil, fmt.Errorf("%w: %w", outcome.ErrCorruptEntry, errChecksumMismatch)
	}

	return blob, nil
}
