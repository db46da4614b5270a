package packer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/filegroup"
	"github.com/bitrise-io/build-output-cache/internal/hash"
)

const maxOriginSize = 1 << 20

// Result describes an unpacked or inspected entry.
type Result struct {
	Origin  OriginMetadata
	Entries []Entry
}

// TotalSize is the sum of the file content lengths.
func (r Result) TotalSize() int64 {
	var total int64
	for _, e := range r.Entries {
		if e.Kind == KindFile {
			total += e.Size
		}
	}

	return total
}

type decoded struct {
	Result
	contents [][]byte
}

// Unpack validates blob and recreates its files below target. Nothing is
// written unless the whole blob is valid. Existing files at entry paths are
// replaced, other files below target are left alone.
func Unpack(blob []byte, target string, opts ...Option) (Result, error) {
	o := newOptions(opts)

	d, err := decode(blob)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return Result{}, fmt.Errorf("create target directory: %w", err)
	}

	realDirs := make(map[string]bool)
	for i, e := range d.Entries {
		p := filepath.Join(target, filepath.FromSlash(e.Path))
		if err := prepareParents(target, e.Path, realDirs); err != nil {
			return Result{}, err
		}

		switch e.Kind {
		case KindDirectory:
			if err := filegroup.RestoreDirectory(p); err != nil {
				return Result{}, fmt.Errorf("restore %s: %w", e.Path, err)
			}
			realDirs[e.Path] = true
		case KindFile:
			if err := filegroup.RestoreFile(p, d.contents[i], e.Mode); err != nil {
				return Result{}, fmt.Errorf("restore %s: %w", e.Path, err)
			}
			if o.xattrs && len(e.Attributes) > 0 {
				if err := filegroup.SetAttributes(p, e.Attributes); err != nil {
					return Result{}, fmt.Errorf("restore attributes of %s: %w", e.Path, err)
				}
			}
		case KindSymlink:
			if err := filegroup.RestoreSymlink(p, e.Target); err != nil {
				return Result{}, fmt.Errorf("restore %s: %w", e.Path, err)
			}
		}
	}

	// Apply directory modes last, deepest first, so read-only directories
	// do not block writing their children.
	for i := len(d.Entries) - 1; i >= 0; i-- {
		e := d.Entries[i]
		if e.Kind != KindDirectory {
			continue
		}
		if err := filegroup.RestoreDirectoryMode(filepath.Join(target, filepath.FromSlash(e.Path)), e.Mode); err != nil {
			return Result{}, fmt.Errorf("restore %s: %w", e.Path, err)
		}
	}

	return d.Result, nil
}

// prepareParents creates the implied parent directories of rel and refuses
// to write through a symlink that already exists below target.
func prepareParents(target, rel string, realDirs map[string]bool) error {
	var missing []string
	for parent := path.Dir(rel); parent != "."; parent = path.Dir(parent) {
		if realDirs[parent] {
			break
		}

		info, err := os.Lstat(filepath.Join(target, filepath.FromSlash(parent)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, parent)

			continue
		case err != nil:
			return fmt.Errorf("stat %s: %w", parent, err)
		case !info.IsDir():
			return fmt.Errorf("%w: %q is below %q which is not a directory", outcome.ErrInvalidPath, rel, parent)
		}
		realDirs[parent] = true
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(filepath.Join(target, filepath.FromSlash(missing[i])), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create directory %s: %w", missing[i], err)
		}
		realDirs[missing[i]] = true
	}

	return nil
}

// Inspect validates blob and returns its origin and manifest without writing
// anything.
func Inspect(blob []byte) (Result, error) {
	d, err := decode(blob)
	if err != nil {
		return Result{}, err
	}

	return d.Result, nil
}

// ReadOrigin decodes only the origin metadata at the start of blob.
func ReadOrigin(blob []byte) (OriginMetadata, error) {
	compression, err := readHeader(blob)
	if err != nil {
		return OriginMetadata{}, err
	}

	var r io.Reader = bytes.NewReader(blob[headerSize:])
	if compression == CompressionZstd {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return OriginMetadata{}, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	br := bufio.NewReader(r)
	size, err := binary.ReadUvarint(br)
	if err != nil || size > maxOriginSize {
		return OriginMetadata{}, fmt.Errorf("%w: invalid origin length", outcome.ErrCorruptEntry)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(br, buf); err != nil {
		return OriginMetadata{}, fmt.Errorf("%w: truncated origin: %w", outcome.ErrCorruptEntry, err)
	}

	origin, err := unmarshalOrigin(buf)
	if err != nil {
		return OriginMetadata{}, fmt.Errorf("%w: %w", outcome.ErrCorruptEntry, err)
	}

	return origin, nil
}

func readHeader(blob []byte) (Compression, error) {
	if len(blob) < headerSize || string(blob[:len(magic)]) != magic {
		return 0, fmt.Errorf("%w: not a cache entry", outcome.ErrCorruptEntry)
	}
	if blob[len(magic)] != formatVersion {
		return 0, fmt.Errorf("%w: unsupported format version %d", outcome.ErrCorruptEntry, blob[len(magic)])
	}

	compression := Compression(blob[len(magic)+1])
	if compression != CompressionNone && compression != CompressionZstd {
		return 0, fmt.Errorf("%w: unknown compression %d", outcome.ErrCorruptEntry, compression)
	}

	return compression, nil
}

func decode(blob []byte) (decoded, error) {
	compression, err := readHeader(blob)
	if err != nil {
		return decoded{}, err
	}

	body := blob[headerSize:]
	if compression == CompressionZstd {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return decoded{}, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()

		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return decoded{}, fmt.Errorf("%w: decompress: %w", outcome.ErrCorruptEntry, err)
		}
	}

	originBytes, n := protowire.ConsumeBytes(body)
	if n < 0 {
		return decoded{}, fmt.Errorf("%w: truncated origin", outcome.ErrCorruptEntry)
	}
	body = body[n:]
	origin, err := unmarshalOrigin(originBytes)
	if err != nil {
		return decoded{}, fmt.Errorf("%w: %w", outcome.ErrCorruptEntry, err)
	}

	count, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return decoded{}, fmt.Errorf("%w: truncated manifest", outcome.ErrCorruptEntry)
	}
	body = body[n:]
	// Every entry takes at least one byte, a larger count cannot be valid.
	if count > uint64(len(body)) {
		return decoded{}, fmt.Errorf("%w: manifest declares %d entries", outcome.ErrCorruptEntry, count)
	}

	entries := make([]Entry, 0, count)
	for range count {
		raw, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return decoded{}, fmt.Errorf("%w: truncated manifest", outcome.ErrCorruptEntry)
		}
		body = body[n:]

		e, err := unmarshalEntry(raw)
		if err != nil {
			return decoded{}, fmt.Errorf("%w: manifest entry: %w", outcome.ErrCorruptEntry, err)
		}
		entries = append(entries, e)
	}

	if err := validateManifest(entries); err != nil {
		return decoded{}, err
	}

	var declared uint64
	for _, e := range entries {
		if e.Kind != KindFile {
			continue
		}
		declared += uint64(e.Size)
		if declared > uint64(len(body)) {
			return decoded{}, fmt.Errorf("%w: truncated content, %d bytes available", outcome.ErrCorruptEntry, len(body))
		}
	}
	if declared < uint64(len(body)) {
		return decoded{}, fmt.Errorf("%w: %d trailing bytes", outcome.ErrCorruptEntry, uint64(len(body))-declared)
	}

	contents := make([][]byte, len(entries))
	var offset int64
	for i, e := range entries {
		if e.Kind != KindFile {
			continue
		}
		content := body[offset : offset+e.Size]
		offset += e.Size

		sum := hash.Sum(content)
		if !bytes.Equal(sum[:], e.Digest) {
			return decoded{}, fmt.Errorf("%w: digest mismatch for %s", outcome.ErrCorruptEntry, e.Path)
		}
		contents[i] = content
	}

	return decoded{
		Result:   Result{Origin: origin, Entries: entries},
		contents: contents,
	}, nil
}
