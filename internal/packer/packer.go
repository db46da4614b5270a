// Package packer serializes a set of task output files into a single cache
// entry blob and restores them from one.
package packer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/filegroup"
	"github.com/bitrise-io/build-output-cache/internal/hash"
)

type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

const (
	magic         = "BOCE"
	formatVersion = 1
	headerSize    = len(magic) + 2
)

type options struct {
	compression Compression
	xattrs      bool
}

type Option func(*options)

// WithCompression selects the body compression. Defaults to CompressionZstd.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithExtendedAttributes records extended attributes of regular files when
// packing and restores them when unpacking.
func WithExtendedAttributes(enabled bool) Option {
	return func(o *options) {
		o.xattrs = enabled
	}
}

func newOptions(opts []Option) options {
	o := options{compression: CompressionZstd}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Pack serializes the listed files, directories and symlinks below root.
// The same tree and origin always produce the same bytes.
func Pack(root string, files []string, origin OriginMetadata, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	if err := PackTo(&buf, root, files, origin, opts...); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// PackTo is Pack writing to w. On error the bytes already written to w must
// be discarded.
func PackTo(w io.Writer, root string, files []string, origin OriginMetadata, opts ...Option) error {
	o := newOptions(opts)

	entries, err := buildManifest(root, files, o)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte{magic[0], magic[1], magic[2], magic[3], formatVersion, byte(o.compression)}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	switch o.compression {
	case CompressionNone:
		bw := bufio.NewWriter(w)
		if err := writeBody(bw, root, origin, entries); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flush entry: %w", err)
		}
	case CompressionZstd:
		// A single encoder goroutine keeps the block layout, and so the output, stable.
		enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		if err := writeBody(enc, root, origin, entries); err != nil {
			_ = enc.Close()

			return err
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("finish zstd stream: %w", err)
		}
	default:
		return fmt.Errorf("unknown compression %d", o.compression)
	}

	return nil
}

func buildManifest(root string, files []string, o options) ([]Entry, error) {
	entries := make([]Entry, 0, len(files))
	seen := make(map[string]bool, len(files))
	realDirs := make(map[string]bool)

	for _, f := range files {
		rel, err := cleanRelative(f)
		if err != nil {
			return nil, err
		}
		if rel == "." || seen[rel] {
			continue
		}
		seen[rel] = true

		if err := checkAncestors(root, rel, realDirs); err != nil {
			return nil, err
		}

		entry, err := newEntry(root, rel, o)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Path, b.Path)
	})

	return entries, nil
}

func cleanRelative(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not a relative path", outcome.ErrInvalidPath, p)
	}

	cleaned := filepath.Clean(filepath.FromSlash(p))
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("%w: %q escapes the root", outcome.ErrInvalidPath, p)
	}

	return filepath.ToSlash(cleaned), nil
}

// checkAncestors rejects paths that reach their target through a symlinked
// directory below root.
func checkAncestors(root, rel string, realDirs map[string]bool) error {
	for parent := path.Dir(rel); parent != "."; parent = path.Dir(parent) {
		if realDirs[parent] {
			continue
		}

		info, err := os.Lstat(filepath.Join(root, filepath.FromSlash(parent)))
		if err != nil {
			return fmt.Errorf("stat %s: %w", parent, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %q is below %q which is not a directory", outcome.ErrInvalidPath, rel, parent)
		}
		realDirs[parent] = true
	}

	return nil
}

func newEntry(root, rel string, o options) (Entry, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(abs)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", rel, err)
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(abs)
		if err != nil {
			return Entry{}, fmt.Errorf("read symlink %s: %w", rel, err)
		}

		return Entry{Path: rel, Kind: KindSymlink, Target: target}, nil
	case info.IsDir():
		return Entry{Path: rel, Kind: KindDirectory, Mode: info.Mode().Perm()}, nil
	case info.Mode().IsRegular():
		size, digest, err := digestFile(abs)
		if err != nil {
			return Entry{}, fmt.Errorf("hash %s: %w", rel, err)
		}
		entry := Entry{Path: rel, Kind: KindFile, Mode: info.Mode().Perm(), Size: size, Digest: digest}
		if o.xattrs {
			attrs, err := filegroup.GetAttributes(abs)
			if err != nil {
				return Entry{}, fmt.Errorf("read attributes of %s: %w", rel, err)
			}
			if len(attrs) > 0 {
				entry.Attributes = attrs
			}
		}

		return entry, nil
	}

	return Entry{}, fmt.Errorf("%w: %s has unsupported type %s", outcome.ErrInvalidPath, rel, info.Mode().Type())
}

func digestFile(p string) (int64, []byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	h := hash.NewHasher()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, nil, fmt.Errorf("read file: %w", err)
	}

	return n, h.Sum(nil), nil
}

func writeBody(w io.Writer, root string, origin OriginMetadata, entries []Entry) error {
	var b []byte
	b = protowire.AppendBytes(b, origin.marshal())
	b = protowire.AppendVarint(b, uint64(len(entries)))
	for _, e := range entries {
		b = protowire.AppendBytes(b, e.marshal())
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for _, e := range entries {
		if e.Kind != KindFile {
			continue
		}
		if err := copyContent(w, root, e); err != nil {
			return err
		}
	}

	return nil
}

var errChangedWhilePacking = errors.New("file changed while packing")

func copyContent(w io.Writer, root string, e Entry) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(e.Path)))
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer f.Close() //nolint:errcheck

	h := hash.NewHasher()
	// Read one byte past the recorded size to notice files that grew.
	n, err := io.Copy(io.MultiWriter(w, h), io.LimitReader(f, e.Size+1))
	if err != nil {
		return fmt.Errorf("copy %s: %w", e.Path, err)
	}
	if n != e.Size || !bytes.Equal(h.Sum(nil), e.Digest) {
		return fmt.Errorf("%s: %w", e.Path, errChangedWhilePacking)
	}

	return nil
}
