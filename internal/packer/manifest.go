package packer

import (
	"fmt"
	"io/fs"
	"path"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/hash"
)

type EntryKind uint8

const (
	KindFile EntryKind = iota + 1
	KindDirectory
	KindSymlink
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Entry is one manifest record. Path is relative to the packed root and
// slash separated.
type Entry struct {
	Path       string
	Kind       EntryKind
	Mode       fs.FileMode
	Target     string
	Size       int64
	Digest     []byte
	Attributes map[string]string
}

const (
	entryPath      protowire.Number = 1
	entryKind      protowire.Number = 2
	entryMode      protowire.Number = 3
	entryTarget    protowire.Number = 4
	entrySize      protowire.Number = 5
	entryDigest    protowire.Number = 6
	entryAttribute protowire.Number = 7
	attributeName  protowire.Number = 1
	attributeValue protowire.Number = 2
)

func (e Entry) marshal() []byte {
	var b []byte
	b = appendString(b, entryPath, e.Path)
	b = appendVarint(b, entryKind, uint64(e.Kind))
	b = appendVarint(b, entryMode, uint64(e.Mode.Perm()))
	b = appendString(b, entryTarget, e.Target)
	b = appendVarint(b, entrySize, uint64(max(e.Size, 0)))
	b = appendBytes(b, entryDigest, e.Digest)

	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		var attr []byte
		attr = appendString(attr, attributeName, name)
		attr = appendString(attr, attributeValue, e.Attributes[name])
		b = protowire.AppendTag(b, entryAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, attr)
	}

	return b
}

func unmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	var attrErr error
	err := consumeFields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case entryPath:
			e.Path = string(raw)
		case entryKind:
			e.Kind = EntryKind(v) //nolint:gosec
		case entryMode:
			e.Mode = fs.FileMode(v).Perm() //nolint:gosec
		case entryTarget:
			e.Target = string(raw)
		case entrySize:
			e.Size = int64(v) //nolint:gosec
		case entryDigest:
			e.Digest = raw
		case entryAttribute:
			var name, value string
			if err := consumeFields(raw, func(num protowire.Number, _ uint64, raw []byte) {
				switch num {
				case attributeName:
					name = string(raw)
				case attributeValue:
					value = string(raw)
				}
			}); err != nil {
				attrErr = err

				return
			}
			if e.Attributes == nil {
				e.Attributes = make(map[string]string)
			}
			e.Attributes[name] = value
		}
	})
	if err == nil {
		err = attrErr
	}
	if err != nil {
		return Entry{}, err
	}

	return e, nil
}

// validateManifest checks the invariants Pack guarantees: local paths in
// strictly increasing order, known kinds and no entry below a symlink or file.
func validateManifest(entries []Entry) error {
	kinds := make(map[string]EntryKind, len(entries))
	for i, e := range entries {
		if e.Path == "" || e.Path == "." || !fs.ValidPath(e.Path) {
			return fmt.Errorf("%w: invalid entry path %q", outcome.ErrCorruptEntry, e.Path)
		}
		if i > 0 && entries[i-1].Path >= e.Path {
			return fmt.Errorf("%w: manifest not sorted at %q", outcome.ErrCorruptEntry, e.Path)
		}

		switch e.Kind {
		case KindFile:
			if e.Size < 0 || len(e.Digest) != hash.Size {
				return fmt.Errorf("%w: invalid file entry %q", outcome.ErrCorruptEntry, e.Path)
			}
		case KindDirectory:
		case KindSymlink:
			if e.Target == "" {
				return fmt.Errorf("%w: symlink %q without target", outcome.ErrCorruptEntry, e.Path)
			}
		default:
			return fmt.Errorf("%w: entry %q has unknown %s", outcome.ErrCorruptEntry, e.Path, e.Kind)
		}

		for parent := path.Dir(e.Path); parent != "."; parent = path.Dir(parent) {
			if kind, ok := kinds[parent]; ok && kind != KindDirectory {
				return fmt.Errorf("%w: %q is nested under %s %q", outcome.ErrCorruptEntry, e.Path, kind, parent)
			}
		}
		kinds[e.Path] = e.Kind
	}

	return nil
}
