package packer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
	"github.com/bitrise-io/build-output-cache/internal/hash"
)

func rawBlob(entries []Entry, content []byte) []byte {
	b := []byte{magic[0], magic[1], magic[2], magic[3], formatVersion, byte(CompressionNone)}
	b = protowire.AppendBytes(b, OriginMetadata{TaskPath: ":t"}.marshal())
	b = protowire.AppendVarint(b, uint64(len(entries)))
	for _, e := range entries {
		b = protowire.AppendBytes(b, e.marshal())
	}

	return append(b, content...)
}

func fileEntry(path string, content []byte) Entry {
	sum := hash.Sum(content)

	return Entry{Path: path, Kind: KindFile, Mode: 0o644, Size: int64(len(content)), Digest: sum[:]}
}

func TestDecode_RejectsInvalidManifests(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		content []byte
	}{
		{
			name: "entry nested under symlink",
			entries: []Entry{
				{Path: "link", Kind: KindSymlink, Target: "/etc"},
				fileEntry("link/passwd", []byte("x")),
			},
			content: []byte("x"),
		},
		{
			name: "entry nested under file",
			entries: []Entry{
				fileEntry("a", nil),
				fileEntry("a/b", nil),
			},
		},
		{
			name:    "escaping path",
			entries: []Entry{fileEntry("../escape", nil)},
		},
		{
			name:    "absolute path",
			entries: []Entry{fileEntry("/etc/passwd", nil)},
		},
		{
			name:    "unsorted",
			entries: []Entry{fileEntry("b", nil), fileEntry("a", nil)},
		},
		{
			name:    "duplicate",
			entries: []Entry{fileEntry("a", nil), fileEntry("a", nil)},
		},
		{
			name:    "unknown kind",
			entries: []Entry{{Path: "a", Kind: 42}},
		},
		{
			name:    "file without digest",
			entries: []Entry{{Path: "a", Kind: KindFile}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(rawBlob(tt.entries, tt.content))
			require.ErrorIs(t, err, outcome.ErrCorruptEntry)
		})
	}
}

func TestDecode_AcceptsValidManifest(t *testing.T) {
	entries := []Entry{
		{Path: "dir", Kind: KindDirectory, Mode: 0o755},
		fileEntry("dir/a", []byte("aa")),
		{Path: "dir/link", Kind: KindSymlink, Target: "a"},
		fileEntry("z", []byte("z")),
	}

	d, err := decode(rawBlob(entries, []byte("aaz")))
	require.NoError(t, err)
	require.Equal(t, ":t", d.Origin.TaskPath)
	require.Equal(t, []byte("aa"), d.contents[1])
	require.Equal(t, []byte("z"), d.contents[3])
}
