package hash

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Size of a content digest in bytes.
const Size = 32

// NewHasher returns the BLAKE3-256 hasher used for entry contents.
func NewHasher() hash.Hash {
	return blake3.New()
}

func Sum(data []byte) [Size]byte {
	return blake3.Sum256(data)
}

func ChecksumOfFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	return Checksum(file)
}

func Checksum(source io.Reader) (string, error) {
	hash := NewHasher()

	_, err := io.Copy(hash, source)
	if err != nil {
		return "", fmt.Errorf("reading file to hash: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
