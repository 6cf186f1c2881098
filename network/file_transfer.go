package network

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultChunkSize is the resource chunk size used when none is configured.
	DefaultChunkSize = 256 * 1024
	// MaxChunkSize keeps one sealed, base64 encoded chunk well inside MaxFrameSize.
	MaxChunkSize = 8 * 1024 * 1024
	// DefaultMaxChunkRetries bounds retransmissions of a single nacked chunk.
	DefaultMaxChunkRetries = 3
)

// ChunkCount returns the number of chunkSize chunks needed for size bytes.
// An empty resource still travels as one empty chunk.
func ChunkCount(size int64, chunkSize int) int {
	if chunkSize <= 0 || size < 0 {
		return 0
	}
	if size == 0 {
		return 1
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// ReadChunk reads chunk index of a resource split into chunkSize pieces.
func ReadChunk(r io.ReaderAt, index, chunkSize int) ([]byte, error) {
	if index < 0 || chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk %d of size %d", index, chunkSize)
	}
	offset := int64(index) * int64(chunkSize)
	buffer := make([]byte, chunkSize)
	n, err := r.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	return buffer[:n], nil
}

// FileChecksum returns the hex SHA-256 of the file at path.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChunkAdditionalData binds a sealed chunk to its transfer and position.
func ChunkAdditionalData(transferID string, index int) string {
	return TypeResourceChunk + "|" + transferID + "|" + strconv.Itoa(index)
}

// SafeResourceName reduces a remote-supplied resource name to a plain file
// name that cannot escape the downloads directory.
func SafeResourceName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "resource.bin"
	}
	return base
}

// PrefixedName prefixes a resource name with its transfer ID so concurrent
// transfers of the same name never collide on disk.
func PrefixedName(transferID, name string) string {
	return transferID + "_" + SafeResourceName(name)
}
