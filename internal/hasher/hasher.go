// Package hasher computes lowercase-hex SHA-256 digests of byte slices
// and files, streaming file reads to bound peak memory.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// BufferSize is the read buffer used when streaming a file through the
// hash function. 1 MiB bounds peak memory regardless of file size.
const BufferSize = 1 << 20

// Bytes returns the lowercase-hex SHA-256 digest of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// File returns the lowercase-hex SHA-256 digest of the file at path,
// reading it in fixed-size buffers. It fails only on I/O error.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(f)
}

// Reader streams r through SHA-256 and returns the lowercase-hex digest.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, BufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Streamer is an io.Writer that accumulates a SHA-256 digest of
// everything written to it, for use alongside io.MultiWriter when bytes
// must be hashed as they are written to disk rather than re-read
// afterward.
type Streamer struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

// NewStreamer returns a Streamer ready to accept writes.
func NewStreamer() *Streamer {
	return &Streamer{h: sha256.New()}
}

// Write implements io.Writer.
func (s *Streamer) Write(p []byte) (int, error) { return s.h.Write(p) }

// Sum returns the lowercase-hex SHA-256 digest of everything written so
// far.
func (s *Streamer) Sum() string { return hex.EncodeToString(s.h.Sum(nil)) }
