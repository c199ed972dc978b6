// Package checksum computes the SHA-256 content identifiers used for blob
// naming and duplicate detection.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Reader hashes everything read through it.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewReader wraps r so that its content is digested as it is consumed.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (cr *Reader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.h.Write(p[:n])
		cr.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (cr *Reader) Sum() string {
	return hex.EncodeToString(cr.h.Sum(nil))
}

// Len returns the number of bytes read so far.
func (cr *Reader) Len() int64 { return cr.n }
