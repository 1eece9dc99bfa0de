// Package checksum formats and computes the "sha256:<hex>" digests stored for objects,
// chunks, shards and replicas.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

const prefix = "sha256:"

// Of returns the digest of data.
func Of(data []byte) string {
	h := sha256.New()
	h.Write(data)
	return Format(h)
}

// Format renders the current sum of h.
func Format(h hash.Hash) string {
	return prefix + hex.EncodeToString(h.Sum(nil))
}

// New returns the hash used for every stored digest.
func New() hash.Hash {
	return sha256.New()
}

// Reader counts and hashes the bytes read through it.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (hr *Reader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of the bytes read so far.
func (hr *Reader) Sum() string {
	return Format(hr.h)
}

// BytesRead returns the number of bytes read so far.
func (hr *Reader) BytesRead() int64 {
	return hr.n
}
