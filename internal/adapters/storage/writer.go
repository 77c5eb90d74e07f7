package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// hashingWriter tees everything written to w into a SHA256 digest.
type hashingWriter struct {
	w     io.Writer
	h     hash.Hash
	total int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: sha256.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.total += int64(n)
	}
	return n, err
}

// Hash is the hex digest of the bytes that reached w.
func (hw *hashingWriter) Hash() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}
