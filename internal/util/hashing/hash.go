package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMismatch is returned by Verify when the digest differs.
var ErrMismatch = errors.New("checksum mismatch")

// ComputeSHA256 reads from r and returns the hex-encoded SHA256 hash and bytes read.
func ComputeSHA256(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("computing hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Verify hashes r and compares the result with want, ignoring case.
func Verify(r io.Reader, want string) error {
	got, _, err := ComputeSHA256(r)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, got, want)
	}
	return nil
}

// BlobDir returns the two-character shard directory for a blob name.
func BlobDir(name string) string {
	if len(name) < 2 {
		return name
	}
	return name[:2]
}
