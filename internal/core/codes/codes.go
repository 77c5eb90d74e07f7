// Package codes generates and validates the short codes that name artifacts
// and templates.
package codes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudmover/mover/internal/core/services"
)

const (
	// Length is the number of characters in a code.
	Length = 6
	// MaxAttempts bounds collision retries in Issue.
	MaxAttempts = 100

	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Generator produces candidate codes.
type Generator func() (string, error)

// Generate returns a random code drawn uniformly from [a-z0-9].
func Generate() (string, error) {
	return generateFrom(rand.Reader)
}

// 252 is the largest multiple of 36 below 256; bytes at or above it are
// rejected so every character is equally likely.
const maxUnbiased = 256 - 256%len(alphabet)

func generateFrom(r io.Reader) (string, error) {
	out := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(out) < Length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("reading randomness: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}

// IsValid reports whether code is exactly six lowercase letters or digits.
func IsValid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		ch := code[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			continue
		}
		return false
	}
	return true
}

// Issue draws codes from gen and hands each to claim until one sticks. claim
// must bind the code atomically and return an error wrapping
// services.ErrConflict when the code is already taken. Any other claim error
// aborts immediately. After MaxAttempts collisions Issue gives up with
// services.ErrKeyspaceExhausted.
func Issue(ctx context.Context, gen Generator, claim func(ctx context.Context, code string) error) (string, error) {
	if gen == nil {
		gen = Generate
	}
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := gen()
		if err != nil {
			return "", err
		}
		err = claim(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, services.ErrConflict) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %d attempts collided", services.ErrKeyspaceExhausted, MaxAttempts)
}
