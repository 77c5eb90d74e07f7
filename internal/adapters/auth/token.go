package auth

import "crypto/subtle"

// TokenAuth validates operator tokens against a static list.
type TokenAuth struct {
	tokens [][]byte
}

// NewTokenAuth creates a TokenAuth. Empty entries are ignored.
func NewTokenAuth(tokens []string) *TokenAuth {
	a := &TokenAuth{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Enabled reports whether any token is configured.
func (a *TokenAuth) Enabled() bool {
	return len(a.tokens) > 0
}

// ValidateToken compares token against every configured token in constant
// time.
func (a *TokenAuth) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	ok := 0
	for _, t := range a.tokens {
		ok |= subtle.ConstantTimeCompare(t, []byte(token))
	}
	return ok == 1
}
