package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// issue mints a token for email. Expired tokens for the same email stay until a lookup
// reports and removes them.
func (s State) issue(email string, now time.Time, ttl time.Duration) (Token, error) {
	for _, tok := range s.Tokens {
		if tok.Email == email && now.Sub(tok.IssuedAt) < ttl {
			return Token{}, fmt.Errorf("issue for %s: %w", email, ErrConflict)
		}
	}

	tok := Token{
		ID:       mintTokenID(email, now),
		Email:    email,
		IssuedAt: now,
	}
	s.Tokens[tok.ID] = tok
	return tok, nil
}

// lookup resolves id. On ErrExpired or ErrMalformed the token has been removed from s and the
// caller must checkpoint.
func (s State) lookup(id string, now time.Time, ttl time.Duration) (Token, error) {
	tok, ok := s.Tokens[id]
	if !ok {
		if !wellFormedTokenID(id) {
			return Token{}, ErrMalformed
		}
		return Token{}, ErrNotFound
	}
	if tok.Email == "" {
		delete(s.Tokens, id)
		return Token{}, ErrMalformed
	}
	if now.Sub(tok.IssuedAt) >= ttl {
		delete(s.Tokens, id)
		return Token{}, ErrExpired
	}
	return tok, nil
}

// consume removes id; absent tokens are ignored.
func (s State) consume(id string) {
	delete(s.Tokens, id)
}

func mintTokenID(email string, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s + %d", email, now.UnixNano())))
	return hex.EncodeToString(sum[:])
}

// wellFormedTokenID accepts hex digests of sha256 and the legacy sha1 length.
func wellFormedTokenID(id string) bool {
	if len(id) != sha256.Size*2 && len(id) != 40 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
