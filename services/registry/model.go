package registry

import (
	"slices"
	"strings"
	"time"
)

// DefaultTokenTTL bounds both token validity and how often an email may be sent a link.
const DefaultTokenTTL = time.Hour

// Token binds a confirmation link to an email for a bounded time window.
type Token struct {
	ID       string
	Email    string
	IssuedAt time.Time
}

// Identity is the durable record for one email address.
type Identity struct {
	Email        string
	LastIssuedAt time.Time
	// Nicknames holds case-folded claims in the order they were made.
	Nicknames []string
}

// HasClaim reports whether the identity already claims nickname.
func (id Identity) HasClaim(nickname string) bool {
	return slices.Contains(id.Nicknames, foldNickname(nickname))
}

// State is the checkpointed aggregate of identities and tokens.
type State struct {
	Identities map[string]Identity
	Tokens     map[string]Token
}

// NewState returns an empty registry state.
func NewState() State {
	return State{
		Identities: make(map[string]Identity),
		Tokens:     make(map[string]Token),
	}
}

// Clone returns a deep copy so mutations can be staged before a checkpoint.
func (s State) Clone() State {
	out := State{
		Identities: make(map[string]Identity, len(s.Identities)),
		Tokens:     make(map[string]Token, len(s.Tokens)),
	}
	for email, id := range s.Identities {
		if id.Nicknames != nil {
			id.Nicknames = slices.Clone(id.Nicknames)
		}
		out.Identities[email] = id
	}
	for key, tok := range s.Tokens {
		out.Tokens[key] = tok
	}
	return out
}

// Normalize repairs snapshots that violate the token/identity invariant: tokens without an
// email are dropped and tokens referencing an unknown email get an identity created for it.
// It returns the number of tokens dropped.
func (s *State) Normalize() int {
	if s.Identities == nil {
		s.Identities = make(map[string]Identity)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]Token)
	}

	dropped := 0
	for key, tok := range s.Tokens {
		if strings.TrimSpace(tok.Email) == "" {
			delete(s.Tokens, key)
			dropped++
			continue
		}
		tok.ID = key
		s.Tokens[key] = tok
		if _, ok := s.Identities[tok.Email]; !ok {
			s.Identities[tok.Email] = Identity{Email: tok.Email}
		}
	}
	for email, id := range s.Identities {
		id.Email = email
		s.Identities[email] = id
	}
	return dropped
}

func foldNickname(nickname string) string {
	return strings.ToLower(strings.TrimSpace(nickname))
}
