package registry

import (
	"fmt"
	"sort"
	"time"
)

// requestLink applies the per-email rate limit, creating the identity on first use.
func (s State) requestLink(email string, now time.Time, ttl time.Duration) error {
	id, ok := s.Identities[email]
	if !ok {
		s.Identities[email] = Identity{Email: email}
		return nil
	}
	if !id.LastIssuedAt.IsZero() && now.Sub(id.LastIssuedAt) < ttl {
		return fmt.Errorf("request link for %s: %w", email, ErrRateLimited)
	}
	return nil
}

func (s State) recordIssue(email string, at time.Time) {
	id := s.Identities[email]
	id.Email = email
	id.LastIssuedAt = at
	s.Identities[email] = id
}

// claimedNicknames returns the sorted union of claims held by identities other than excluding.
func (s State) claimedNicknames(excluding string) []string {
	seen := make(map[string]struct{})
	for email, id := range s.Identities {
		if email == excluding {
			continue
		}
		for _, nick := range id.Nicknames {
			seen[nick] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for nick := range seen {
		out = append(out, nick)
	}
	sort.Strings(out)
	return out
}

// addClaim records nickname for email and clears the rate limit so a new link can be sent
// right away.
func (s State) addClaim(email, nickname string) {
	id := s.Identities[email]
	id.Email = email
	if folded := foldNickname(nickname); !id.HasClaim(folded) {
		id.Nicknames = append(id.Nicknames, folded)
	}
	id.LastIssuedAt = time.Time{}
	s.Identities[email] = id
}

// IsClaimedElsewhere reports whether nickname is claimed by any identity other than email.
func IsClaimedElsewhere(s State, nickname, email string) bool {
	folded := foldNickname(nickname)
	for other, id := range s.Identities {
		if other == email {
			continue
		}
		if id.HasClaim(folded) {
			return true
		}
	}
	return false
}
