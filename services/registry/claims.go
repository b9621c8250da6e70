package registry

import (
	"context"
	"errors"
	"fmt"
)

// Claim reserves a token and a nickname while the account is provisioned. Reservations live
// only in memory; nothing is checkpointed until CompleteClaim.
type Claim struct {
	TokenID  string
	Email    string
	Nickname string
}

// BeginClaim validates tokenID and reserves nickname for the token's identity. It fails with
// ErrClaimed when another identity owns the nickname or is registering it right now, and with
// ErrInProgress when tokenID is already being used.
func (r *Registry) BeginClaim(ctx context.Context, tokenID, nickname string) (*Claim, error) {
	folded := foldNickname(nickname)
	if folded == "" {
		return nil, errors.New("nickname is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tok, err := r.lookupLocked(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if _, busy := r.pending[tokenID]; busy {
		return nil, ErrInProgress
	}
	if IsClaimedElsewhere(r.state, folded, tok.Email) {
		return nil, fmt.Errorf("claim %s: %w", folded, ErrClaimed)
	}
	for _, other := range r.pending {
		if other.Nickname == folded && other.Email != tok.Email {
			return nil, fmt.Errorf("claim %s: %w", folded, ErrClaimed)
		}
	}

	claim := &Claim{TokenID: tokenID, Email: tok.Email, Nickname: folded}
	r.pending[tokenID] = claim
	return claim, nil
}

// CompleteClaim consumes the token, records the nickname and clears the rate limit in one
// checkpoint. The reservation is released whatever the outcome.
func (r *Registry) CompleteClaim(ctx context.Context, claim *Claim) error {
	if claim == nil {
		return errors.New("nil claim")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.release(claim)

	if r.pending[claim.TokenID] != claim {
		return fmt.Errorf("complete claim: %w", ErrNotFound)
	}

	next := r.state.Clone()
	next.consume(claim.TokenID)
	next.addClaim(claim.Email, claim.Nickname)
	return r.commit(ctx, next)
}

// AbortClaim releases the reservation and leaves the token usable.
func (r *Registry) AbortClaim(claim *Claim) {
	if claim == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release(claim)
}

func (r *Registry) release(claim *Claim) {
	if r.pending[claim.TokenID] == claim {
		delete(r.pending, claim.TokenID)
	}
}
