package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store persists full registry snapshots.
type Store interface {
	Load(ctx context.Context) (State, error)
	Checkpoint(ctx context.Context, state State) error
}

// Config controls registry behaviour.
type Config struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

// Registry owns identities and tokens. Every mutating method stages its change on a copy of
// the state, checkpoints the copy and only then makes it visible, all under one lock.
type Registry struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	loaded  bool
	pending map[string]*Claim // token id -> in-flight claim
}

// New builds a registry backed by store. Call Load before use.
func New(store Store, cfg Config) (*Registry, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Registry{
		store:   store,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
		state:   NewState(),
		pending: make(map[string]*Claim),
	}, nil
}

// Load replaces the in-memory state with the stored snapshot.
func (r *Registry) Load(ctx context.Context) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if dropped := state.Normalize(); dropped > 0 {
		r.logger.Warn().Int("dropped", dropped).Msg("dropped tokens without email from snapshot")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.loaded = true
	r.logger.Info().
		Int("identities", len(state.Identities)).
		Int("tokens", len(state.Tokens)).
		Msg("registry loaded")
	return nil
}

// Loaded reports whether Load has completed.
func (r *Registry) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// TTL returns the token lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Link is an issued token plus what is needed to revoke it.
type Link struct {
	Token        Token
	previousSent time.Time
}

// IssueLink rate-limits email, mints a token and records the issue time in one checkpoint.
func (r *Registry) IssueLink(ctx context.Context, email string) (Link, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Link{}, errors.New("email is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	next := r.state.Clone()
	if err := next.requestLink(email, now, r.ttl); err != nil {
		return Link{}, err
	}
	previous := next.Identities[email].LastIssuedAt

	tok, err := next.issue(email, now, r.ttl)
	if err != nil {
		return Link{}, err
	}
	next.recordIssue(email, now)

	if err := r.commit(ctx, next); err != nil {
		return Link{}, err
	}
	return Link{Token: tok, previousSent: previous}, nil
}

// RevokeLink undoes IssueLink, used when the link could not be delivered.
func (r *Registry) RevokeLink(ctx context.Context, link Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Clone()
	next.consume(link.Token.ID)
	if id, ok := next.Identities[link.Token.Email]; ok && id.LastIssuedAt.Equal(link.Token.IssuedAt) {
		next.recordIssue(link.Token.Email, link.previousSent)
	}
	return r.commit(ctx, next)
}

// Lookup resolves a token. Expired and malformed tokens are removed and the removal is
// checkpointed; a failed checkpoint is logged and retried on the next lookup.
func (r *Registry) Lookup(ctx context.Context, id string) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(ctx, id)
}

func (r *Registry) lookupLocked(ctx context.Context, id string) (Token, error) {
	if _, ok := r.state.Tokens[id]; !ok {
		return r.state.lookup(id, r.clock(), r.ttl)
	}

	next := r.state.Clone()
	tok, err := next.lookup(id, r.clock(), r.ttl)
	if err == nil {
		return tok, nil
	}
	if cerr := r.commit(ctx, next); cerr != nil {
		r.logger.Error().Err(cerr).Msg("checkpoint after token removal")
	}
	return Token{}, err
}

// Consume removes a token. Removing an absent token succeeds.
func (r *Registry) Consume(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state.Tokens[id]; !ok {
		return nil
	}
	next := r.state.Clone()
	next.consume(id)
	return r.commit(ctx, next)
}

// Identity returns the record for email.
func (r *Registry) Identity(email string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.state.Identities[email]
	if ok && id.Nicknames != nil {
		id.Nicknames = slices.Clone(id.Nicknames)
	}
	return id, ok
}

// ClaimedNicknames returns the claims of every identity other than excluding.
func (r *Registry) ClaimedNicknames(excluding string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.claimedNicknames(excluding)
}

// IsClaimedElsewhere reports whether another identity owns nickname.
func (r *Registry) IsClaimedElsewhere(nickname, email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return IsClaimedElsewhere(r.state, nickname, email)
}

// AddClaim records nickname for email and clears its rate limit.
func (r *Registry) AddClaim(ctx context.Context, email, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if IsClaimedElsewhere(r.state, nickname, email) {
		return fmt.Errorf("claim %s: %w", foldNickname(nickname), ErrClaimed)
	}
	next := r.state.Clone()
	next.addClaim(email, nickname)
	return r.commit(ctx, next)
}

// commit checkpoints next and installs it. Callers hold r.mu.
func (r *Registry) commit(ctx context.Context, next State) error {
	if err := r.store.Checkpoint(ctx, next); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	r.state = next
	return nil
}

func (r *Registry) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}
