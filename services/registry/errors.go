package registry

import "errors"

var (
	// ErrNotFound reports an unknown token.
	ErrNotFound = errors.New("token not found")
	// ErrExpired reports a token past its TTL. The token is removed when this is returned.
	ErrExpired = errors.New("token expired")
	// ErrMalformed reports a token that is not a digest or has no associated email.
	ErrMalformed = errors.New("token malformed")
	// ErrConflict reports an attempt to mint a second live token for an email.
	ErrConflict = errors.New("live token already exists")
	// ErrRateLimited reports a link request made within TTL of the previous one.
	ErrRateLimited = errors.New("link already sent")
	// ErrClaimed reports a nickname owned by, or being registered by, another identity.
	ErrClaimed = errors.New("nickname claimed by another identity")
	// ErrInProgress reports a token already being used by a concurrent registration.
	ErrInProgress = errors.New("registration already in progress")
	// ErrPersist wraps store failures; the in-memory state is left unchanged when returned.
	ErrPersist = errors.New("checkpoint failed")
)
