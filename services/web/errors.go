package web

import (
	"errors"
	"fmt"
)

// ErrCollaborator matches every *CollaboratorError.
var ErrCollaborator = errors.New("collaborator failure")

// Collaborator names used in CollaboratorError.
const (
	CollaboratorMail   = "mail"
	CollaboratorLounge = "lounge"
	CollaboratorStore  = "store"
)

// CollaboratorError reports a failed mail transfer, account store update or checkpoint.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func (e *CollaboratorError) Is(target error) bool { return target == ErrCollaborator }
