package directory

import (
	"errors"
	"fmt"
)

// Stage identifies a point in the provisioning conversation.
type Stage int

const (
	StageConnect Stage = iota
	StageAuthorize
	StageAuthenticate
	StageElevate
	StageRegister
	StageDisconnect
)

var gatedStages = []Stage{StageAuthorize, StageAuthenticate, StageElevate, StageRegister}

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageAuthorize:
		return "authorize"
	case StageAuthenticate:
		return "authenticate"
	case StageElevate:
		return "elevate"
	case StageRegister:
		return "register"
	case StageDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Code is the numeric failure code for the stage: 1 authorize, 2 authenticate, 3 elevate,
// 4 register. Connection failures report 1.
func (s Stage) Code() int {
	switch s {
	case StageConnect, StageAuthorize:
		return 1
	case StageAuthenticate:
		return 2
	case StageElevate:
		return 3
	case StageRegister:
		return 4
	default:
		return 1
	}
}

var (
	// ErrTimeout marks a stage that saw no success pattern before its deadline.
	ErrTimeout = errors.New("directory: stage timed out")
	// ErrClosed marks a stage whose stream ended before its success pattern arrived.
	ErrClosed = errors.New("directory: connection closed before confirmation")
	// ErrInvalidArgument rejects nicknames or passwords that cannot travel on one protocol line.
	ErrInvalidArgument = errors.New("directory: invalid argument")
)

// StageError reports the stage at which provisioning stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("directory: %s failed (code %d): %v", e.Stage, e.Stage.Code(), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Code returns the stage failure code.
func (e *StageError) Code() int { return e.Stage.Code() }

// Timeout reports whether the stage ran out of time.
func (e *StageError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }
