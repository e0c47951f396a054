package eegolink

import (
	"context"
	"errors"
	"fmt"

	"github.com/norasector/eegolink/pkg/eegolink/device"
)

// Outcome is the terminal classification of an acquisition run.
type Outcome int

const (
	Finished Outcome = iota
	AmpNotFound
	ConnectionLost
	IncorrectValue
	AlreadyExists
	UnknownFailure
	// Timeout is raised by the controller watchdog only.
	Timeout
)

var outcomeNames = map[Outcome]string{
	Finished:       "finished",
	AmpNotFound:    "amp_not_found",
	ConnectionLost: "connection_lost",
	IncorrectValue: "incorrect_value",
	AlreadyExists:  "already_exists",
	UnknownFailure: "unknown_failure",
	Timeout:        "timeout",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Surfaced reports whether the outcome is shown to the user rather than only logged.
func (o Outcome) Surfaced() bool {
	switch o {
	case AmpNotFound, ConnectionLost, Timeout:
		return true
	}
	return false
}

// Classify maps a run error to its outcome. A nil error or a context that
// was cancelled or ran past its deadline is a normal stop. Stalls are
// reported as Timeout by the controller watchdog instead.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Finished
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Finished
	case errors.Is(err, device.ErrNotFound):
		return AmpNotFound
	case errors.Is(err, device.ErrNotConnected):
		return ConnectionLost
	case errors.Is(err, device.ErrIncorrectValue):
		return IncorrectValue
	case errors.Is(err, device.ErrAlreadyExists):
		return AlreadyExists
	default:
		return UnknownFailure
	}
}
