package encoder

import (
	"errors"
	"fmt"
)

// State is the encoder feed lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Stopped, Starting, Running, Error} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown encoder state %q", b)
}

// ErrNotRunning is returned by Feed outside the Running state.
var ErrNotRunning = errors.New("encoder feed not running")

// StartError reports that the encoder process failed to launch or never
// connected. The session never reached Running.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "encoder start: " + e.Err.Error() }
func (e *StartError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the delivery channel. It is fatal to
// the session.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "encoder write: " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }
