// Package syncerr names the taxonomy of fatal conditions a measurement
// run can end in (spec §7) and maps each to a process exit code. Only
// cmd/synctiming-tv and cmd/synctiming-csa consult ExitCode; everything
// else just returns a *Fault up the call stack.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	LinkFault Kind = iota
	ProtocolFault
	NoTimeline
	InsufficientObservations
	DispersionCeiling
	UserAbort
)

func (k Kind) String() string {
	switch k {
	case LinkFault:
		return "link-fault"
	case ProtocolFault:
		return "protocol-fault"
	case NoTimeline:
		return "no-timeline"
	case InsufficientObservations:
		return "insufficient-observations"
	case DispersionCeiling:
		return "dispersion-ceiling"
	case UserAbort:
		return "user-abort"
	default:
		return "unknown-fault"
	}
}

// Fault is the single error type that crosses component boundaries.
// The orchestrator and the other components propagate it unchanged;
// only the command entry points inspect Kind, through ExitCode, to
// choose the process exit code.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Msg: err.Error(), Err: err}
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// ExitCode implements the exit-code table of spec §6.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var f *Fault
	if errors.As(err, &f) {
		switch f.Kind {
		case InsufficientObservations:
			return 3
		case UserAbort:
			return 4
		case LinkFault, ProtocolFault, NoTimeline, DispersionCeiling:
			return 2
		}
	}
	return 2
}

func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}
