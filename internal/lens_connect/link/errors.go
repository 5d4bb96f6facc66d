package link

import (
	"errors"
	"strings"
)

// Link error kinds. Match them with errors.Is.
var (
	ErrConnectFailed   = errors.New("connect failed")
	ErrUnreachable     = errors.New("device unreachable")
	ErrNotReady        = errors.New("link not ready")
	ErrCommandBusy     = errors.New("command already in flight")
	ErrCommandTimeout  = errors.New("command acknowledgement timeout")
	ErrCommandRejected = errors.New("command rejected by device")
	ErrSuspended       = errors.New("media suspended by safety interlock")
	ErrLinkLost        = errors.New("link lost")
	ErrClosed          = errors.New("manager closed")
)

// Error is a link failure with the state it happened in.
type Error struct {
	Op    string
	State State
	Err   error // one of the kinds above
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" (")
	b.WriteString(e.State.String())
	b.WriteString("): ")
	b.WriteString(e.Err.Error())
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func linkErr(op string, state State, kind, cause error) error {
	return &Error{Op: op, State: state, Err: kind, Cause: cause}
}
