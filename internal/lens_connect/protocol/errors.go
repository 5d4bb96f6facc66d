package protocol

import (
	"errors"
	"fmt"
)

// Codec error kinds. Match them with errors.Is.
var (
	ErrParamsTooLong  = errors.New("params too long")
	ErrTruncated      = errors.New("truncated frame")
	ErrArityMismatch  = errors.New("arity mismatch")
	ErrUnknownCommand = errors.New("unknown command")
	ErrTrailingBytes  = errors.New("trailing bytes after frame")
	ErrChunkTruncated = errors.New("truncated chunk header")
	ErrInvalidParam   = errors.New("invalid parameter")
)

// CodecError describes a malformed command or chunk. It is always a caller or
// peer bug and is never retried.
type CodecError struct {
	Op      string
	Command CommandID
	Detail  string
	Err     error

	hasCommand bool
}

func (e *CodecError) Error() string {
	msg := "codec " + e.Op
	if e.hasCommand {
		msg += " " + e.Command.String()
	}
	msg += ": " + e.Err.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecErr(op string, id CommandID, err error, format string, args ...interface{}) error {
	return &CodecError{Op: op, Command: id, Err: err, Detail: fmt.Sprintf(format, args...), hasCommand: true}
}
