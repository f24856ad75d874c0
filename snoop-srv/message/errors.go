package message

import (
	"errors"
	"fmt"
)

// ErrNoMessage is returned when the peer closed the stream before sending a first line.
var ErrNoMessage = errors.New("no message on stream")

// ParseError reports a malformed message. Only the message being parsed is
// affected; the caller decides what happens to the connection.
type ParseError struct {
	Reason string
	Line   string
	Cause  error
}

func (e *ParseError) Error() string {
	msg := "parse error: " + e.Reason
	if e.Line != "" {
		msg += fmt.Sprintf(" (line %q)", e.Line)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

func newParseError(reason, line string, cause error) *ParseError {
	return &ParseError{Reason: reason, Line: line, Cause: cause}
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
