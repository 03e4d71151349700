package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is matched by every error after which the stream
// position is no longer trustworthy. Connections must be torn down.
var ErrProtocolViolation = errors.New("protocol: violation")

var (
	ErrShortPayload        = violation("short binary payload")
	ErrLineTooLong         = violation("control line too long")
	ErrPayloadTooLarge     = violation("announced payload too large")
	ErrMalformedAttachment = violation("malformed attachment header")
)

// ErrControlChars is returned when control text would contain a line break.
var ErrControlChars = errors.New("protocol: control text contains CR or LF")

type violationError struct {
	msg string
}

func violation(msg string) error {
	return &violationError{msg: "protocol: " + msg}
}

func (e *violationError) Error() string { return e.msg }

func (e *violationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// IsViolation reports whether err leaves the stream unusable.
func IsViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

func wrapShort(err error) error {
	return fmt.Errorf("%w: %v", ErrShortPayload, err)
}
