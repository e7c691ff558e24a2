package wire

import "errors"

// Code is a wire-stable protocol error code carried by ERROR messages.
type Code uint16

// Protocol error codes. These are wire constants; never renumber.
const (
	CodeInvalidFrame       Code = 100
	CodeInvalidMessage     Code = 101
	CodeUnsupportedVersion Code = 102

	CodeInvalidAddress  Code = 200
	CodeAddressNotFound Code = 201
	CodePatternError    Code = 202

	CodeUnauthorized Code = 300
	CodeForbidden    Code = 301
	CodeTokenExpired Code = 302

	CodeRevisionConflict Code = 400
	CodeLockHeld         Code = 401
	CodeInvalidValue     Code = 402

	CodeInternalError      Code = 500
	CodeServiceUnavailable Code = 501
	CodeTimeout            Code = 502
)

func (c Code) String() string {
	switch c {
	case CodeInvalidFrame:
		return "invalid frame"
	case CodeInvalidMessage:
		return "invalid message"
	case CodeUnsupportedVersion:
		return "unsupported version"
	case CodeInvalidAddress:
		return "invalid address"
	case CodeAddressNotFound:
		return "address not found"
	case CodePatternError:
		return "pattern error"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeForbidden:
		return "forbidden"
	case CodeTokenExpired:
		return "token expired"
	case CodeRevisionConflict:
		return "revision conflict"
	case CodeLockHeld:
		return "lock held"
	case CodeInvalidValue:
		return "invalid value"
	case CodeInternalError:
		return "internal error"
	case CodeServiceUnavailable:
		return "service unavailable"
	case CodeTimeout:
		return "timeout"
	}
	return "unknown error"
}

var (
	// ErrInvalidFrame reports a malformed frame header. A bad magic byte is
	// terminal for the session; length errors are per-frame.
	ErrInvalidFrame = errors.New("wire: invalid frame")

	// ErrInvalidMessage reports a malformed message payload.
	ErrInvalidMessage = errors.New("wire: invalid message")

	// ErrBadMagic reports a leading byte that is not the frame magic. The
	// stream is unrecoverable past this point.
	ErrBadMagic = errors.New("wire: bad magic byte")
)
