package protocol

import "fmt"

// ErrorKind classifies a command failure. Handlers return a WireError for
// anything the peer can recover from; only genuine socket-level failures
// are allowed to terminate a session.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrAuthRequired
	ErrNotAMember
	ErrNotFound
	ErrOwnershipViolation
	ErrMalformedCommand
	ErrTransferTimeout
	ErrTransferIOFailure
	ErrConnectionLost
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAuthRequired:
		return "AuthRequired"
	case ErrNotAMember:
		return "NotAMember"
	case ErrNotFound:
		return "NotFound"
	case ErrOwnershipViolation:
		return "OwnershipViolation"
	case ErrMalformedCommand:
		return "MalformedCommand"
	case ErrTransferTimeout:
		return "TransferTimeout"
	case ErrTransferIOFailure:
		return "TransferIOFailure"
	case ErrConnectionLost:
		return "ConnectionLost"
	default:
		return "Unknown"
	}
}

// WireError is a recoverable command failure. The dispatch boundary converts
// it into a {success:false} envelope; the connection stays open.
type WireError struct {
	Kind    ErrorKind
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewWireError creates a WireError with a formatted message.
func NewWireError(kind ErrorKind, format string, args ...interface{}) *WireError {
	return &WireError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Convenience constructors for the common kinds.

func AuthRequired() *WireError {
	return &WireError{Kind: ErrAuthRequired, Message: "You must be logged in"}
}

func NotAMember(roomID int64) *WireError {
	return NewWireError(ErrNotAMember, "You are not a member of room %d", roomID)
}

func NotFound(format string, args ...interface{}) *WireError {
	return NewWireError(ErrNotFound, format, args...)
}

func OwnershipViolation(what string) *WireError {
	return NewWireError(ErrOwnershipViolation, "Only the author may %s", what)
}

func Malformed(format string, args ...interface{}) *WireError {
	return NewWireError(ErrMalformedCommand, format, args...)
}
