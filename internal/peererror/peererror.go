// Package peererror classifies the fatal error kinds a Peer Connection
// handler may raise. Every kind is fatal to the connection; the only
// distinction between them is what caused the teardown, for logging and
// for the handful of invariants that check for a specific kind.
package peererror

import "fmt"

// Kind tags a fatal error with the category of invariant it violated.
type Kind int

const (
	// Internal marks an invariant violation inside this module itself.
	Internal Kind = iota
	// Network marks malformed data received from the peer.
	Network
	// Communication marks a peer request that is protocol-valid but
	// references content this side cannot satisfy.
	Communication
	// Storage marks a chunk store lease failure.
	Storage
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal_error"
	case Network:
		return "network_error"
	case Communication:
		return "communication_error"
	case Storage:
		return "storage_error"
	default:
		return "unknown_error"
	}
}

// Error wraps an underlying cause with the Kind of fault it represents.
// Every Error is fatal to the connection that raised it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fatal Error of the given kind.
func New(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// Internalf builds an Internal-kind error from a formatted message.
func Internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: Internal, Err: fmt.Errorf(format, args...)}
}

// Networkf builds a Network-kind error from a formatted message.
func Networkf(format string, args ...interface{}) *Error {
	return &Error{Kind: Network, Err: fmt.Errorf(format, args...)}
}

// Storagef builds a Storage-kind error from a formatted message.
func Storagef(format string, args ...interface{}) *Error {
	return &Error{Kind: Storage, Err: fmt.Errorf(format, args...)}
}

// Communicationf builds a Communication-kind error from a formatted message.
func Communicationf(format string, args ...interface{}) *Error {
	return &Error{Kind: Communication, Err: fmt.Errorf(format, args...)}
}
