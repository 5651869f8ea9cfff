package exaws

import (
	"fmt"
)

// ServerError represents a well-formed error response from the Exasol
// server. It carries the SQLSTATE-style code and the message reported by
// the database, so callers can branch on the code.
type ServerError struct {
	// SQLCode is the error code reported by the server, e.g. "08004".
	SQLCode string

	// Message is the human-readable error text reported by the server.
	Message string
}

// String returns a formatted string representation of the ServerError.
// The format is "SQLCode: Message".
func (e *ServerError) String() string {
	if e == nil {
		return "nil ServerError"
	}
	return fmt.Sprintf("%s: %s", e.SQLCode, e.Message)
}

// Error implements the error interface for ServerError.
func (e *ServerError) Error() string {
	return e.String()
}

// ProtocolError indicates that a response could not be interpreted: a
// non-JSON body, a missing or invalid status field, or an error payload
// missing its required sub-fields. It means both sides have lost sync, so
// it is never recovered silently.
type ProtocolError struct {
	// Reason describes what was wrong with the response.
	Reason string

	// Cause is the underlying error, if any (e.g. a JSON decode error).
	Cause error
}

// Error implements the error interface for ProtocolError.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("exaws: protocol error: %s: %v", e.Reason, e.Cause)
	}
	return "exaws: protocol error: " + e.Reason
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

func protocolErrorf(cause error, format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}
