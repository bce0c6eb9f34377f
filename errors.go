package credis

import (
	"errors"
	"fmt"
)

// Error types for specific failure scenarios
var (
	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotStarted indicates an operation that requires Start was called first
	ErrNotStarted = errors.New("server not started")

	// ErrClosed indicates the server has been closed
	ErrClosed = errors.New("server is closed")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
