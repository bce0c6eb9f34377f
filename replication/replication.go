package replication

import (
	"errors"
	"fmt"
)

// Role identifies which side of replication a node plays.
type Role int

const (
	// RoleMaster accepts writes and propagates them to replicas.
	RoleMaster Role = iota
	// RoleReplica follows a master and rejects client writes.
	RoleReplica
)

// String returns the role name as reported by INFO.
func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleReplica:
		return "slave"
	default:
		return "unknown"
	}
}

// State is the replica client's position in the sync lifecycle.
type State int32

const (
	// StateDisconnected means no connection to the master exists.
	StateDisconnected State = iota
	// StateConnecting means a TCP dial is in progress.
	StateConnecting
	// StatePingSent means PING was sent and +PONG is awaited.
	StatePingSent
	// StateConfSent means REPLCONF was sent and +OK is awaited.
	StateConfSent
	// StatePsyncSent means PSYNC was sent and +FULLRESYNC is awaited.
	StatePsyncSent
	// StateSnapshot means the snapshot payload is being consumed.
	StateSnapshot
	// StateStreaming means the handshake completed and commands are flowing.
	StateStreaming
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePingSent:
		return "ping-sent"
	case StateConfSent:
		return "conf-sent"
	case StatePsyncSent:
		return "psync-sent"
	case StateSnapshot:
		return "snapshot"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrLinkBroken indicates a replica link failed a write and was removed
// from the master's registry.
var ErrLinkBroken = errors.New("replication link broken")

// HandshakeError describes a failed handshake attempt. The whole handshake
// is retried from the beginning; there is no partial resumption.
type HandshakeError struct {
	Step    string // handshake step that failed ("ping", "replconf", "psync", "snapshot")
	Attempt int    // attempt number, starting at 1
	Err     error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s (attempt %d): %v", e.Step, e.Attempt, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// defaultLogger discards all output.
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...interface{}) {}
func (l *defaultLogger) Info(msg string, fields ...interface{})  {}
func (l *defaultLogger) Error(msg string, fields ...interface{}) {}
