package protocol

import (
	"errors"
	"strconv"
	"strings"
)

// FrameType identifies the wire-level variant of a Frame by its prefix byte.
type FrameType byte

const (
	TypeSimpleString FrameType = '+'
	TypeError        FrameType = '-'
	TypeInteger      FrameType = ':'
	TypeBulkString   FrameType = '$'
	TypeArray        FrameType = '*'
)

// Decode failure taxonomy. Both are connection-fatal: once a stream produces
// either of these the frame boundary is lost and the connection must close.
var (
	// ErrMalformedFrame indicates bytes that cannot be parsed as a frame
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrProtocolLimitExceeded indicates a declared length above the configured maximum
	ErrProtocolLimitExceeded = errors.New("protocol limit exceeded")
)

// Frame is one parsed unit of the wire protocol.
//
// Bulk strings and arrays may be null ($-1 / *-1), carried in IsNull with
// Data/Array empty. Data is binary-safe.
type Frame struct {
	Type    FrameType
	Data    []byte
	Integer int64
	Array   []Frame
	IsNull  bool
}

// SimpleString builds a status frame.
func SimpleString(s string) Frame { return Frame{Type: TypeSimpleString, Data: []byte(s)} }

// ErrorFrame builds an error frame.
func ErrorFrame(msg string) Frame { return Frame{Type: TypeError, Data: []byte(msg)} }

// Integer builds an integer frame.
func Integer(n int64) Frame { return Frame{Type: TypeInteger, Integer: n} }

// BulkString builds a binary-safe bulk string frame.
func BulkString(data []byte) Frame { return Frame{Type: TypeBulkString, Data: data} }

// NullBulkString builds the $-1 null frame.
func NullBulkString() Frame { return Frame{Type: TypeBulkString, IsNull: true} }

// Array builds an array frame from its elements.
func Array(elems ...Frame) Frame { return Frame{Type: TypeArray, Array: elems} }

// CommandFrame builds the array-of-bulk-strings form clients use for requests.
func CommandFrame(name string, args ...string) Frame {
	elems := make([]Frame, 0, 1+len(args))
	elems = append(elems, BulkString([]byte(name)))
	for _, a := range args {
		elems = append(elems, BulkString([]byte(a)))
	}
	return Array(elems...)
}

// Equal reports deep equality between two frames. Null-ness is significant:
// a null bulk string never equals an empty one.
func (f Frame) Equal(other Frame) bool {
	if f.Type != other.Type || f.IsNull != other.IsNull {
		return false
	}
	switch f.Type {
	case TypeInteger:
		return f.Integer == other.Integer
	case TypeArray:
		if f.IsNull {
			return true
		}
		if len(f.Array) != len(other.Array) {
			return false
		}
		for i := range f.Array {
			if !f.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	default:
		if f.IsNull {
			return true
		}
		return string(f.Data) == string(other.Data)
	}
}

// String renders the frame for logs and error messages, not for the wire.
func (f Frame) String() string {
	switch f.Type {
	case TypeSimpleString, TypeError:
		return string(f.Data)
	case TypeInteger:
		return strconv.FormatInt(f.Integer, 10)
	case TypeBulkString:
		if f.IsNull {
			return "(nil)"
		}
		return string(f.Data)
	case TypeArray:
		if f.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(f.Array))
		for i, elem := range f.Array {
			parts[i] = elem.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return "unknown frame type " + string(rune(f.Type))
	}
}

// IsError reports whether this is an error frame.
func (f Frame) IsError() bool { return f.Type == TypeError }

// Bytes returns the payload of a simple string, error or bulk string frame.
func (f Frame) Bytes() []byte { return f.Data }
