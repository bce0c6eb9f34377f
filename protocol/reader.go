package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// CRLF is the protocol line terminator
	CRLF = "\r\n"

	// DefaultMaxBulkSize caps the declared length of a bulk string (512MB)
	DefaultMaxBulkSize = 512 * 1024 * 1024

	// DefaultMaxArraySize caps the declared element count of an array
	DefaultMaxArraySize = 1024 * 1024

	// DefaultMaxLineSize caps a simple line (status, error, integer, length prefix)
	DefaultMaxLineSize = 64 * 1024
)

var crlfBytes = []byte(CRLF)

// Reader is a streaming frame decoder. It consumes exactly one complete
// frame per ReadFrame call and blocks only between frames or while a frame's
// remaining bytes are in flight; it never yields a partially built Frame.
type Reader struct {
	br *bufio.Reader

	maxBulkSize  int64
	maxArraySize int64
	maxLineSize  int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxBulkSize overrides the bulk string length limit.
func WithMaxBulkSize(n int64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxBulkSize = n
		}
	}
}

// WithMaxArraySize overrides the array element count limit.
func WithMaxArraySize(n int64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxArraySize = n
		}
	}
}

// NewReader creates a streaming frame decoder over r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	rd := &Reader{
		br:           bufio.NewReaderSize(r, DefaultMaxLineSize),
		maxBulkSize:  DefaultMaxBulkSize,
		maxArraySize: DefaultMaxArraySize,
		maxLineSize:  DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// ReadFrame decodes the next frame from the stream.
//
// Decode errors wrap ErrMalformedFrame or ErrProtocolLimitExceeded; transport
// errors (io.EOF included) pass through untouched so callers can tell a closed
// connection from a corrupt stream.
func (r *Reader) ReadFrame() (Frame, error) {
	prefix, err := r.br.ReadByte()
	if err != nil {
		return Frame{}, err
	}

	switch FrameType(prefix) {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameType(prefix), Data: line}, nil
	case TypeInteger:
		return r.readInteger()
	case TypeBulkString:
		return r.readBulkString()
	case TypeArray:
		return r.readArray()
	default:
		return Frame{}, fmt.Errorf("%w: unknown type byte %#02x", ErrMalformedFrame, prefix)
	}
}

func (r *Reader) readInteger() (Frame, error) {
	line, err := r.readLine()
	if err != nil {
		return Frame{}, err
	}
	n, err := parseInt64(line)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: invalid integer %q", ErrMalformedFrame, line)
	}
	return Frame{Type: TypeInteger, Integer: n}, nil
}

func (r *Reader) readBulkString() (Frame, error) {
	length, err := r.readLength("bulk string")
	if err != nil {
		return Frame{}, err
	}
	if length == -1 {
		return Frame{Type: TypeBulkString, IsNull: true}, nil
	}
	if length > r.maxBulkSize {
		return Frame{}, fmt.Errorf("%w: bulk string length %d exceeds %d", ErrProtocolLimitExceeded, length, r.maxBulkSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Frame{}, err
	}
	if err := r.expectCRLF(); err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeBulkString, Data: data}, nil
}

func (r *Reader) readArray() (Frame, error) {
	count, err := r.readLength("array")
	if err != nil {
		return Frame{}, err
	}
	if count == -1 {
		return Frame{Type: TypeArray, IsNull: true}, nil
	}
	if count > r.maxArraySize {
		return Frame{}, fmt.Errorf("%w: array length %d exceeds %d", ErrProtocolLimitExceeded, count, r.maxArraySize)
	}

	elems := make([]Frame, count)
	for i := int64(0); i < count; i++ {
		elem, err := r.ReadFrame()
		if err != nil {
			return Frame{}, err
		}
		elems[i] = elem
	}
	return Frame{Type: TypeArray, Array: elems}, nil
}

// readLength parses a declared length line. -1 is the null sentinel; any
// other negative or non-numeric value is malformed.
func (r *Reader) readLength(kind string) (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	n, err := parseInt64(line)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s length %q", ErrMalformedFrame, kind, line)
	}
	if n < -1 {
		return 0, fmt.Errorf("%w: negative %s length %d", ErrMalformedFrame, kind, n)
	}
	return n, nil
}

// ReadSnapshot consumes a length-prefixed snapshot payload, calling fn for
// each chunk. Unlike a bulk string frame, the payload carries no trailing
// CRLF; this is the form a master transmits after a full-resync status.
func (r *Reader) ReadSnapshot(fn func(chunk []byte) error) (int64, error) {
	prefix, err := r.br.ReadByte()
	if err != nil {
		return 0, err
	}
	if FrameType(prefix) != TypeBulkString {
		return 0, fmt.Errorf("%w: expected snapshot length prefix, got %#02x", ErrMalformedFrame, prefix)
	}

	length, err := r.readLength("snapshot")
	if err != nil {
		return 0, err
	}
	if length == -1 {
		return 0, fn(nil)
	}
	if length > r.maxBulkSize {
		return 0, fmt.Errorf("%w: snapshot length %d exceeds %d", ErrProtocolLimitExceeded, length, r.maxBulkSize)
	}

	const chunkSize = 8192
	buf := make([]byte, chunkSize)
	remaining := length
	for remaining > 0 {
		toRead := int64(chunkSize)
		if remaining < toRead {
			toRead = remaining
		}
		n, err := io.ReadFull(r.br, buf[:toRead])
		if err != nil {
			return length - remaining, err
		}
		if fn != nil {
			if err := fn(buf[:n]); err != nil {
				return length - remaining, err
			}
		}
		remaining -= int64(n)
	}
	return length, nil
}

// readLine reads a CRLF-terminated line, returning it without the terminator.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("%w: line exceeds %d bytes without terminator", ErrProtocolLimitExceeded, r.maxLineSize)
	}
	if err != nil {
		return nil, err
	}
	if len(line) > r.maxLineSize {
		return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrProtocolLimitExceeded, r.maxLineSize)
	}
	if !bytes.HasSuffix(line, crlfBytes) {
		return nil, fmt.Errorf("%w: line terminated by bare LF", ErrMalformedFrame)
	}
	// Copy out of the bufio-owned slice before the next read invalidates it.
	out := make([]byte, len(line)-2)
	copy(out, line)
	return out, nil
}

// expectCRLF consumes and validates the two terminator bytes after a payload.
func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.br, crlf[:]); err != nil {
		return err
	}
	if !bytes.Equal(crlf[:], crlfBytes) {
		return fmt.Errorf("%w: payload not terminated by CRLF", ErrMalformedFrame)
	}
	return nil
}

// parseInt64 parses a signed decimal from a byte slice without allocating.
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	i := 0
	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}
	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}
