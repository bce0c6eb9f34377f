package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Writer encodes frames onto a buffered output stream. Callers must Flush
// once a logical response is complete.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a frame encoder over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteFrame encodes any frame. Encoding is the exact inverse of decoding:
// bulk strings and arrays always carry explicit lengths, null is always the
// -1 sentinel.
func (w *Writer) WriteFrame(f Frame) error {
	switch f.Type {
	case TypeSimpleString:
		return w.WriteSimpleString(string(f.Data))
	case TypeError:
		return w.WriteError(string(f.Data))
	case TypeInteger:
		return w.WriteInteger(f.Integer)
	case TypeBulkString:
		if f.IsNull {
			return w.WriteNullBulkString()
		}
		return w.WriteBulkString(f.Data)
	case TypeArray:
		if f.IsNull {
			return w.WriteNullArray()
		}
		return w.WriteArray(f.Array)
	default:
		return fmt.Errorf("unsupported frame type %#02x", byte(f.Type))
	}
}

// WriteSimpleString writes a status line.
func (w *Writer) WriteSimpleString(s string) error {
	return w.writeLine('+', s)
}

// WriteError writes an error line.
func (w *Writer) WriteError(msg string) error {
	return w.writeLine('-', msg)
}

// WriteInteger writes an integer line.
func (w *Writer) WriteInteger(n int64) error {
	return w.writeLine(':', strconv.FormatInt(n, 10))
}

// WriteBulkString writes a length-prefixed binary-safe string.
func (w *Writer) WriteBulkString(data []byte) error {
	if err := w.writeLine('$', strconv.Itoa(len(data))); err != nil {
		return err
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteNullBulkString writes the $-1 null sentinel.
func (w *Writer) WriteNullBulkString() error {
	return w.writeLine('$', "-1")
}

// WriteArray writes an array header followed by its elements.
func (w *Writer) WriteArray(elems []Frame) error {
	if err := w.writeLine('*', strconv.Itoa(len(elems))); err != nil {
		return err
	}
	for _, elem := range elems {
		if err := w.WriteFrame(elem); err != nil {
			return err
		}
	}
	return nil
}

// WriteNullArray writes the *-1 null sentinel.
func (w *Writer) WriteNullArray() error {
	return w.writeLine('*', "-1")
}

// WriteCommand writes a command as an array of bulk strings, the request
// form clients and replication streams both use.
func (w *Writer) WriteCommand(name string, args ...string) error {
	if err := w.writeLine('*', strconv.Itoa(1+len(args))); err != nil {
		return err
	}
	if err := w.WriteBulkString([]byte(name)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkString([]byte(arg)); err != nil {
			return err
		}
	}
	return nil
}

// WriteSnapshot writes a length-prefixed snapshot payload. The payload is
// not a frame: it carries no trailing CRLF.
func (w *Writer) WriteSnapshot(payload []byte) error {
	if err := w.writeLine('$', strconv.Itoa(len(payload))); err != nil {
		return err
	}
	_, err := w.bw.Write(payload)
	return err
}

// WriteRaw writes pre-encoded frame bytes as-is.
func (w *Writer) WriteRaw(data []byte) error {
	_, err := w.bw.Write(data)
	return err
}

// Flush flushes buffered output to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Reset redirects the writer to a new underlying stream.
func (w *Writer) Reset(dst io.Writer) {
	w.bw.Reset(dst)
}

func (w *Writer) writeLine(prefix byte, body string) error {
	if err := w.bw.WriteByte(prefix); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(body); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *Writer) writeCRLF() error {
	_, err := w.bw.WriteString(CRLF)
	return err
}

// Encode renders a frame to its exact wire representation.
func Encode(f Frame) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteFrame(f)
	_ = w.Flush()
	return buf.Bytes()
}

// EncodeCommand renders a command built from raw arguments, used when
// forwarding writes to replicas in the same form clients send them.
func EncodeCommand(name string, args ...[]byte) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	elems := make([]Frame, 0, 1+len(args))
	elems = append(elems, BulkString([]byte(name)))
	for _, a := range args {
		elems = append(elems, BulkString(a))
	}
	_ = w.WriteArray(elems)
	_ = w.Flush()
	return buf.Bytes()
}
