// Package wire defines the byte-level contract between client proxies, the
// session directory, and sessions: the primitive value codec, the connection
// preamble, the text command grammar, and the session listing format.
//
// Values are written big-endian with no per-value framing, so reader and
// writer must agree on field order exactly. Writer and Reader keep the first
// error they encounter; later calls are no-ops and the error is reported by
// Flush or Err.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrProtocolViolation is returned when the peer sends bytes that do not
// follow the expected field order, terminator, or magic.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrUnsupportedMessage is returned for message payloads that have no protobuf Value form.
var ErrUnsupportedMessage = errors.New("unsupported message payload")

// KeyUndefined is the sentinel key meaning "no key pressed".
const KeyUndefined uint16 = 0xFFFF

const (
	maxStringLen  = 64 << 10
	maxMessageLen = 1 << 20
)

// Writer encodes primitive values onto a buffered stream.
type Writer struct {
	w   *bufio.Writer
	n   int
	err error
	buf [8]byte
}

// NewWriter wraps w in a buffered Writer. Nothing reaches w until Flush.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 4096)}
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	w.n += n
	w.err = err
}

// Bool writes a one-byte boolean.
func (w *Writer) Bool(b bool) {
	if b {
		w.buf[0] = 1
	} else {
		w.buf[0] = 0
	}
	w.write(w.buf[:1])
}

// Int writes a 32-bit signed integer.
func (w *Writer) Int(v int32) {
	binary.BigEndian.PutUint32(w.buf[:4], uint32(v))
	w.write(w.buf[:4])
}

// Double writes an IEEE-754 float64.
func (w *Writer) Double(v float64) {
	binary.BigEndian.PutUint64(w.buf[:8], math.Float64bits(v))
	w.write(w.buf[:8])
}

// Char writes a 16-bit key code.
func (w *Writer) Char(v uint16) {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

// String writes a uvarint length followed by the UTF-8 bytes of s.
func (w *Writer) String(s string) {
	w.bytes([]byte(s))
}

func (w *Writer) bytes(p []byte) {
	n := binary.PutUvarint(w.buf[:], uint64(len(p)))
	w.write(w.buf[:n])
	w.write(p)
}

// Message writes an arbitrary payload as a length-prefixed protobuf Value.
// v must be representable by structpb.NewValue: nil, bool, numbers, string,
// []byte, []any, or map[string]any.
func (w *Writer) Message(v any) {
	if w.err != nil {
		return
	}
	pv, err := structpb.NewValue(v)
	if err != nil {
		w.err = fmt.Errorf("%w: %v", ErrUnsupportedMessage, err)
		return
	}
	b, err := proto.Marshal(pv)
	if err != nil {
		w.err = fmt.Errorf("marshalling message: %w", err)
		return
	}
	w.bytes(b)
}

// CheckMessage reports whether v can be written by Message.
func CheckMessage(v any) error {
	if _, err := structpb.NewValue(v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedMessage, err)
	}
	return nil
}

// Count returns the bytes written since the last ResetCount.
func (w *Writer) Count() int { return w.n }

// ResetCount zeroes the byte counter.
func (w *Writer) ResetCount() { w.n = 0 }

// Flush pushes buffered bytes to the underlying stream.
//
// Postcondition: Returns the first error seen by any write, or the flush error.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// Err returns the first error recorded by the Writer.
func (w *Writer) Err() error { return w.err }

// Reader decodes primitive values written by a Writer.
type Reader struct {
	r   io.Reader
	err error
	buf [8]byte
}

// NewReader returns a Reader over r. r is read exactly as far as each value requires.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) fill(n int) []byte {
	if r.err != nil {
		return nil
	}
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		r.err = err
		return nil
	}
	return r.buf[:n]
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	b := r.fill(1)
	if b == nil {
		return 0, r.err
	}
	return b[0], nil
}

// Bool reads a one-byte boolean. Any value other than 0 or 1 is a protocol violation.
func (r *Reader) Bool() bool {
	b := r.fill(1)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = fmt.Errorf("%w: boolean byte 0x%02x", ErrProtocolViolation, b[0])
		return false
	}
}

// Int reads a 32-bit signed integer.
func (r *Reader) Int() int32 {
	b := r.fill(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// Double reads an IEEE-754 float64.
func (r *Reader) Double() float64 {
	b := r.fill(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// Char reads a 16-bit key code.
func (r *Reader) Char() uint16 {
	b := r.fill(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) bytes(limit int) []byte {
	if r.err != nil {
		return nil
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		if r.err == nil {
			r.err = err
		}
		return nil
	}
	if n > uint64(limit) {
		r.err = fmt.Errorf("%w: length %d exceeds %d", ErrProtocolViolation, n, limit)
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r.r, p); err != nil {
		r.err = err
		return nil
	}
	return p
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() string {
	return string(r.bytes(maxStringLen))
}

// Message reads a payload written by Writer.Message. Numbers decode as float64,
// lists as []any and structs as map[string]any.
func (r *Reader) Message() any {
	b := r.bytes(maxMessageLen)
	if r.err != nil {
		return nil
	}
	var pv structpb.Value
	if err := proto.Unmarshal(b, &pv); err != nil {
		r.err = fmt.Errorf("%w: message payload: %v", ErrProtocolViolation, err)
		return nil
	}
	return pv.AsInterface()
}

// Err returns the first error recorded by the Reader.
func (r *Reader) Err() error { return r.err }
