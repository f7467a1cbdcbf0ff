package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Magic is the 8-byte preamble the server writes once the client's request
// header has been consumed. It is the PNG signature, which lets the stream pass
// proxies that expect an HTTP exchange carrying an image.
var Magic = [8]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

// maxPreamble bounds how much header text the server will discard.
const maxPreamble = 8 << 10

var terminator = []byte("\r\n\r\n")

// WriteRequest writes the HTTP-like request header a client sends before the
// object stream starts.
func WriteRequest(w io.Writer, host, path string) error {
	_, err := fmt.Fprintf(w, "GET /%s HTTP/1.1\r\nHost: %s\r\nAccept: image/png\r\n\r\n", path, host)
	return err
}

// DiscardRequest consumes bytes up to and including the first CRLFCRLF.
//
// Postcondition: Returns nil once the terminator is consumed, ErrProtocolViolation
// if it does not appear within the size limit, or the read error.
func DiscardRequest(r io.ByteReader) error {
	var last [4]byte
	for i := 0; i < maxPreamble; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		copy(last[:], last[1:])
		last[3] = b
		if i >= 3 && bytes.Equal(last[:], terminator) {
			return nil
		}
	}
	return fmt.Errorf("%w: request header exceeds %d bytes", ErrProtocolViolation, maxPreamble)
}

// WriteMagic writes the server preamble.
func WriteMagic(w io.Writer) error {
	_, err := w.Write(Magic[:])
	return err
}

// ReadMagic reads and verifies the server preamble.
func ReadMagic(r io.Reader) error {
	var got [8]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return err
	}
	if got != Magic {
		return fmt.Errorf("%w: bad preamble % x", ErrProtocolViolation, got[:])
	}
	return nil
}
