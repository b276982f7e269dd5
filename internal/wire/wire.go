// Package wire implements the length-prefixed record framing used for every
// record exchanged between a broker and a client: a 4-byte big-endian
// unsigned length followed by exactly that many payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxRecordBytes is the default cap on a single record's payload
// length. A length prefix above this is rejected as a protocol error.
const DefaultMaxRecordBytes = 16 * 1024 * 1024

// ErrRecordTooLarge is returned by Recv when the advertised length exceeds
// the configured cap.
var ErrRecordTooLarge = errors.New("wire: record exceeds maximum size")

const lenPrefixSize = 4

// Send writes a single framed record: a 4-byte big-endian length prefix
// followed by payload. A partial write is treated as fatal for the
// connection; the caller must not reuse w after an error.
func Send(w io.Writer, payload []byte) error {
	var header [lenPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := writeFull(w, header[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := writeFull(w, payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Recv reads a single framed record. maxBytes of 0 selects
// DefaultMaxRecordBytes. A zero-length record is returned as an empty,
// non-nil slice — callers treat it as a no-op keepalive.
func Recv(r io.Reader, maxBytes uint32) ([]byte, error) {
	if maxBytes == 0 {
		maxBytes = DefaultMaxRecordBytes
	}

	var header [lenPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, length, maxBytes)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return buf, nil
}

// writeFull is the write-exact helper: Write on a net.Conn does not
// guarantee a short write never happens, so loop until the buffer is fully
// flushed or an error occurs.
func writeFull(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
