// Package wire implements the framing used on the companion channel.
//
// The channel carries a fixed, lockstep sequence of fields with no message
// boundaries and no way to resynchronize. Every field is written in native
// byte order:
//   - string: u64 length (payload + 1), payload bytes, one NUL terminator
//   - bool:   one byte, nonzero is true
//   - u32/u64: raw bytes
//
// Both ends must agree step for step on the field sequence. Any decode
// failure wraps ErrProtocol and must end the connection.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxStringLen is the largest accepted string frame, terminator included.
// Every string on the channel is a path or a package name, so PATH_MAX bounds it.
const MaxStringLen = 4096

// Decode and encode errors.
var (
	// ErrProtocol is wrapped by every decode failure. The stream position
	// is unknown afterwards, so the connection must be dropped.
	ErrProtocol = errors.New("wire protocol error")

	ErrFrameLength       = fmt.Errorf("%w: invalid string length", ErrProtocol)
	ErrMissingTerminator = fmt.Errorf("%w: string not terminated", ErrProtocol)
	ErrTruncated         = fmt.Errorf("%w: truncated field", ErrProtocol)

	ErrEmbeddedNUL = errors.New("string contains NUL byte")
	ErrTooLong     = errors.New("string exceeds maximum frame length")
)

var order = binary.NativeEndian

// WriteString writes s as a length-prefixed, NUL-terminated frame.
func WriteString(w io.Writer, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return ErrEmbeddedNUL
	}
	n := len(s) + 1
	if n > MaxStringLen {
		return ErrTooLong
	}

	buf := make([]byte, 8+n)
	order.PutUint64(buf, uint64(n))
	copy(buf[8:], s)
	// buf[8+len(s)] is already the terminator.
	_, err := w.Write(buf)
	return err
}

// ReadString reads one string frame. The length is checked against
// MaxStringLen before anything is allocated.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return "", err
	}
	if n == 0 || n > MaxStringLen {
		return "", fmt.Errorf("%w: %d", ErrFrameLength, n)
	}

	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	if buf[n-1] != 0 {
		return "", ErrMissingTerminator
	}
	return string(buf[:n-1]), nil
}

// WriteBool writes a single byte, 1 for true.
func WriteBool(w io.Writer, v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b)
	return err
}

// ReadBool reads a single byte; any nonzero value is true.
func ReadBool(r io.Reader) (bool, error) {
	var b [1]byte
	if err := readFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// WriteUint32 writes v as four raw bytes.
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	order.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint32 reads four raw bytes.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return order.Uint32(b[:]), nil
}

// WriteUint64 writes v as eight raw bytes.
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	order.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint64 reads eight raw bytes.
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return order.Uint64(b[:]), nil
}

// readFull maps short reads to ErrTruncated. A clean EOF before the first
// byte is still a truncation: every field is mandatory once the sequence
// has started.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w (%d bytes expected)", ErrTruncated, len(buf))
		}
		return err
	}
	return nil
}
