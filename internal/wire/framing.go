package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxMessageSize bounds a single message; larger prefixes are rejected.
const MaxMessageSize = 64 << 20

const headerSize = 4

var (
	// ErrClosed is returned for a zero-length or short read.
	ErrClosed = errors.New("stream closed")
	// ErrNoMessage means the read poll elapsed before a whole message arrived.
	ErrNoMessage = errors.New("no message available")
	ErrTooLarge  = errors.New("message exceeds maximum size")
	ErrMalformed = errors.New("malformed message")
)

// WriteMessage writes one length-prefixed message with a single Write.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if len(payload) > MaxMessageSize {
		return ErrTooLarge
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return err
	}

	return nil
}

// Reader reads length-prefixed messages. Bytes received before a read
// deadline are kept, so a poll timeout in the middle of a message does not
// lose framing.
type Reader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: make([]byte, 32<<10)}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// fill reads until at least n bytes are buffered.
func (r *Reader) fill(n int) error {
	for len(r.buf) < n {
		want := min(n-len(r.buf), len(r.chunk))

		k, err := r.r.Read(r.chunk[:want])
		r.buf = append(r.buf, r.chunk[:k]...)

		switch {
		case err == nil && k == 0:
			return ErrClosed
		case err == nil:
			continue
		case isTimeout(err):
			return ErrNoMessage
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
			errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
			if len(r.buf) >= n {
				return nil
			}

			return ErrClosed
		default:
			return err
		}
	}

	return nil
}

// ReadMessage returns the next message, ErrNoMessage if the read poll
// elapsed first, or ErrClosed once the peer has gone.
func (r *Reader) ReadMessage() (*Message, error) {
	if err := r.fill(headerSize); err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(r.buf[:headerSize]))
	if size == 0 {
		return nil, ErrClosed
	}

	if size > MaxMessageSize {
		return nil, ErrTooLarge
	}

	if err := r.fill(headerSize + size); err != nil {
		return nil, err
	}

	payload := r.buf[headerSize : headerSize+size]

	m, err := Unmarshal(payload)
	r.buf = append(r.buf[:0], r.buf[headerSize+size:]...)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return m, nil
}
