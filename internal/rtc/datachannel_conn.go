package rtc

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// maxChunk keeps each SCTP message well under the negotiated maximum
	maxChunk = 16 << 10

	readBuffer = 64 << 10
)

// DataChannelConn wraps a detached pion data channel as a net.Conn. Each
// SCTP message is a slice of one byte stream: writes are split into
// chunks and reads concatenate messages.
//
// A reader goroutine pumps messages so that an expired read deadline only
// interrupts the pending Read. The stream stays usable afterwards, which
// the agent's poll loop relies on.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string
	onClose    func() error

	incoming chan []byte
	pending  []byte
	readErr  error

	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn starts reading from rwc. onClose, if set, runs once
// after the channel is closed.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string, onClose func() error) *DataChannelConn {
	c := &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
		onClose:    onClose,
		incoming:   make(chan []byte, 16),
		closed:     make(chan struct{}),
	}

	go c.pump()

	return c
}

func (c *DataChannelConn) pump() {
	buf := make([]byte, readBuffer)

	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			select {
			case c.incoming <- bytes.Clone(buf[:n]):
			case <-c.closed:
				return
			}
		}

		if err != nil {
			c.readErr = err
			close(c.incoming)
			return
		}
	}
}

func (c *DataChannelConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case chunk, ok := <-c.incoming:
		if !ok {
			if c.readErr != nil && c.readErr != io.EOF {
				return 0, c.readErr
			}
			return 0, io.EOF
		}

		n := copy(p, chunk)
		c.pending = chunk[n:]

		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *DataChannelConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()

	written := 0
	for written < len(p) {
		select {
		case <-c.closed:
			return written, net.ErrClosed
		default:
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return written, os.ErrDeadlineExceeded
		}

		end := min(written+maxChunk, len(p))

		n, err := c.rwc.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (c *DataChannelConn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()

		if c.onClose != nil {
			_ = c.onClose()
		}
	})

	return err
}

// LocalAddr returns a synthetic address identifying the local data channel endpoint.
func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

// RemoteAddr returns a synthetic address identifying the remote data channel endpoint.
func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

// SetDeadline sets both read and write deadlines. A zero value clears the deadline.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readDeadline = deadline
	c.writeDeadline = deadline

	return nil
}

// SetReadDeadline applies to Reads started after the call.
func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readDeadline = deadline

	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeDeadline = deadline

	return nil
}

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
