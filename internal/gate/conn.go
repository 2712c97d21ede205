package gate

import (
	"net"
	"sync"
	"time"
)

// deadlineConn bounds every Read by the read poll and every Write by the
// write timeout. A read that times out reports a net.Error with Timeout() true.
// Deadlines set by the caller still apply when they are earlier.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func earliest(bound time.Duration, explicit time.Time) time.Time {
	d := time.Now().Add(bound)
	if !explicit.IsZero() && explicit.Before(d) {
		return explicit
	}
	return d
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := earliest(c.read, c.readDeadline)
	c.mu.Unlock()

	if err := c.Conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	deadline := earliest(c.write, c.writeDeadline)
	c.mu.Unlock()

	if err := c.Conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}

	return c.Conn.Write(p)
}

func (c *deadlineConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()

	return c.Conn.SetReadDeadline(t)
}

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()

	return c.Conn.SetWriteDeadline(t)
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()

	return c.Conn.SetDeadline(t)
}

// Unwrap returns the underlying connection.
func (c *deadlineConn) Unwrap() net.Conn {
	return c.Conn
}
