// Package gate holds incoming transport connections until a human has
// approved the session they belong to.
package gate

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rviscarra/remotedesk/internal/logger"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultReadPoll     = 100 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second
)

var (
	ErrBusy     = errors.New("gate already armed")
	ErrNotArmed = errors.New("gate not armed")
)

// Outcome is how one armed cycle was resolved.
type Outcome int

const (
	Approved Outcome = iota + 1
	Rejected
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

// Options tunes a Gate. Zero durations pick the defaults.
type Options struct {
	Timeout      time.Duration
	ReadPoll     time.Duration
	WriteTimeout time.Duration
	// RequireApproval closes connections that arrive while the gate is not
	// armed instead of accepting them directly.
	RequireApproval bool
}

type cycle struct {
	requestID string
	decided   chan struct{}
	outcome   Outcome
	result    chan Outcome
	timer     *time.Timer
}

// Gate is a net.Listener that releases at most one held connection per
// armed cycle.
type Gate struct {
	inner    net.Listener
	opts     Options
	incoming chan net.Conn
	accepted chan net.Conn
	done     chan struct{}
	logger   logger.Logger

	holding atomic.Bool

	mu        sync.Mutex
	cur       *cycle
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ net.Listener = (*Gate)(nil)

// New wraps inner, which may be nil when connections only arrive via Offer.
func New(inner net.Listener, opts Options, log logger.Logger) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.ReadPoll <= 0 {
		opts.ReadPoll = DefaultReadPoll
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	g := &Gate{
		inner:    inner,
		opts:     opts,
		incoming: make(chan net.Conn),
		accepted: make(chan net.Conn),
		done:     make(chan struct{}),
		logger:   log.WithComponent("gate"),
	}

	g.wg.Add(1)
	go g.serve()

	if inner != nil {
		g.wg.Add(1)
		go g.acceptInner()
	}

	return g
}

// Arm opens an approval cycle for requestID. The returned channel receives
// the outcome exactly once.
func (g *Gate) Arm(requestID string) (<-chan Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur != nil {
		return nil, ErrBusy
	}

	c := &cycle{
		requestID: requestID,
		decided:   make(chan struct{}),
		result:    make(chan Outcome, 1),
	}
	c.timer = time.AfterFunc(g.opts.Timeout, func() { g.expire(c) })
	g.cur = c

	g.logger.Info().Str("request_id", requestID).Dur("timeout", g.opts.Timeout).Msg("Gate armed")

	return c.result, nil
}

// Armed reports the request id of the open cycle, if any.
func (g *Gate) Armed() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur == nil {
		return "", false
	}

	return g.cur.requestID, true
}

// Approve releases the held connection, or the next one to arrive within the
// timeout.
func (g *Gate) Approve() error {
	return g.decide(Approved)
}

// Reject closes the held connection, if any, and disarms the gate.
func (g *Gate) Reject() error {
	return g.decide(Rejected)
}

func (g *Gate) decide(o Outcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.cur
	if c == nil || c.outcome != 0 {
		return ErrNotArmed
	}

	c.outcome = o
	c.result <- o
	close(c.decided)

	if o == Approved {
		// The approval stays usable for one more timeout window so the
		// controller has time to dial.
		c.timer.Reset(g.opts.Timeout)
	} else {
		c.timer.Stop()
		g.cur = nil
	}

	g.logger.Info().Str("request_id", c.requestID).Str("outcome", o.String()).Msg("Gate decided")

	return nil
}

// Cancel abandons the cycle for requestID, decided or not. A held
// connection is closed. It reports whether a cycle was dropped.
func (g *Gate) Cancel(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.cur
	if c == nil || c.requestID != requestID {
		return false
	}

	c.timer.Stop()
	g.cur = nil

	if c.outcome == 0 {
		c.outcome = Rejected
		c.result <- Rejected
		close(c.decided)
	}

	g.logger.Info().Str("request_id", requestID).Msg("Gate cycle cancelled")

	return true
}

func (g *Gate) expire(c *cycle) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur != c {
		return
	}

	g.cur = nil

	if c.outcome == 0 {
		c.outcome = TimedOut
		c.result <- TimedOut
		close(c.decided)

		g.logger.Info().Str("request_id", c.requestID).Msg("Gate timed out waiting for approval")

		return
	}

	g.logger.Info().Str("request_id", c.requestID).Msg("Approved session was never dialed, disarming")
}

// Holding reports whether a connection is waiting on a decision.
func (g *Gate) Holding() bool {
	return g.holding.Load()
}

// Offer hands a connection from another transport to the gate. It blocks
// while another connection is held.
func (g *Gate) Offer(conn net.Conn) error {
	select {
	case g.incoming <- conn:
		return nil
	case <-g.done:
		_ = conn.Close()
		return net.ErrClosed
	}
}

func (g *Gate) acceptInner() {
	defer g.wg.Done()

	for {
		conn, err := g.inner.Accept()
		if err != nil {
			select {
			case <-g.done:
			default:
				g.logger.Error().Err(err).Msg("Transport accept failed")
				_ = g.Close()
			}

			return
		}

		if err := g.Offer(conn); err != nil {
			return
		}
	}
}

// serve resolves one connection at a time, so further arrivals wait in the
// transport's backlog while a connection is held.
func (g *Gate) serve() {
	defer g.wg.Done()

	for {
		select {
		case <-g.done:
			return
		case conn := <-g.incoming:
			g.resolve(conn)
		}
	}
}

func (g *Gate) resolve(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	g.mu.Lock()
	c := g.cur
	g.mu.Unlock()

	if c == nil {
		if g.opts.RequireApproval {
			g.logger.Info().Str("remote_addr", remote).Msg("Closing connection, gate not armed")
			_ = conn.Close()

			return
		}

		g.logger.Debug().Str("remote_addr", remote).Msg("Gate not armed, accepting directly")
		g.deliver(conn)

		return
	}

	g.logger.Info().Str("request_id", c.requestID).Str("remote_addr", remote).Msg("Holding connection for approval")

	g.holding.Store(true)

	select {
	case <-c.decided:
		g.holding.Store(false)
	case <-g.done:
		g.holding.Store(false)
		_ = conn.Close()

		return
	}

	g.mu.Lock()
	if g.cur == c {
		g.cur = nil
		c.timer.Stop()
	}
	g.mu.Unlock()

	if c.outcome != Approved {
		_ = conn.Close()
		return
	}

	g.deliver(conn)
}

func (g *Gate) deliver(conn net.Conn) {
	wrapped := &deadlineConn{Conn: conn, read: g.opts.ReadPoll, write: g.opts.WriteTimeout}

	select {
	case g.accepted <- wrapped:
	case <-g.done:
		_ = conn.Close()
	}
}

// Accept returns the next released connection.
func (g *Gate) Accept() (net.Conn, error) {
	select {
	case conn := <-g.accepted:
		return conn, nil
	case <-g.done:
		return nil, net.ErrClosed
	}
}

// Close stops the gate and the wrapped listener. A held connection is closed.
func (g *Gate) Close() error {
	var err error

	g.closeOnce.Do(func() {
		close(g.done)

		if g.inner != nil {
			err = g.inner.Close()
		}

		g.mu.Lock()
		if g.cur != nil {
			g.cur.timer.Stop()
			g.cur = nil
		}
		g.mu.Unlock()
	})

	return err
}

// Wait blocks until the background goroutines have exited after Close.
func (g *Gate) Wait() {
	g.wg.Wait()
}

func (g *Gate) Addr() net.Addr {
	if g.inner != nil {
		return g.inner.Addr()
	}

	return gateAddr{}
}

type gateAddr struct{}

func (gateAddr) Network() string { return "gate" }
func (gateAddr) String() string  { return "gate" }
