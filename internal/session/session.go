// Package session runs the agent's cooperative poll loop. Frame delivery to
// the connected peer and input intake share one goroutine; heartbeats are
// started from it and run alongside.
package session

import (
	"context"
	"errors"
	"image"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/pipeline"
	"github.com/rviscarra/remotedesk/internal/rdisplay"
	"github.com/rviscarra/remotedesk/internal/wire"
)

const (
	DefaultFrameInterval     = 33 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReadPoll          = 100 * time.Millisecond
	DefaultWriteTimeout      = 5 * time.Second
	DefaultHookTimeout       = 3 * time.Second

	minWait = time.Millisecond
)

// Source produces frames, see pipeline.Pipeline
type Source interface {
	Next() (*wire.Frame, error)
	Reset()
	Screen() rdisplay.Screen
}

// Input consumes peer input, see input.Dispatcher
type Input interface {
	SetEnabled(bool)
	SetGeometry(screen image.Rectangle, frame image.Point)
	Dispatch(*wire.InputEvent) error
}

// Hooks are called around each peer stream. OnConnect and OnDisconnect run on
// the loop goroutine. Heartbeat runs on its own goroutine, one call at a time.
// Every hook gets a context bounded by Options.HookTimeout.
type Hooks struct {
	Heartbeat    func(ctx context.Context) error
	OnConnect    func(ctx context.Context, conn net.Conn)
	OnDisconnect func(ctx context.Context, conn net.Conn, err error)
}

type Options struct {
	FrameInterval     time.Duration
	HeartbeatInterval time.Duration
	ReadPoll          time.Duration
	WriteTimeout      time.Duration
	HookTimeout       time.Duration
}

func (o *Options) defaults() {
	if o.FrameInterval <= 0 {
		o.FrameInterval = DefaultFrameInterval
	}

	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if o.ReadPoll <= 0 {
		o.ReadPoll = DefaultReadPoll
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	if o.HookTimeout <= 0 {
		o.HookTimeout = DefaultHookTimeout
	}
}

// Loop serves at most one peer at a time. Peers arrive on the conns
// channel, normally fed from gate.Gate.Accept.
type Loop struct {
	opts   Options
	source Source
	input  Input
	hooks  Hooks
	conns  <-chan net.Conn
	now    func() time.Time
	log    logger.Logger

	peer   net.Conn
	reader *wire.Reader

	lastHeartbeat time.Time
	lastFrame     time.Time
	frames        int64

	beating atomic.Bool
	hookWG  sync.WaitGroup
}

func New(conns <-chan net.Conn, source Source, in Input, hooks Hooks, opts Options, log logger.Logger) *Loop {
	opts.defaults()

	return &Loop{
		opts:   opts,
		source: source,
		input:  in,
		hooks:  hooks,
		conns:  conns,
		now:    time.Now,
		log:    log.WithComponent("session"),
	}
}

// Run ticks until ctx is cancelled or the conns channel is closed with no
// peer attached. The first heartbeat is sent immediately.
func (l *Loop) Run(ctx context.Context) error {
	defer l.hookWG.Wait()
	defer l.teardown(ctx, context.Canceled)

	for {
		if ctx.Err() != nil {
			return nil
		}

		now := l.now()

		if l.lastHeartbeat.IsZero() || now.Sub(l.lastHeartbeat) >= l.opts.HeartbeatInterval {
			l.lastHeartbeat = now
			l.heartbeat(ctx)
		}

		if l.peer == nil {
			if !l.waitPeer(ctx) {
				return nil
			}
			continue
		}

		if now.Sub(l.lastFrame) >= l.opts.FrameInterval {
			l.lastFrame = now
			if err := l.sendFrame(); err != nil {
				l.teardown(ctx, err)
				continue
			}
		}

		if err := l.receiveInput(); err != nil {
			l.teardown(ctx, err)
		}
	}
}

// heartbeat starts the Heartbeat hook unless the previous call is still
// running.
func (l *Loop) heartbeat(ctx context.Context) {
	if l.hooks.Heartbeat == nil {
		return
	}

	if !l.beating.CompareAndSwap(false, true) {
		l.log.Debug().Msg("Previous heartbeat still running, skipping")
		return
	}

	l.hookWG.Add(1)
	go func() {
		defer l.hookWG.Done()
		defer l.beating.Store(false)

		ctx, cancel := context.WithTimeout(ctx, l.opts.HookTimeout)
		defer cancel()

		if err := l.hooks.Heartbeat(ctx); err != nil {
			l.log.Warn().Err(err).Msg("Heartbeat failed")
		}
	}()
}

// waitPeer blocks until a peer arrives, the next heartbeat is due or ctx is
// done. It returns false when the loop should stop.
func (l *Loop) waitPeer(ctx context.Context) bool {
	wait := l.opts.HeartbeatInterval - l.now().Sub(l.lastHeartbeat)
	timer := time.NewTimer(max(wait, minWait))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case conn, ok := <-l.conns:
		if !ok {
			return false
		}
		l.attach(ctx, conn)
	case <-timer.C:
	}

	return true
}

func (l *Loop) attach(ctx context.Context, conn net.Conn) {
	l.peer = conn
	l.reader = wire.NewReader(conn)
	l.lastFrame = time.Time{}
	l.frames = 0
	l.source.Reset()
	l.input.SetEnabled(true)

	l.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Peer connected")

	if l.hooks.OnConnect != nil {
		ctx, cancel := context.WithTimeout(ctx, l.opts.HookTimeout)
		defer cancel()

		l.hooks.OnConnect(ctx, conn)
	}
}

func (l *Loop) teardown(ctx context.Context, cause error) {
	if l.peer == nil {
		return
	}

	conn := l.peer
	l.peer = nil
	l.reader = nil

	l.input.SetEnabled(false)
	_ = conn.Close()

	if errors.Is(cause, wire.ErrClosed) {
		cause = nil
	}

	l.log.Info().Err(cause).Int64("frames", l.frames).Msg("Stream closed")

	if l.hooks.OnDisconnect != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.HookTimeout)
		defer cancel()

		l.hooks.OnDisconnect(ctx, conn, cause)
	}
}

// sendFrame captures and writes one frame. Capture failures skip the tick;
// only a failed write ends the stream.
func (l *Loop) sendFrame() error {
	frame, err := l.source.Next()
	if err != nil {
		if !pipeline.IsTransient(err) {
			l.log.Warn().Err(err).Msg("Capture failed")
		}
		return nil
	}

	_ = l.peer.SetWriteDeadline(l.now().Add(l.opts.WriteTimeout))

	if err := wire.WriteMessage(l.peer, wire.FrameMessage(frame)); err != nil {
		return err
	}

	l.frames++
	l.input.SetGeometry(l.source.Screen().Bounds, image.Pt(frame.Width, frame.Height))

	return nil
}

// receiveInput reads peer messages until the poll window closes. The window
// ends no later than the next frame is due.
func (l *Loop) receiveInput() error {
	until := l.lastFrame.Add(l.opts.FrameInterval)
	if poll := l.now().Add(l.opts.ReadPoll); poll.Before(until) {
		until = poll
	}

	if wait := until.Sub(l.now()); wait < minWait {
		until = l.now().Add(minWait)
	}

	for {
		_ = l.peer.SetReadDeadline(until)

		msg, err := l.reader.ReadMessage()
		switch {
		case errors.Is(err, wire.ErrNoMessage):
			return nil
		case err != nil:
			return err
		}

		if msg.Kind != wire.KindInput {
			l.log.Debug().Int("kind", int(msg.Kind)).Msg("Ignoring unexpected message")
			continue
		}

		if err := l.input.Dispatch(msg.Input); err != nil {
			l.log.Warn().Err(err).Msg("Input injection failed")
		}
	}
}
