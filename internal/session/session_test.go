package session

import (
	"context"
	"image"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/rdisplay"
	"github.com/rviscarra/remotedesk/internal/wire"
)

type fakeSource struct {
	mu     sync.Mutex
	seq    int64
	resets int
}

func (f *fakeSource) Next() (*wire.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++

	return &wire.Frame{Width: 4, Height: 4, Image: []byte{0xff, 0xd8}, Sequence: f.seq}, nil
}

func (f *fakeSource) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq = 0
	f.resets++
}

func (f *fakeSource) Screen() rdisplay.Screen {
	return rdisplay.Screen{Bounds: image.Rect(0, 0, 8, 8)}
}

type fakeInput struct {
	mu      sync.Mutex
	enabled bool
	events  []*wire.InputEvent
	frame   image.Point
}

func (f *fakeInput) SetEnabled(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = v
}

func (f *fakeInput) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeInput) SetGeometry(_ image.Rectangle, frame image.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = frame
}

func (f *fakeInput) Dispatch(ev *wire.InputEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeInput) Events() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type harness struct {
	conns  chan net.Conn
	source *fakeSource
	input  *fakeInput
	beats  atomic.Int32
	downs  chan error
	ups    chan struct{}
	cancel context.CancelFunc
	done   chan error
}

func startLoop(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		conns:  make(chan net.Conn, 1),
		source: &fakeSource{},
		input:  &fakeInput{},
		downs:  make(chan error, 4),
		ups:    make(chan struct{}, 4),
		done:   make(chan error, 1),
	}

	hooks := Hooks{
		Heartbeat: func(context.Context) error {
			h.beats.Add(1)
			return nil
		},
		OnConnect: func(context.Context, net.Conn) {
			h.ups <- struct{}{}
		},
		OnDisconnect: func(_ context.Context, _ net.Conn, err error) {
			h.downs <- err
		},
	}

	loop := New(h.conns, h.source, h.input, hooks, opts, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() { h.done <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	return h
}

// drain reads frames from the peer side until the stream ends
func drain(conn net.Conn) <-chan *wire.Frame {
	frames := make(chan *wire.Frame, 1024)

	go func() {
		defer close(frames)

		r := wire.NewReader(conn)
		for {
			m, err := r.ReadMessage()
			if err != nil {
				return
			}
			if m.Frame != nil {
				frames <- m.Frame
			}
		}
	}()

	return frames
}

func nextFrame(t *testing.T, frames <-chan *wire.Frame) *wire.Frame {
	t.Helper()

	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream ended")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func TestFramesInSequenceAndInputDispatched(t *testing.T) {
	h := startLoop(t, Options{FrameInterval: 5 * time.Millisecond, ReadPoll: 10 * time.Millisecond})

	server, client := net.Pipe()
	h.conns <- server
	<-h.ups

	frames := drain(client)

	for want := int64(1); want <= 5; want++ {
		assert.Equal(t, want, nextFrame(t, frames).Sequence)
	}

	require.True(t, h.input.Enabled())

	ev := wire.InputMessage(&wire.InputEvent{Type: wire.InputKey, Code: 0x61, Down: true})
	require.NoError(t, wire.WriteMessage(client, ev))
	require.NoError(t, wire.WriteMessage(client, ev))

	require.Eventually(t, func() bool { return h.input.Events() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())

	select {
	case <-h.downs:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not torn down")
	}

	assert.False(t, h.input.Enabled())
}

func TestHeartbeatWithoutPeer(t *testing.T) {
	h := startLoop(t, Options{HeartbeatInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool { return h.beats.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatContinuesWhileStreaming(t *testing.T) {
	h := startLoop(t, Options{
		HeartbeatInterval: 20 * time.Millisecond,
		FrameInterval:     5 * time.Millisecond,
		ReadPoll:          10 * time.Millisecond,
	})

	server, client := net.Pipe()
	defer client.Close()

	h.conns <- server
	<-h.ups
	drain(client)

	start := h.beats.Load()
	require.Eventually(t, func() bool { return h.beats.Load() >= start+3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSequenceResetsForNewPeer(t *testing.T) {
	h := startLoop(t, Options{FrameInterval: 5 * time.Millisecond, ReadPoll: 10 * time.Millisecond})

	first, firstClient := net.Pipe()
	h.conns <- first
	<-h.ups

	frames := drain(firstClient)
	nextFrame(t, frames)
	nextFrame(t, frames)
	require.NoError(t, firstClient.Close())
	<-h.downs

	second, secondClient := net.Pipe()
	defer secondClient.Close()

	h.conns <- second
	<-h.ups

	assert.Equal(t, int64(1), nextFrame(t, drain(secondClient)).Sequence)
	assert.Equal(t, 2, h.source.resets)
}

func TestCancelClosesPeer(t *testing.T) {
	h := startLoop(t, Options{FrameInterval: 5 * time.Millisecond, ReadPoll: 10 * time.Millisecond})

	server, client := net.Pipe()
	h.conns <- server
	<-h.ups

	frames := drain(client)
	nextFrame(t, frames)

	h.cancel()
	require.NoError(t, <-h.done)
	h.done <- nil

	assert.ErrorIs(t, <-h.downs, context.Canceled)
	assert.False(t, h.input.Enabled())

	for range frames {
	}
}

func TestSilentPeerDoesNotStallFrames(t *testing.T) {
	h := startLoop(t, Options{FrameInterval: 10 * time.Millisecond, ReadPoll: 100 * time.Millisecond})

	server, client := net.Pipe()
	defer client.Close()

	h.conns <- server
	<-h.ups

	frames := drain(client)
	nextFrame(t, frames)

	start := time.Now()
	for range 10 {
		nextFrame(t, frames)
	}

	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestSlowHeartbeatDoesNotStallFrames(t *testing.T) {
	var beats atomic.Int32
	release := make(chan struct{})
	deadlines := make(chan bool, 2)

	hooks := Hooks{
		Heartbeat: func(ctx context.Context) error {
			beats.Add(1)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		OnConnect: func(ctx context.Context, _ net.Conn) {
			_, ok := ctx.Deadline()
			deadlines <- ok
		},
	}

	conns := make(chan net.Conn, 1)
	loop := New(conns, &fakeSource{}, &fakeInput{}, hooks, Options{
		HeartbeatInterval: 5 * time.Millisecond,
		FrameInterval:     5 * time.Millisecond,
		ReadPoll:          5 * time.Millisecond,
		HookTimeout:       time.Minute,
	}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	server, client := net.Pipe()
	defer client.Close()

	conns <- server
	require.True(t, <-deadlines)

	frames := drain(client)
	for range 10 {
		nextFrame(t, frames)
	}

	assert.Equal(t, int32(1), beats.Load())

	close(release)
	require.Eventually(t, func() bool { return beats.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatIsBoundedByHookTimeout(t *testing.T) {
	errs := make(chan error, 4)

	hooks := Hooks{
		Heartbeat: func(ctx context.Context) error {
			<-ctx.Done()
			errs <- ctx.Err()
			return ctx.Err()
		},
	}

	loop := New(make(chan net.Conn), &fakeSource{}, &fakeInput{}, hooks, Options{
		HeartbeatInterval: time.Hour,
		HookTimeout:       20 * time.Millisecond,
	}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat was never cut off")
	}
}
