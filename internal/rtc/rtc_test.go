package rtc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/wire"
)

// chunkRecorder is an io.ReadWriteCloser that records write sizes
type chunkRecorder struct {
	mu     sync.Mutex
	writes []int
	data   bytes.Buffer
	closed chan struct{}
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{closed: make(chan struct{})}
}

func (r *chunkRecorder) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.EOF
}

func (r *chunkRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writes = append(r.writes, len(p))
	r.data.Write(p)

	return len(p), nil
}

func (r *chunkRecorder) Close() error {
	close(r.closed)
	return nil
}

func TestReadDeadlineKeepsStream(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	conn := NewDataChannelConn(local, "a", "b", nil)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, err := conn.Read(make([]byte, 8))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())

	go func() { _, _ = remote.Write([]byte("hello")) }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 3)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf[:n]))

	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(buf[:n]))
}

func TestWritesAreChunked(t *testing.T) {
	rec := newChunkRecorder()
	conn := NewDataChannelConn(rec, "a", "b", nil)

	payload := bytes.Repeat([]byte{7}, 2*maxChunk+10)

	n, err := conn.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, []int{maxChunk, maxChunk, 10}, rec.writes)
	assert.Equal(t, payload, rec.data.Bytes())

	require.NoError(t, conn.Close())

	_, err = conn.Write([]byte{1})
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestCloseRunsHookOnce(t *testing.T) {
	calls := 0
	conn := NewDataChannelConn(newChunkRecorder(), "a", "b", func() error {
		calls++
		return nil
	})

	require.NoError(t, conn.Close())
	_ = conn.Close()

	assert.Equal(t, 1, calls)

	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestPeerCloseIsEOF(t *testing.T) {
	local, remote := net.Pipe()

	conn := NewDataChannelConn(local, "a", "b", nil)
	defer conn.Close()

	require.NoError(t, remote.Close())

	_, err := conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestOfferWithoutDataChannelRejected(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n"

	require.ErrorIs(t, hasDataChannel(offer), ErrNoDataChannel)

	_, err := NewRemoteScreenService("", nil, logger.NewTestLogger()).CreateRemoteScreenConnection()
	require.NoError(t, err)
}

type chanAcceptor chan net.Conn

func (a chanAcceptor) Offer(conn net.Conn) error {
	a <- conn
	return nil
}

func TestLoopbackStream(t *testing.T) {
	accepted := make(chanAcceptor, 1)
	svc := NewRemoteScreenService("", accepted, logger.NewTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var peer RemoteScreenConnection

	signal := func(ctx context.Context, offer string) (string, error) {
		var err error

		peer, err = svc.CreateRemoteScreenConnection()
		if err != nil {
			return "", err
		}

		return peer.ProcessOffer(ctx, offer)
	}

	client, err := Dial(ctx, "", signal)
	require.NoError(t, err)
	defer client.Close()
	defer peer.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("agent side never opened")
	}
	defer server.Close()

	frame := &wire.Frame{Width: 2, Height: 2, Image: bytes.Repeat([]byte{9}, 100_000), Sequence: 1}

	go func() { _ = wire.WriteMessage(server, wire.FrameMessage(frame)) }()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(10*time.Second)))

	m, err := wire.NewReader(client).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, frame.Image, m.Frame.Image)
}
