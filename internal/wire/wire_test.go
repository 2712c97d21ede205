package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	img := make([]byte, 70_000)
	for i := range img {
		img[i] = byte(i * 7)
	}

	sent := &Frame{
		Width:     1920,
		Height:    1080,
		Image:     img,
		Timestamp: time.Date(2026, 10, 16, 12, 0, 0, 123456789, time.UTC),
		Sequence:  42,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, FrameMessage(sent)))

	size := binary.LittleEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, int(size), buf.Len()-4)

	m, err := NewReader(&buf).ReadMessage()
	require.NoError(t, err)
	require.Equal(t, KindFrame, m.Kind)
	require.NotNil(t, m.Frame)

	assert.Equal(t, sent.Width, m.Frame.Width)
	assert.Equal(t, sent.Height, m.Frame.Height)
	assert.Equal(t, sent.Sequence, m.Frame.Sequence)
	assert.True(t, bytes.Equal(sent.Image, m.Frame.Image))
	assert.True(t, sent.Timestamp.Equal(m.Frame.Timestamp))
}

func TestInputRoundTripSequence(t *testing.T) {
	events := []*InputEvent{
		{Type: InputMove, X: 10, Y: 20},
		{Type: InputButton, Button: ButtonLeft, Down: true},
		{Type: InputButton, Button: ButtonLeft},
		{Type: InputWheel, Delta: -3},
		{Type: InputKey, Code: 0xff0d, Down: true},
	}

	var buf bytes.Buffer
	for _, ev := range events {
		require.NoError(t, WriteMessage(&buf, InputMessage(ev)))
	}

	r := NewReader(&buf)
	for _, want := range events {
		m, err := r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, KindInput, m.Kind)
		assert.Equal(t, want, m.Input)
	}

	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestShortReadIsClosure(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, InputMessage(&InputEvent{Type: InputMove, X: 1})))

	truncated := buf.Bytes()[:buf.Len()-1]

	_, err := NewReader(bytes.NewReader(truncated)).ReadMessage()
	require.ErrorIs(t, err, ErrClosed)

	_, err = NewReader(bytes.NewReader([]byte{1, 0})).ReadMessage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestZeroLengthIsClosure(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{0, 0, 0, 0})).ReadMessage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestOversizeRejected(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, MaxMessageSize+1)

	_, err := NewReader(bytes.NewReader(header)).ReadMessage()
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestMalformedPayload(t *testing.T) {
	data := []byte{2, 0, 0, 0, 0xff, 0xff}

	_, err := NewReader(bytes.NewReader(data)).ReadMessage()
	require.ErrorIs(t, err, ErrMalformed)
}

// TestPollTimeoutKeepsFraming splits one message across a read deadline.
func TestPollTimeoutKeepsFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, InputMessage(&InputEvent{Type: InputKey, Code: 65, Down: true})))
	data := buf.Bytes()

	r := NewReader(server)

	go func() {
		_, _ = client.Write(data[:3])
	}()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrNoMessage)

	go func() {
		_, _ = client.Write(data[3:])
	}()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	m, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, 65, m.Input.Code)

	require.NoError(t, client.Close())

	_, err = r.ReadMessage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestDeterministicEncoding(t *testing.T) {
	m := FrameMessage(&Frame{Width: 1, Height: 2, Image: []byte{3}, Sequence: 4, Timestamp: time.Unix(0, 0).UTC()})

	a, err := Marshal(m)
	require.NoError(t, err)

	b, err := Marshal(m)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}
