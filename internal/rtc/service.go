package rtc

import (
	"context"
	"io"
	"net"
)

// DataChannelLabel names the channel that carries the frame stream
const DataChannelLabel = "remotedesk"

// Acceptor takes ownership of an established data channel stream.
// gate.Gate implements it.
type Acceptor interface {
	Offer(conn net.Conn) error
}

// RemoteScreenConnection Represents a WebRTC connection to a single peer
type RemoteScreenConnection interface {
	io.Closer
	ProcessOffer(ctx context.Context, offer string) (string, error)
}

// Service WebRTC service
type Service interface {
	CreateRemoteScreenConnection() (RemoteScreenConnection, error)
}
