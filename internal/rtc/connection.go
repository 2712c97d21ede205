package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/rviscarra/remotedesk/internal/logger"
)

const iceGatherTimeout = 10 * time.Second

var (
	// ErrNoDataChannel is returned for offers without an SCTP application
	// section
	ErrNoDataChannel = errors.New("offer has no data channel")

	// ErrGatherTimeout is returned when ICE gathering does not finish
	ErrGatherTimeout = errors.New("ice gathering timed out")
)

// RemoteScreenPeerConn is a webrtc.PeerConnection wrapper that implements the
// RemoteScreenConnection interface
type RemoteScreenPeerConn struct {
	connection *webrtc.PeerConnection
	acceptor   Acceptor
	log        logger.Logger
	closeOnce  sync.Once
}

func newRemoteScreenPeerConn(pc *webrtc.PeerConnection, acceptor Acceptor, log logger.Logger) *RemoteScreenPeerConn {
	p := &RemoteScreenPeerConn{
		connection: pc,
		acceptor:   acceptor,
		log:        log,
	}

	pc.OnDataChannel(p.handleDataChannel)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info().Stringer("state", state).Msg("Peer connection state")

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			go p.Close()
		}
	})

	return p
}

// hasDataChannel checks that the offer negotiates an SCTP application
// section
func hasDataChannel(offer string) error {
	desc := sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return fmt.Errorf("parse offer: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "application" {
			continue
		}

		for _, format := range md.MediaName.Formats {
			if format == "webrtc-datachannel" {
				return nil
			}
		}
	}

	return ErrNoDataChannel
}

// ProcessOffer handles the SDP offer coming from the client,
// return the SDP answer that must be passed back to stablish the WebRTC
// connection. The answer carries every gathered candidate.
func (p *RemoteScreenPeerConn) ProcessOffer(ctx context.Context, offer string) (string, error) {
	if err := hasDataChannel(offer); err != nil {
		return "", err
	}

	err := p.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	})
	if err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.connection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.connection)
	if err := p.connection.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	if err := waitGathering(ctx, gatherComplete); err != nil {
		return "", err
	}

	return p.connection.LocalDescription().SDP, nil
}

func waitGathering(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrGatherTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RemoteScreenPeerConn) handleDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != DataChannelLabel {
		p.log.Debug().Str("label", dc.Label()).Msg("Ignoring data channel")
		return
	}

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			p.log.Error().Err(err).Msg("Detaching data channel failed")
			_ = p.Close()
			return
		}

		conn := NewDataChannelConn(raw, "agent/"+dc.Label(), "peer/"+dc.Label(), p.Close)

		if err := p.acceptor.Offer(conn); err != nil {
			p.log.Warn().Err(err).Msg("Data channel refused")
			_ = conn.Close()
		}
	})
}

// Close closes the underlying peer connection
func (p *RemoteScreenPeerConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.connection.Close()
	})
	return err
}
