package rtc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/webrtc/v4"
)

const openTimeout = 10 * time.Second

// Signal delivers a local offer to the agent and returns its answer
type Signal func(ctx context.Context, offer string) (string, error)

// Dial opens a peer connection, negotiates it through signal and returns
// the frame stream once the data channel is open
func Dial(ctx context.Context, stun string, signal Signal) (net.Conn, error) {
	pc, err := newAPI().NewPeerConnection(configuration(stun))
	if err != nil {
		return nil, err
	}

	conn, err := dial(ctx, pc, signal)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	return conn, nil
}

func dial(ctx context.Context, pc *webrtc.PeerConnection, signal Signal) (net.Conn, error) {
	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	if err := waitGathering(ctx, gatherComplete); err != nil {
		return nil, err
	}

	answer, err := signal(ctx, pc.LocalDescription().SDP)
	if err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	if err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	timer := time.NewTimer(openTimeout)
	defer timer.Stop()

	select {
	case <-opened:
	case <-timer.C:
		return nil, fmt.Errorf("data channel did not open within %s", openTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw, err := dc.Detach()
	if err != nil {
		return nil, fmt.Errorf("detach data channel: %w", err)
	}

	return NewDataChannelConn(raw, "controller/"+DataChannelLabel, "agent/"+DataChannelLabel, pc.Close), nil
}
