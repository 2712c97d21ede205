package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/rviscarra/remotedesk/internal/logger"
)

// RemoteScreenService is our implementation of the rtc.Service
type RemoteScreenService struct {
	config   webrtc.Configuration
	api      *webrtc.API
	acceptor Acceptor
	log      logger.Logger
}

// NewRemoteScreenService creates a new instances of RemoteScreenService.
// stun may be empty for LAN only operation.
func NewRemoteScreenService(stun string, acceptor Acceptor, log logger.Logger) Service {
	return &RemoteScreenService{
		config:   configuration(stun),
		api:      newAPI(),
		acceptor: acceptor,
		log:      log.WithComponent("rtc"),
	}
}

// CreateRemoteScreenConnection creates a peer that answers one offer and
// hands its data channel to the acceptor
func (svc *RemoteScreenService) CreateRemoteScreenConnection() (RemoteScreenConnection, error) {
	pc, err := svc.api.NewPeerConnection(svc.config)
	if err != nil {
		return nil, err
	}

	return newRemoteScreenPeerConn(pc, svc.acceptor, svc.log), nil
}

func configuration(stun string) webrtc.Configuration {
	config := webrtc.Configuration{}
	if stun != "" {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{stun}}}
	}
	return config
}

// newAPI enables detached data channels so they can be used as streams
func newAPI() *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
}
