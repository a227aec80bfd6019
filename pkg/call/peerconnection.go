package call

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a peer connection with the default codec set and
// the configured ICE timeouts. One controller instance exclusively owns the
// returned connection; it is never shared across concurrent negotiations.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		time.Duration(cfg.Timeouts.ICEDisconnectedSeconds)*time.Second,
		time.Duration(cfg.Timeouts.ICEFailedSeconds)*time.Second,
		time.Duration(cfg.Timeouts.ICEKeepaliveSeconds)*time.Second,
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}
