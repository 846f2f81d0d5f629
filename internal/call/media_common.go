package call

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/viewora/viewora-go/internal/config"
)

// iceServers translates the configured STUN/TURN set into pion form.
func iceServers(cfg config.Call) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.StunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.StunURLs})
	}
	for _, t := range cfg.Turn {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	return servers
}

// newRecvOnlyPC builds a PeerConnection with no local capture. Used when media
// is disabled and as the fallback when capture is impossible.
func newRecvOnlyPC(cfg config.Call) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: a brief relay hiccup must not kill the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, err
	}

	addRecvOnlyTransceivers(pc)
	return pc, nil
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(video) error: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(audio) error: %v", err)
	}
}

// classifyMediaErr maps a capture failure to the caller-facing error classes.
// A busy device and a denied permission need different user guidance.
func classifyMediaErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrMediaBusy, err)
	case strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not permitted") ||
		strings.Contains(msg, "operation not allowed"):
		return fmt.Errorf("%w: %v", ErrMediaPermission, err)
	default:
		return nil
	}
}
