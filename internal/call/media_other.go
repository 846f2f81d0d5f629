//go:build !(linux && cgo)

package call

import (
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/viewora/viewora-go/internal/config"
)

// initMediaPC creates a receive-only PeerConnection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux); elsewhere the agent only receives remote media.
func initMediaPC(cfg config.Call, media config.Media) (*webrtc.PeerConnection, func(), error) {
	pc, err := newRecvOnlyPC(cfg)
	if err != nil {
		return nil, nil, err
	}
	if !media.Disabled {
		log.Printf("CALL: no local media capture on this platform, receive-only")
	}
	return pc, nil, nil
}
