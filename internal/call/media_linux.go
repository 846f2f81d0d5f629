//go:build linux && cgo

package call

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/viewora/viewora-go/internal/config"
)

// initMediaPC creates the PeerConnection with VP8+Opus codecs and captures
// camera/mic via pion/mediadevices (V4L2 + malgo). Returns the PC and a
// cleanup func for local tracks (may be nil when receive-only).
//
// A denied permission or a busy device is returned as a classified error so
// the caller can tell the user what to fix. Any other capture failure falls
// back to receive-only: the call still works, we just send nothing.
func initMediaPC(cfg config.Call, media config.Media) (*webrtc.PeerConnection, func(), error) {
	if media.Disabled {
		pc, err := newRecvOnlyPC(cfg)
		return pc, nil, err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, nil, err
	}

	// GetUserMedia fails as a unit if either track can't be opened. Try
	// video+audio first, then video-only, then audio-only, so a missing mic
	// doesn't take the camera down with it.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastClassified error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only — some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: media.MaxWidth}
				c.Height = prop.IntRanged{Max: media.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			if classified := classifyMediaErr(err); classified != nil {
				lastClassified = classified
			}
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL: AddTrack error: %v", err)
			}
		}

		log.Printf("CALL: local media captured (%s), %d tracks", a.label, len(tracks))
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, nil
	}

	if lastClassified != nil {
		pc.Close()
		return nil, nil, lastClassified
	}

	// No usable devices at all. Receive-only keeps the call alive.
	log.Printf("CALL: all media capture attempts failed, proceeding receive-only")
	addRecvOnlyTransceivers(pc)
	return pc, nil, nil
}
