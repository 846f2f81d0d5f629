// Package call manages WebRTC call sessions over a conversation socket using
// Pion. It is deliberately standalone: coupling to the chat layer is via the
// Signaler interface only.
package call

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/viewora/viewora-go/internal/config"
	"github.com/viewora/viewora-go/internal/signal"
)

const pliInterval = 3 * time.Second

// Session is one call, caller or callee side. All signal handling runs on the
// manager's dispatch goroutine, so ICE candidates are applied in arrival
// order without extra locking gymnastics.
type Session struct {
	sig    Signaler
	cfg    config.Call
	media  config.Media
	caller bool

	mu         sync.Mutex
	phase      Phase
	pc         *webrtc.PeerConnection
	closeMedia func()
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool
	savedTrack map[*webrtc.RTPSender]webrtc.TrackLocal
	audioOn    bool
	videoOn    bool
	ended      bool

	ringStop chan struct{}
	ringOnce sync.Once
	done     chan struct{}

	packetsReceived atomic.Uint64
	remoteTracks    atomic.Int32
}

// SessionStatus is a point-in-time snapshot for diagnostics.
type SessionStatus struct {
	Phase           string `json:"phase"`
	Caller          bool   `json:"caller"`
	RemoteTracks    int    `json:"remote_tracks"`
	PacketsReceived uint64 `json:"packets_received"`
}

func newSession(sig Signaler, cfg config.Call, media config.Media, caller bool) *Session {
	// A callee session is born with a ring already pending; it moves to
	// negotiating once media is up and the accept goes out. The caller side
	// stays idle until the first call_request is sent.
	phase := PhaseIdle
	if !caller {
		phase = PhaseRingingIn
	}
	return &Session{
		sig:        sig,
		cfg:        cfg,
		media:      media,
		caller:     caller,
		phase:      phase,
		savedTrack: make(map[*webrtc.RTPSender]webrtc.TrackLocal),
		audioOn:    true,
		videoOn:    true,
		ringStop:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Phase returns the current lifecycle stage.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status reports a snapshot for the diagnostics surface.
func (s *Session) Status() SessionStatus {
	return SessionStatus{
		Phase:           s.Phase().String(),
		Caller:          s.caller,
		RemoteTracks:    int(s.remoteTracks.Load()),
		PacketsReceived: s.packetsReceived.Load(),
	}
}

// startRinging sends the first call_request and keeps ringing on the
// configured cadence until accepted, cancelled, or timed out. Caller side.
func (s *Session) startRinging() {
	s.mu.Lock()
	s.phase = PhaseRingingOut
	s.mu.Unlock()

	if err := s.sig.SendSignal(signal.CallRequest{}); err != nil {
		log.Printf("CALL: ring send: %v", err)
	}

	interval := time.Duration(s.cfg.RingIntervalSec) * time.Second
	timeout := time.Duration(s.cfg.RingTimeoutSec) * time.Second

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		giveUp := time.NewTimer(timeout)
		defer giveUp.Stop()

		for {
			select {
			case <-s.ringStop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				if err := s.sig.SendSignal(signal.CallRequest{}); err != nil {
					log.Printf("CALL: ring send: %v", err)
				}
			case <-giveUp.C:
				log.Printf("CALL: no answer after %v, giving up", timeout)
				s.teardown(true)
				return
			}
		}
	}()
}

func (s *Session) stopRinging() {
	s.ringOnce.Do(func() { close(s.ringStop) })
}

// accept runs the callee pickup: capture media, then tell the caller we are
// in. Media failure aborts the accept so the caller keeps ringing.
func (s *Session) accept() error {
	if err := s.setupPeerConnection(); err != nil {
		return err
	}

	s.mu.Lock()
	s.phase = PhaseNegotiating
	s.mu.Unlock()

	if err := s.sig.SendSignal(signal.CallAccept{}); err != nil {
		s.teardown(false)
		return fmt.Errorf("send accept: %w", err)
	}
	log.Printf("CALL: accepted, waiting for offer")
	return nil
}

// setupPeerConnection builds the PC, wires handlers, and records senders for
// the mute toggles. At most one PC per session; a second call is a no-op.
func (s *Session) setupPeerConnection() error {
	s.mu.Lock()
	if s.pc != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	pc, closeMedia, err := initMediaPC(s.cfg, s.media)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sig.SendSignal(signal.ICECandidate{Candidate: c.ToJSON()}); err != nil {
			log.Printf("CALL: send ice: %v", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.remoteTracks.Add(1)
		log.Printf("CALL: remote %s track %s", track.Kind(), track.ID())
		go s.readRemoteTrack(pc, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL: connection state %s", state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go s.teardown(false)
		}
	})

	s.mu.Lock()
	s.pc = pc
	s.closeMedia = closeMedia
	for _, sender := range pc.GetSenders() {
		if t := sender.Track(); t != nil {
			s.savedTrack[sender] = t
		}
	}
	s.mu.Unlock()
	return nil
}

// readRemoteTrack drains RTP from a remote track and nudges the sender with a
// PLI on video so a keyframe arrives promptly after join or loss.
func (s *Session) readRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.done:
					return
				case <-ticker.C:
					err := pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		s.recordPacket(pkt)
	}
}

func (s *Session) recordPacket(_ *rtp.Packet) {
	s.packetsReceived.Add(1)
}

// handleSignal processes one inbound signaling frame. Runs on the manager's
// dispatch goroutine only.
func (s *Session) handleSignal(m signal.Message) {
	switch v := m.(type) {
	case signal.CallAccept:
		s.onAccept()
	case signal.Offer:
		s.onOffer(v)
	case signal.Answer:
		s.onAnswer(v)
	case signal.ICECandidate:
		s.onICE(v)
	case signal.CallEnd:
		log.Printf("CALL: remote ended the call")
		s.teardown(false)
	case signal.CallRequest:
		// Repeat ring from a caller we are already talking to.
	default:
		log.Printf("CALL: ignoring %T in phase %s", m, s.Phase())
	}
}

// onAccept moves the caller from ringing to negotiating and sends the offer
// on the PC built at call start.
func (s *Session) onAccept() {
	s.mu.Lock()
	if !s.caller || s.phase != PhaseRingingOut {
		phase := s.phase
		s.mu.Unlock()
		log.Printf("CALL: ignoring call_accept in phase %s", phase)
		return
	}
	s.phase = PhaseNegotiating
	s.mu.Unlock()

	s.stopRinging()

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		log.Printf("CALL: accepted but no peer connection, ending")
		s.teardown(true)
		return
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Printf("CALL: create offer: %v", err)
		s.teardown(true)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Printf("CALL: set local offer: %v", err)
		s.teardown(true)
		return
	}
	if err := s.sig.SendSignal(signal.Offer{Description: offer}); err != nil {
		log.Printf("CALL: send offer: %v", err)
		s.teardown(true)
		return
	}
	log.Printf("CALL: offer sent")
}

// onOffer answers an incoming offer. Callee side.
func (s *Session) onOffer(v signal.Offer) {
	s.mu.Lock()
	pc := s.pc
	if s.caller || pc == nil || s.phase != PhaseNegotiating {
		phase := s.phase
		s.mu.Unlock()
		log.Printf("CALL: ignoring offer in phase %s", phase)
		return
	}
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(v.Description); err != nil {
		log.Printf("CALL: set remote offer: %v", err)
		s.teardown(true)
		return
	}
	s.drainPendingICE(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("CALL: create answer: %v", err)
		s.teardown(true)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("CALL: set local answer: %v", err)
		s.teardown(true)
		return
	}
	if err := s.sig.SendSignal(signal.Answer{Description: answer}); err != nil {
		log.Printf("CALL: send answer: %v", err)
		s.teardown(true)
		return
	}

	s.mu.Lock()
	s.phase = PhaseConnected
	s.mu.Unlock()
	log.Printf("CALL: answer sent, connected")
}

// onAnswer applies the callee's answer. Caller side.
func (s *Session) onAnswer(v signal.Answer) {
	s.mu.Lock()
	pc := s.pc
	if !s.caller || pc == nil || s.phase != PhaseNegotiating {
		phase := s.phase
		s.mu.Unlock()
		log.Printf("CALL: ignoring answer in phase %s", phase)
		return
	}
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(v.Description); err != nil {
		log.Printf("CALL: set remote answer: %v", err)
		s.teardown(true)
		return
	}
	s.drainPendingICE(pc)

	s.mu.Lock()
	s.phase = PhaseConnected
	s.mu.Unlock()
	log.Printf("CALL: answer applied, connected")
}

// onICE applies a candidate, or buffers it when the remote description is not
// set yet. The buffer is drained in arrival order.
func (s *Session) onICE(v signal.ICECandidate) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || !s.remoteSet {
		s.pendingICE = append(s.pendingICE, v.Candidate)
		n := len(s.pendingICE)
		s.mu.Unlock()
		log.Printf("CALL: buffered ice candidate (%d pending)", n)
		return
	}
	s.mu.Unlock()

	if err := pc.AddICECandidate(v.Candidate); err != nil {
		log.Printf("CALL: add ice: %v", err)
	}
}

// drainPendingICE flushes candidates buffered before SetRemoteDescription.
func (s *Session) drainPendingICE(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("CALL: add buffered ice: %v", err)
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL: drained %d buffered ice candidates", len(pending))
	}
}

// ToggleAudio flips the local mic. Returns the new muted state (true = muted).
func (s *Session) ToggleAudio() bool {
	return s.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the local camera. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	return s.toggle(webrtc.RTPCodecTypeVideo)
}

// toggle swaps the sender's track against nil and back. RTP keeps flowing
// header-only while muted, which is how the remote side avoids renegotiation.
func (s *Session) toggle(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var on *bool
	if kind == webrtc.RTPCodecTypeAudio {
		on = &s.audioOn
	} else {
		on = &s.videoOn
	}
	*on = !*on

	for sender, track := range s.savedTrack {
		if track.Kind() != kind {
			continue
		}
		var err error
		if *on {
			err = sender.ReplaceTrack(track)
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			log.Printf("CALL: toggle %s: %v", kind, err)
		}
	}

	off := !*on
	log.Printf("CALL: %s off=%v", kind, off)
	return off
}

// Hangup ends the call and tells the remote side. Idempotent.
func (s *Session) Hangup() {
	s.teardown(true)
}

// teardown releases everything exactly once: handlers are detached before the
// PC closes so no callback fires into a dead session, local tracks stop, and
// the ICE buffer empties.
func (s *Session) teardown(sendEnd bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.phase = PhaseEnded
	pc := s.pc
	closeMedia := s.closeMedia
	s.pc = nil
	s.closeMedia = nil
	s.pendingICE = nil
	s.savedTrack = nil
	s.mu.Unlock()

	s.stopRinging()

	if sendEnd {
		if err := s.sig.SendSignal(signal.CallEnd{}); err != nil {
			log.Printf("CALL: send call_end: %v", err)
		}
	}

	if pc != nil {
		pc.OnICECandidate(nil)
		pc.OnTrack(nil)
		pc.OnConnectionStateChange(nil)
		pc.Close()
	}
	if closeMedia != nil {
		closeMedia()
	}

	close(s.done)
	log.Printf("CALL: session torn down")
}
