package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/viewora/viewora-go/internal/config"
	"github.com/viewora/viewora-go/internal/signal"
)

// fakeSignaler is an in-memory Signaler. Two paired instances deliver each
// frame sent on one side to the other side's subscribers, in order.
type fakeSignaler struct {
	mu   sync.Mutex
	subs []chan signal.Message
	sent []signal.Message
	peer *fakeSignaler
}

func pairSignalers() (*fakeSignaler, *fakeSignaler) {
	a := &fakeSignaler{}
	b := &fakeSignaler{}
	a.peer = b
	b.peer = a
	return a, b
}

func (f *fakeSignaler) SendSignal(m signal.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	peer := f.peer
	f.mu.Unlock()
	if peer != nil {
		peer.deliver(m)
	}
	return nil
}

func (f *fakeSignaler) deliver(m signal.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- m
	}
}

func (f *fakeSignaler) SubscribeSignals() (<-chan signal.Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan signal.Message, 64)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeSignaler) WaitOpen(ctx context.Context) error { return nil }

func (f *fakeSignaler) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		switch m.(type) {
		case signal.CallRequest:
			out = append(out, signal.TypeCallRequest)
		case signal.CallAccept:
			out = append(out, signal.TypeCallAccept)
		case signal.Offer:
			out = append(out, signal.TypeOffer)
		case signal.Answer:
			out = append(out, signal.TypeAnswer)
		case signal.ICECandidate:
			out = append(out, signal.TypeICE)
		case signal.CallEnd:
			out = append(out, signal.TypeCallEnd)
		}
	}
	return out
}

func testCallConfig() (config.Call, config.Media) {
	cfg := config.Default().Call
	cfg.RingIntervalSec = 1
	cfg.RingTimeoutSec = 2
	media := config.Media{Disabled: true}
	return cfg, media
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("phase never reached %s, stuck at %s", want, s.Phase())
}

func TestCallEndToEnd(t *testing.T) {
	cfg, media := testCallConfig()
	sigA, sigB := pairSignalers()

	caller := New(sigA, cfg, media)
	defer caller.Close()
	callee := New(sigB, cfg, media)
	defer callee.Close()

	calleeSess := make(chan *Session, 1)
	callee.OnIncoming(func(ic *IncomingCall) {
		sess, err := ic.Accept(context.Background())
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		calleeSess <- sess
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := caller.StartCall(ctx)
	if err != nil {
		t.Fatal(err)
	}

	waitPhase(t, out, PhaseConnected)

	var in *Session
	select {
	case in = <-calleeSess:
	case <-time.After(10 * time.Second):
		t.Fatal("callee never accepted")
	}
	waitPhase(t, in, PhaseConnected)

	// The caller side must have produced the full sequence.
	types := sigA.sentTypes()
	sawOffer := false
	for _, tp := range types {
		if tp == signal.TypeOffer {
			sawOffer = true
		}
		if tp == signal.TypeAnswer {
			t.Fatal("caller must not send an answer")
		}
	}
	if !sawOffer {
		t.Fatalf("caller never sent an offer: %v", types)
	}

	// Hang up from the caller; callee tears down via call_end.
	out.Hangup()
	waitPhase(t, in, PhaseEnded)
	waitPhase(t, out, PhaseEnded)

	// The slot clears, a new call may start.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := caller.Session(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session slot never cleared after hangup")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartCallWhileInCall(t *testing.T) {
	cfg, media := testCallConfig()
	sigA, _ := pairSignalers()

	m := New(sigA, cfg, media)
	defer m.Close()

	ctx := context.Background()
	first, err := m.StartCall(ctx)
	if err != nil {
		t.Fatal(err)
	}

	second, err := m.StartCall(ctx)
	if err != ErrCallInProgress {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
	if second != first {
		t.Fatal("expected the existing session back")
	}
	first.Hangup()
}

func TestRingRepeatAndTimeout(t *testing.T) {
	cfg, media := testCallConfig()
	sigA, _ := pairSignalers()

	m := New(sigA, cfg, media)
	defer m.Close()

	sess, err := m.StartCall(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	waitPhase(t, sess, PhaseEnded)

	var rings, ends int
	for _, tp := range sigA.sentTypes() {
		switch tp {
		case signal.TypeCallRequest:
			rings++
		case signal.TypeCallEnd:
			ends++
		}
	}
	// Initial ring plus at least one repeat before the timeout fires.
	if rings < 2 {
		t.Fatalf("expected repeated rings, got %d", rings)
	}
	if ends != 1 {
		t.Fatalf("expected exactly one call_end on timeout, got %d", ends)
	}
}

func TestRepeatRingFiresOnce(t *testing.T) {
	cfg, media := testCallConfig()
	sig, remote := pairSignalers()

	m := New(sig, cfg, media)
	defer m.Close()

	var fired sync.WaitGroup
	fired.Add(1)
	var count int
	var countMu sync.Mutex
	m.OnIncoming(func(ic *IncomingCall) {
		countMu.Lock()
		count++
		if count == 1 {
			fired.Done()
		}
		countMu.Unlock()
	})

	remote.SendSignal(signal.CallRequest{})
	remote.SendSignal(signal.CallRequest{})
	remote.SendSignal(signal.CallRequest{})
	fired.Wait()
	time.Sleep(100 * time.Millisecond)

	countMu.Lock()
	defer countMu.Unlock()
	if count != 1 {
		t.Fatalf("expected one incoming notification, got %d", count)
	}
}

func TestRejectSendsCallEnd(t *testing.T) {
	cfg, media := testCallConfig()
	sig, remote := pairSignalers()

	m := New(sig, cfg, media)
	defer m.Close()

	rejected := make(chan struct{})
	m.OnIncoming(func(ic *IncomingCall) {
		ic.Reject()
		close(rejected)
	})

	remote.SendSignal(signal.CallRequest{})
	select {
	case <-rejected:
	case <-time.After(5 * time.Second):
		t.Fatal("reject never ran")
	}

	types := sig.sentTypes()
	if len(types) != 1 || types[0] != signal.TypeCallEnd {
		t.Fatalf("expected a single call_end, got %v", types)
	}
}

func TestCallerCancelClosesRing(t *testing.T) {
	cfg, media := testCallConfig()
	sig, remote := pairSignalers()

	m := New(sig, cfg, media)
	defer m.Close()

	got := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { got <- ic })

	remote.SendSignal(signal.CallRequest{})
	var ic *IncomingCall
	select {
	case ic = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("ring never arrived")
	}

	remote.SendSignal(signal.CallEnd{})
	select {
	case <-ic.Cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel never propagated")
	}

	// A fresh ring after the cancel fires again.
	remote.SendSignal(signal.CallRequest{})
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("second ring never arrived")
	}
}

func TestICEBufferedUntilRemoteDescription(t *testing.T) {
	cfg, media := testCallConfig()
	sig, _ := pairSignalers()

	sess := newSession(sig, cfg, media, false)
	if err := sess.setupPeerConnection(); err != nil {
		t.Fatal(err)
	}
	defer sess.teardown(false)
	sess.mu.Lock()
	sess.phase = PhaseNegotiating
	sess.mu.Unlock()

	mline := uint16(0)
	candidate := func(port int) signal.ICECandidate {
		return signal.ICECandidate{Candidate: webrtc.ICECandidateInit{
			Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 192.0.2.10 %d typ host", port),
			SDPMLineIndex: &mline,
		}}
	}

	// Candidates before any remote description must buffer, not error.
	for i := 0; i < 3; i++ {
		sess.handleSignal(candidate(54321 + i))
	}

	sess.mu.Lock()
	buffered := len(sess.pendingICE)
	sess.mu.Unlock()
	if buffered != 3 {
		t.Fatalf("expected 3 buffered candidates, got %d", buffered)
	}

	// A real offer lands: the remote description is set, the buffer drains in
	// arrival order, and the answer goes out.
	peerSig, _ := pairSignalers()
	peer := newSession(peerSig, cfg, media, true)
	if err := peer.setupPeerConnection(); err != nil {
		t.Fatal(err)
	}
	defer peer.teardown(false)
	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	sess.handleSignal(signal.Offer{Description: offer})

	sess.mu.Lock()
	remaining := len(sess.pendingICE)
	remoteSet := sess.remoteSet
	sess.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("buffer must drain after remote description, %d left", remaining)
	}
	if !remoteSet {
		t.Fatal("remote description not recorded")
	}
	if got := sess.Phase(); got != PhaseConnected {
		t.Fatalf("expected connected after answering, got %s", got)
	}
	sawAnswer := false
	for _, tp := range sig.sentTypes() {
		if tp == signal.TypeAnswer {
			sawAnswer = true
		}
	}
	if !sawAnswer {
		t.Fatal("no answer sent after the offer")
	}

	// Late candidates now apply directly instead of accumulating.
	sess.handleSignal(candidate(55555))
	sess.mu.Lock()
	late := len(sess.pendingICE)
	sess.mu.Unlock()
	if late != 0 {
		t.Fatalf("candidate buffered after remote description: %d pending", late)
	}

	// Remote hangup clears the ICE state along with everything else.
	sess.handleSignal(signal.CallEnd{})
	sess.mu.Lock()
	if sess.pendingICE != nil {
		t.Fatalf("ice buffer survived teardown: %d entries", len(sess.pendingICE))
	}
	sess.mu.Unlock()
	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel not closed after call_end")
	}
}

func TestSessionInitialPhase(t *testing.T) {
	cfg, media := testCallConfig()
	sig, _ := pairSignalers()

	if got := newSession(sig, cfg, media, true).Phase(); got != PhaseIdle {
		t.Fatalf("caller session must start idle, got %s", got)
	}
	if got := newSession(sig, cfg, media, false).Phase(); got != PhaseRingingIn {
		t.Fatalf("callee session must start ringing-in, got %s", got)
	}
}

func TestHangupIdempotent(t *testing.T) {
	cfg, media := testCallConfig()
	sig, _ := pairSignalers()

	sess := newSession(sig, cfg, media, true)
	sess.startRinging()

	sess.Hangup()
	sess.Hangup() // must not panic or double-send

	var ends int
	for _, tp := range sig.sentTypes() {
		if tp == signal.TypeCallEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected one call_end, got %d", ends)
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTogglesFlipState(t *testing.T) {
	cfg, media := testCallConfig()
	sig, _ := pairSignalers()

	sess := newSession(sig, cfg, media, true)
	defer sess.teardown(false)

	if muted := sess.ToggleAudio(); !muted {
		t.Fatal("first audio toggle must mute")
	}
	if muted := sess.ToggleAudio(); muted {
		t.Fatal("second audio toggle must unmute")
	}
	if off := sess.ToggleVideo(); !off {
		t.Fatal("first video toggle must disable")
	}
}
