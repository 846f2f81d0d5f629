package call

import (
	"context"
	"log"
	"sync"

	"github.com/viewora/viewora-go/internal/config"
	"github.com/viewora/viewora-go/internal/signal"
)

// Manager owns at most one call session per conversation and bridges the
// conversation's signaling frames to it.
type Manager struct {
	sig   Signaler
	cfg   config.Call
	media config.Media

	mu      sync.Mutex
	current *Session
	ringIn  *pendingRing

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	done chan struct{}
}

// pendingRing tracks a call_request the local user has not answered yet.
type pendingRing struct {
	cancelled chan struct{}
}

// New creates a Manager attached to sig and starts listening for signaling
// frames immediately.
func New(sig Signaler, cfg config.Call, media config.Media) *Manager {
	m := &Manager{
		sig:   sig,
		cfg:   cfg,
		media: media,
		done:  make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// OnIncoming registers a callback fired once per incoming ring. Repeated
// call_request frames for the same ring do not re-fire it.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// StartCall places an outbound call. Media is acquired before the first ring
// so a denied camera surfaces here, with nothing sent to the remote side.
// Waits for the socket to be open so the ring is not silently dropped.
// Returns ErrCallInProgress when a session already exists.
func (m *Manager) StartCall(ctx context.Context) (*Session, error) {
	if err := m.sig.WaitOpen(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.current != nil {
		sess := m.current
		m.mu.Unlock()
		return sess, ErrCallInProgress
	}
	sess := newSession(m.sig, m.cfg, m.media, true)
	m.current = sess
	m.mu.Unlock()

	if err := sess.setupPeerConnection(); err != nil {
		m.mu.Lock()
		if m.current == sess {
			m.current = nil
		}
		m.mu.Unlock()
		return nil, err
	}

	sess.startRinging()
	go m.reapWhenDone(sess)
	log.Printf("CALL: outbound call started")
	return sess, nil
}

// Session returns the active session, if any.
func (m *Manager) Session() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// reapWhenDone clears the manager slot once a session tears down, so the next
// call can start.
func (m *Manager) reapWhenDone(sess *Session) {
	select {
	case <-sess.Done():
	case <-m.done:
		return
	}
	m.mu.Lock()
	if m.current == sess {
		m.current = nil
	}
	m.mu.Unlock()
}

// Close shuts the manager down and hangs up any active call.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	sess := m.current
	ring := m.ringIn
	m.current = nil
	m.ringIn = nil
	m.mu.Unlock()

	if ring != nil {
		close(ring.cancelled)
	}
	if sess != nil {
		sess.Hangup()
	}
}

// dispatchLoop reads signaling frames and routes them. Frames are handled
// serially, which keeps ICE candidates in arrival order.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.SubscribeSignals()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(frame)
		}
	}
}

func (m *Manager) dispatch(frame signal.Message) {
	switch frame.(type) {
	case signal.CallRequest:
		m.handleRing()
		return
	case signal.CallEnd:
		m.mu.Lock()
		if m.current == nil && m.ringIn != nil {
			ring := m.ringIn
			m.ringIn = nil
			m.mu.Unlock()
			close(ring.cancelled)
			log.Printf("CALL: caller gave up before we answered")
			return
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		log.Printf("CALL: no session, ignoring %T", frame)
		return
	}
	sess.handleSignal(frame)
}

// handleRing fires OnIncoming once per ring. Further call_request frames
// while the user decides (or while in a call) are the caller's repeat ring.
func (m *Manager) handleRing() {
	m.mu.Lock()
	if m.current != nil || m.ringIn != nil {
		m.mu.Unlock()
		return
	}
	ring := &pendingRing{cancelled: make(chan struct{})}
	m.ringIn = ring
	m.mu.Unlock()

	log.Printf("CALL: incoming call")

	ic := &IncomingCall{
		Cancelled: ring.cancelled,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.acceptRing(ring)
		},
		Reject: func() {
			m.rejectRing(ring)
		},
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) acceptRing(ring *pendingRing) (*Session, error) {
	m.mu.Lock()
	if m.ringIn != ring {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	sess := newSession(m.sig, m.cfg, m.media, false)
	m.current = sess
	m.ringIn = nil
	m.mu.Unlock()

	if err := sess.accept(); err != nil {
		m.mu.Lock()
		if m.current == sess {
			m.current = nil
		}
		m.mu.Unlock()
		return nil, err
	}

	go m.reapWhenDone(sess)
	return sess, nil
}

func (m *Manager) rejectRing(ring *pendingRing) {
	m.mu.Lock()
	if m.ringIn != ring {
		m.mu.Unlock()
		return
	}
	m.ringIn = nil
	m.mu.Unlock()

	if err := m.sig.SendSignal(signal.CallEnd{}); err != nil {
		log.Printf("CALL: send reject: %v", err)
	}
	log.Printf("CALL: incoming call rejected")
}
