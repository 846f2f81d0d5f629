// Package chat manages the WebSocket session of one conversation. A Session
// owns exactly one socket at a time, keeps an in-memory message history, and
// reconnects with capped exponential backoff when the connection drops. Call
// signaling frames arriving on the same socket are fanned out to signal
// subscribers untouched.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viewora/viewora-go/internal/config"
	"github.com/viewora/viewora-go/internal/signal"
	"github.com/viewora/viewora-go/internal/util"
)

// DefaultHistoryLimit is the fallback in-memory history size.
const DefaultHistoryLimit = 500

// ErrClosed is returned by operations on a session after Close.
var ErrClosed = errors.New("chat: session closed")

// Session is the live connection of one interest conversation.
type Session struct {
	cfg        config.Chat
	interestID int64
	dialer     *websocket.Dialer

	mu         sync.RWMutex
	conn       *websocket.Conn
	opened     chan struct{} // closed while the socket is open; replaced on drop
	listeners  []chan Event
	signalSubs []chan signal.Message
	started    bool
	closed     bool

	writeMu sync.Mutex // gorilla allows one concurrent writer

	messages *util.RingBuffer[*Message]
	done     chan struct{}
}

// New creates a session for the given interest. The socket is not dialed
// until Start.
func New(cfg config.Chat, interestID int64) *Session {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Session{
		cfg:        cfg,
		interestID: interestID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: util.DefaultConnectTimeout,
		},
		opened:   make(chan struct{}),
		messages: util.NewRingBuffer[*Message](limit),
		done:     make(chan struct{}),
	}
}

// URL returns the conversation socket endpoint.
func (s *Session) URL() string {
	scheme := "ws"
	if s.cfg.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws/chat/interest/%d/", scheme, s.cfg.Host, s.cfg.Port, s.interestID)
}

// InterestID returns the conversation this session belongs to.
func (s *Session) InterestID() int64 {
	return s.interestID
}

// Start launches the connect loop. Calling Start twice is a no-op.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// run dials, reads until the socket drops, then backs off and redials. Exactly
// one socket exists per cycle; the previous one is fully torn down before the
// next dial.
func (s *Session) run() {
	attempt := 0
	for {
		if s.connectOnce() {
			attempt = 0
		} else {
			attempt++
		}

		delay := s.backoff(attempt)
		log.Printf("CHAT [%d]: reconnecting in %v", s.interestID, delay)
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}
	}
}

// backoff returns the delay before the next dial. Doubles per consecutive
// failure, capped at reconnect_max_ms.
func (s *Session) backoff(attempt int) time.Duration {
	base := time.Duration(s.cfg.ReconnectBaseMS) * time.Millisecond
	max := time.Duration(s.cfg.ReconnectMaxMS) * time.Millisecond
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// connectOnce dials and serves one socket lifetime. Reports whether the
// connection reached OPEN.
func (s *Session) connectOnce() bool {
	select {
	case <-s.done:
		return false
	default:
	}

	url := s.URL()
	conn, _, err := s.dialer.Dial(url, nil)
	if err != nil {
		log.Printf("CHAT [%d]: dial %s: %v", s.interestID, url, err)
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	close(s.opened)
	s.mu.Unlock()

	log.Printf("CHAT [%d]: connected", s.interestID)
	s.emit(Event{Type: EventOpen})

	s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.opened = make(chan struct{})
	closed := s.closed
	s.mu.Unlock()

	conn.Close()
	if !closed {
		s.emit(Event{Type: EventClosed})
	}
	return true
}

// readLoop processes frames serially until the socket errors. Serial handling
// keeps delivery order, which downstream consumers rely on.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("CHAT [%d]: read: %v", s.interestID, err)
			}
			return
		}

		msg, err := signal.Decode(raw)
		if err != nil {
			// A bad frame is the sender's problem, not a reason to drop a
			// healthy connection.
			log.Printf("CHAT [%d]: dropping frame: %v", s.interestID, err)
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(m signal.Message) {
	switch v := m.(type) {
	case signal.ChatMessage:
		msg := &Message{ID: v.ID, Sender: v.Sender, Body: v.Body, Time: v.Time, IsRead: v.IsRead}
		s.messages.Push(msg)
		s.emit(Event{Type: EventMessage, Message: msg})

	case signal.ReadReceipt:
		applied := s.applyReceipt(v.MessageIDs)
		if len(applied) > 0 {
			s.emit(Event{Type: EventReceipt, ReadIDs: applied})
		}

	case signal.Unknown:
		log.Printf("CHAT [%d]: ignoring unknown frame type %q", s.interestID, v.Type)

	default:
		if signal.IsCallSignal(m) {
			s.emitSignal(m)
		}
	}
}

// applyReceipt flips IsRead on the given ids and returns the ids that actually
// changed. Unknown and already-read ids fall through, so a replayed receipt is
// harmless.
func (s *Session) applyReceipt(ids []int64) []int64 {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var applied []int64
	s.messages.Each(func(m *Message) bool {
		if want[m.ID] && !m.IsRead {
			m.IsRead = true
			applied = append(applied, m.ID)
		}
		return true
	})
	return applied
}

// Send delivers a chat text frame. When the socket is not open the frame is
// logged and dropped; senders never block or fail on a reconnecting session.
func (s *Session) Send(text string) error {
	return s.SendSignal(signal.ChatText{Body: text})
}

// SendSignal writes one frame to the socket. Silently drops when not open.
func (s *Session) SendSignal(m signal.Message) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		log.Printf("CHAT [%d]: socket not open, dropping %T", s.interestID, m)
		return nil
	}

	raw, err := signal.Marshal(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// WaitOpen blocks until the socket is open, the context ends, or the session
// closes.
func (s *Session) WaitOpen(ctx context.Context) error {
	s.mu.RLock()
	opened := s.opened
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	select {
	case <-opened:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsOpen reports whether the socket is currently connected.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Messages returns a snapshot of the in-memory history, oldest first.
func (s *Session) Messages() []*Message {
	return s.messages.Snapshot()
}

// UnreadIDs returns the ids of messages not yet marked read.
func (s *Session) UnreadIDs() []int64 {
	var ids []int64
	s.messages.Each(func(m *Message) bool {
		if !m.IsRead {
			ids = append(ids, m.ID)
		}
		return true
	})
	return ids
}

// Seed preloads history fetched over REST, oldest first. Meant to be called
// once before Start.
func (s *Session) Seed(msgs []*Message) {
	for _, m := range msgs {
		s.messages.Push(m)
	}
}

// Subscribe returns a channel receiving session events and a cancel func.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, 32)
	s.listeners = append(s.listeners, ch)
	return ch, func() { s.unsubscribe(ch) }
}

func (s *Session) unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.listeners {
		if l == ch {
			close(l)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// SubscribeSignals returns a channel receiving call-signaling frames and a
// cancel func. Frames are delivered in arrival order.
func (s *Session) SubscribeSignals() (<-chan signal.Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan signal.Message, 32)
	s.signalSubs = append(s.signalSubs, ch)
	return ch, func() { s.unsubscribeSignals(ch) }
}

func (s *Session) unsubscribeSignals(ch chan signal.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.signalSubs {
		if l == ch {
			close(l)
			s.signalSubs = append(s.signalSubs[:i], s.signalSubs[i+1:]...)
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.listeners {
		select {
		case l <- ev:
		default:
			// Listener buffer full, skip
		}
	}
}

func (s *Session) emitSignal(m signal.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.signalSubs {
		select {
		case l <- m:
		default:
			log.Printf("CHAT [%d]: signal subscriber full, dropping %T", s.interestID, m)
		}
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil

	for _, l := range s.listeners {
		close(l)
	}
	s.listeners = nil
	for _, l := range s.signalSubs {
		close(l)
	}
	s.signalSubs = nil
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
	log.Printf("CHAT [%d]: session closed", s.interestID)
	return nil
}
