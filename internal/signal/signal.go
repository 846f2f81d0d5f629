// Package signal defines the JSON wire protocol spoken over a conversation's
// WebSocket. Every frame carries a "type" discriminator; chat frames put their
// fields at the top level, call-signaling frames nest their payload under
// "data". Decode returns one concrete Message per frame so consumers can
// switch exhaustively instead of sniffing string fields.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Wire values of the "type" discriminator.
const (
	TypeMessage     = "message"      // outbound chat text
	TypeChatMessage = "chat_message" // inbound delivered chat message
	TypeReadReceipt = "read_receipt" // inbound bulk mark-read
	TypeCallRequest = "call_request" // ring / keep-ringing
	TypeCallAccept  = "call_accept"  // callee accepted
	TypeOffer       = "offer"        // SDP offer
	TypeAnswer      = "answer"       // SDP answer
	TypeICE         = "ice"          // one trickled ICE candidate
	TypeCallEnd     = "call_end"     // hangup
)

// Message is one decoded wire frame.
type Message interface {
	wireType() string
}

// ChatText is the outbound user chat frame: {"type":"message","message":...}.
type ChatText struct {
	Body string
}

// ChatMessage is a delivered chat message.
type ChatMessage struct {
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
	Body   string `json:"message"`
	Time   string `json:"time"`
	IsRead bool   `json:"is_read"`
}

// ReadReceipt marks a batch of message ids as read.
type ReadReceipt struct {
	MessageIDs []int64 `json:"message_ids"`
}

// CallRequest rings the remote side. Repeated while unanswered.
type CallRequest struct{}

// CallAccept tells the caller the callee picked up.
type CallAccept struct{}

// Offer carries the caller's SDP offer.
type Offer struct {
	Description webrtc.SessionDescription
}

// Answer carries the callee's SDP answer.
type Answer struct {
	Description webrtc.SessionDescription
}

// ICECandidate carries one trickled candidate.
type ICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

// CallEnd forces full teardown on the receiving side.
type CallEnd struct{}

// Unknown is the explicit branch for unrecognized frame types; consumers log
// and drop it rather than silently falling through.
type Unknown struct {
	Type string
}

func (ChatText) wireType() string     { return TypeMessage }
func (ChatMessage) wireType() string  { return TypeChatMessage }
func (ReadReceipt) wireType() string  { return TypeReadReceipt }
func (CallRequest) wireType() string  { return TypeCallRequest }
func (CallAccept) wireType() string   { return TypeCallAccept }
func (Offer) wireType() string        { return TypeOffer }
func (Answer) wireType() string       { return TypeAnswer }
func (ICECandidate) wireType() string { return TypeICE }
func (CallEnd) wireType() string      { return TypeCallEnd }
func (u Unknown) wireType() string    { return u.Type }

// IsCallSignal reports whether m belongs to the call-signaling subset that the
// call engine subscribes to.
func IsCallSignal(m Message) bool {
	switch m.(type) {
	case CallRequest, CallAccept, Offer, Answer, ICECandidate, CallEnd:
		return true
	}
	return false
}

// envelope is the superset of every inbound frame shape.
type envelope struct {
	Type       string          `json:"type"`
	ID         int64           `json:"id"`
	Sender     string          `json:"sender"`
	Body       string          `json:"message"`
	Time       string          `json:"time"`
	IsRead     bool            `json:"is_read"`
	MessageIDs []int64         `json:"message_ids"`
	Data       json.RawMessage `json:"data"`
}

// Decode parses one inbound frame. A frame with a well-formed envelope but an
// unrecognized type decodes to Unknown; malformed JSON (or a malformed payload
// for a known type) is an error.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case TypeChatMessage:
		return ChatMessage{ID: env.ID, Sender: env.Sender, Body: env.Body, Time: env.Time, IsRead: env.IsRead}, nil
	case TypeReadReceipt:
		return ReadReceipt{MessageIDs: env.MessageIDs}, nil
	case TypeCallRequest:
		return CallRequest{}, nil
	case TypeCallAccept:
		return CallAccept{}, nil
	case TypeOffer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(env.Data, &sd); err != nil {
			return nil, fmt.Errorf("decode offer data: %w", err)
		}
		return Offer{Description: sd}, nil
	case TypeAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(env.Data, &sd); err != nil {
			return nil, fmt.Errorf("decode answer data: %w", err)
		}
		return Answer{Description: sd}, nil
	case TypeICE:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Data, &cand); err != nil {
			return nil, fmt.Errorf("decode ice data: %w", err)
		}
		return ICECandidate{Candidate: cand}, nil
	case TypeCallEnd:
		return CallEnd{}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

// Marshal encodes an outbound frame.
func Marshal(m Message) ([]byte, error) {
	switch v := m.(type) {
	case ChatText:
		return json.Marshal(map[string]any{"type": TypeMessage, "message": v.Body})
	case CallRequest:
		return json.Marshal(map[string]any{"type": TypeCallRequest})
	case CallAccept:
		return json.Marshal(map[string]any{"type": TypeCallAccept})
	case Offer:
		return json.Marshal(map[string]any{"type": TypeOffer, "data": v.Description})
	case Answer:
		return json.Marshal(map[string]any{"type": TypeAnswer, "data": v.Description})
	case ICECandidate:
		return json.Marshal(map[string]any{"type": TypeICE, "data": v.Candidate})
	case CallEnd:
		return json.Marshal(map[string]any{"type": TypeCallEnd})
	default:
		return nil, fmt.Errorf("marshal: unsupported frame type %q", m.wireType())
	}
}
