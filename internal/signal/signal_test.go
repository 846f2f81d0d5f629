package signal

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestDecodeChatMessage(t *testing.T) {
	raw := []byte(`{"type":"chat_message","id":42,"sender":"broker_anna","message":"Hi there","time":"2025-11-02T10:15:00Z","is_read":false}`)
	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	cm, ok := m.(ChatMessage)
	if !ok {
		t.Fatalf("expected ChatMessage, got %T", m)
	}
	if cm.ID != 42 || cm.Sender != "broker_anna" || cm.Body != "Hi there" || cm.IsRead {
		t.Fatalf("unexpected fields: %+v", cm)
	}
}

func TestDecodeReadReceipt(t *testing.T) {
	m, err := Decode([]byte(`{"type":"read_receipt","message_ids":[5,7,9]}`))
	if err != nil {
		t.Fatal(err)
	}
	rr, ok := m.(ReadReceipt)
	if !ok {
		t.Fatalf("expected ReadReceipt, got %T", m)
	}
	if len(rr.MessageIDs) != 3 || rr.MessageIDs[0] != 5 {
		t.Fatalf("unexpected ids: %v", rr.MessageIDs)
	}
}

func TestDecodeCallSignals(t *testing.T) {
	cases := []struct {
		raw  string
		want Message
	}{
		{`{"type":"call_request"}`, CallRequest{}},
		{`{"type":"call_accept"}`, CallAccept{}},
		{`{"type":"call_end"}`, CallEnd{}},
	}
	for _, c := range cases {
		m, err := Decode([]byte(c.raw))
		if err != nil {
			t.Fatalf("%s: %v", c.raw, err)
		}
		if m != c.want {
			t.Fatalf("%s: got %T", c.raw, m)
		}
		if !IsCallSignal(m) {
			t.Fatalf("%s: expected call signal", c.raw)
		}
	}
}

func TestDecodeOfferRoundTrip(t *testing.T) {
	offer := Offer{Description: webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
	}}
	raw, err := Marshal(offer)
	if err != nil {
		t.Fatal(err)
	}

	// The wire shape must nest the description under "data".
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		t.Fatal(err)
	}
	if _, ok := probe["data"]; !ok {
		t.Fatalf("offer frame missing data field: %s", raw)
	}

	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.(Offer)
	if !ok {
		t.Fatalf("expected Offer, got %T", m)
	}
	if got.Description.Type != webrtc.SDPTypeOffer || got.Description.SDP != offer.Description.SDP {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeICECandidate(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	cand := ICECandidate{Candidate: webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.10 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}}
	raw, err := Marshal(cand)
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.(ICECandidate)
	if !ok {
		t.Fatalf("expected ICECandidate, got %T", m)
	}
	if got.Candidate.Candidate != cand.Candidate.Candidate {
		t.Fatalf("candidate mismatch: %q", got.Candidate.Candidate)
	}
	if got.Candidate.SDPMid == nil || *got.Candidate.SDPMid != "0" {
		t.Fatalf("sdpMid lost in round trip")
	}
}

func TestMarshalChatText(t *testing.T) {
	raw, err := Marshal(ChatText{Body: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	var frame map[string]string
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame["type"] != "message" || frame["message"] != "Hello" {
		t.Fatalf("unexpected frame: %v", frame)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	m, err := Decode([]byte(`{"type":"typing_indicator","user":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := m.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", m)
	}
	if u.Type != "typing_indicator" {
		t.Fatalf("unexpected type: %q", u.Type)
	}
	if IsCallSignal(m) {
		t.Fatal("unknown frame must not be a call signal")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := Decode([]byte(`{"type":"offer","data":"not-an-object"}`)); err == nil {
		t.Fatal("expected error for malformed offer payload")
	}
}
