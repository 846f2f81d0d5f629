package call

import (
	"errors"
	"testing"

	"github.com/viewora/viewora-go/internal/config"
)

func TestClassifyMediaErr(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"failed to open camera: device or resource busy", ErrMediaBusy},
		{"microphone already in use", ErrMediaBusy},
		{"open /dev/video0: permission denied", ErrMediaPermission},
		{"capture not permitted", ErrMediaPermission},
		{"no such device", nil},
	}
	for _, c := range cases {
		got := classifyMediaErr(errors.New(c.in))
		if c.want == nil {
			if got != nil {
				t.Errorf("%q: expected nil, got %v", c.in, got)
			}
			continue
		}
		if !errors.Is(got, c.want) {
			t.Errorf("%q: expected %v, got %v", c.in, c.want, got)
		}
	}

	if classifyMediaErr(nil) != nil {
		t.Error("nil error must classify to nil")
	}
}

func TestICEServers(t *testing.T) {
	cfg := config.Call{
		StunURLs: []string{"stun:stun.example.org:3478"},
		Turn: []config.TurnServer{
			{URL: "turn:relay.example.org:443", Username: "u", Credential: "c"},
		},
	}

	servers := iceServers(cfg)
	if len(servers) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("unexpected stun entry: %+v", servers[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Fatalf("turn credentials lost: %+v", servers[1])
	}
}
