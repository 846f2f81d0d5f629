package call

import (
	"context"
	"errors"

	"github.com/viewora/viewora-go/internal/signal"
)

// Signaler is the only surface the call package needs from the chat layer.
// chat.Session satisfies it; tests plug in an in-memory pair.
type Signaler interface {
	SendSignal(m signal.Message) error
	SubscribeSignals() (ch <-chan signal.Message, cancel func())
	WaitOpen(ctx context.Context) error
}

// IncomingCall is handed to OnIncoming handlers when the remote side rings.
type IncomingCall struct {
	// Accept picks up: sends call_accept and returns the negotiating session.
	Accept func(ctx context.Context) (*Session, error)
	// Reject declines: sends call_end and clears the ring.
	Reject func()
	// Cancelled closes when the caller gives up before the local user decides.
	Cancelled <-chan struct{}
}

var (
	// ErrCallInProgress: a session already exists on this conversation.
	ErrCallInProgress = errors.New("call: already in a call")
	// ErrMediaPermission: camera/mic access was denied.
	ErrMediaPermission = errors.New("call: media permission denied")
	// ErrMediaBusy: the device exists but another application holds it.
	ErrMediaBusy = errors.New("call: media device busy")
)
