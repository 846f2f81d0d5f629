package call

// Phase is the lifecycle stage of a call session.
type Phase int

const (
	// PhaseIdle: no call activity.
	PhaseIdle Phase = iota
	// PhaseRingingOut: call_request sent, waiting for the callee to accept.
	PhaseRingingOut
	// PhaseRingingIn: call_request received, waiting for the local user.
	PhaseRingingIn
	// PhaseNegotiating: accepted; SDP and ICE are being exchanged.
	PhaseNegotiating
	// PhaseConnected: answer applied on both ends, media can flow.
	PhaseConnected
	// PhaseEnded: torn down. Terminal.
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRingingOut:
		return "ringing-out"
	case PhaseRingingIn:
		return "ringing-in"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}
