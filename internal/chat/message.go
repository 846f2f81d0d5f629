package chat

// Message is one chat message in a conversation, as kept in the in-memory
// history. Receipts flip IsRead in place.
type Message struct {
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
	Body   string `json:"message"`
	Time   string `json:"time"`
	IsRead bool   `json:"is_read"`
}

// EventType classifies session events delivered to subscribers.
type EventType string

const (
	// EventMessage fires for each delivered chat message.
	EventMessage EventType = "message"
	// EventReceipt fires when a read receipt was applied to the history.
	EventReceipt EventType = "receipt"
	// EventOpen fires each time the socket (re)connects.
	EventOpen EventType = "open"
	// EventClosed fires when the socket drops and a reconnect is pending.
	EventClosed EventType = "closed"
)

// Event is one session notification.
type Event struct {
	Type    EventType
	Message *Message // set for EventMessage
	ReadIDs []int64  // set for EventReceipt
}
