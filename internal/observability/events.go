package observability

// Routing keys on the events exchange.
const (
	RoutingWSEvents      = "ws_events.chats"
	RoutingMessageEvents = "chat_events.messages"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEvent describes one connection lifecycle transition.
type WSEvent struct {
	ChatID     string `json:"chat_id"`
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

// Identity is the caller behind an event.
type Identity struct {
	UserID   int    `json:"user_id"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
}

type WSPayload struct {
	WS       WSEvent  `json:"ws"`
	Identity Identity `json:"identity"`
}

// MessageCreated is emitted after a message is durably appended.
type MessageCreated struct {
	ChatID     string `json:"chat_id"`
	MessageID  string `json:"message_id"`
	SenderID   int    `json:"sender_id"`
	Type       string `json:"type"`
	MediaCount int    `json:"media_count"`
	CreatedAt  int64  `json:"created_at"`
}

func NewWSEnvelope(name string, payload WSPayload) EventEnvelope {
	payload.WS.Event = name
	return EventEnvelope{EventType: "ws_events", EventName: name, Payload: payload}
}

func NewMessageEnvelope(payload MessageCreated) EventEnvelope {
	return EventEnvelope{EventType: "chat_events", EventName: "message_created", Payload: payload}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
