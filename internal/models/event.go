package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// InboundFrame is a client→server websocket frame.
type InboundFrame struct {
	Message *string        `json:"message"`
	Media   []InboundMedia `json:"media"`
	Type    string         `json:"type"`
}

// InboundMedia is one base64 attachment inside an inbound frame.
type InboundMedia struct {
	Data     string `json:"data"`
	FileName string `json:"file_name"`
}

// MediaView is the wire form of a stored attachment.
type MediaView struct {
	ID   string `json:"id"`
	File string `json:"file"`
}

// MessageView is the wire form of a persisted message.
type MessageView struct {
	ID        string      `json:"id"`
	Sender    *string     `json:"sender"`
	Content   *string     `json:"content"`
	Type      MessageType `json:"type"`
	Media     []MediaView `json:"media"`
	CreatedAt int64       `json:"created_at"`
}

// Sender identifies the author of a message on the wire: email when known, id otherwise.
type Sender struct {
	ID    int
	Email string
}

func (s Sender) String() string {
	if s.Email != "" {
		return s.Email
	}
	return strconv.Itoa(s.ID)
}

// View renders msg for clients. fileURL maps a stored blob ref to a client URL.
// sender may be nil, in which case the stored sender id (if any) is rendered.
func (m Message) View(sender *Sender, fileURL func(string) string) MessageView {
	view := MessageView{
		ID:        FormatID(m.ID),
		Content:   m.Content,
		Type:      m.Type,
		Media:     make([]MediaView, 0, len(m.Media)),
		CreatedAt: m.CreatedAt.Unix(),
	}
	switch {
	case sender != nil:
		s := sender.String()
		view.Sender = &s
	case m.SenderID != nil:
		s := strconv.Itoa(*m.SenderID)
		view.Sender = &s
	}
	for _, md := range m.Media {
		file := md.File
		if fileURL != nil {
			file = fileURL(md.File)
		}
		view.Media = append(view.Media, MediaView{ID: FormatID(md.ID), File: file})
	}
	return view
}

// EventKind enumerates what can be fanned out to a room.
type EventKind int

const (
	EventNewMessage EventKind = iota + 1
)

func (k EventKind) String() string {
	switch k {
	case EventNewMessage:
		return "new_message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a room-level broadcast. Exactly one payload field is set per Kind.
type Event struct {
	Kind    EventKind
	Message *MessageView
	User    string
}

// outboundFrame is the server→client frame for EventNewMessage.
type outboundFrame struct {
	Message *MessageView `json:"message"`
	User    string       `json:"user"`
}

// Encode renders the event as the frame clients receive.
func (e Event) Encode() ([]byte, error) {
	switch e.Kind {
	case EventNewMessage:
		if e.Message == nil {
			return nil, fmt.Errorf("encode %s: missing message", e.Kind)
		}
		return json.Marshal(outboundFrame{Message: e.Message, User: e.User})
	default:
		return nil, fmt.Errorf("encode: unsupported event kind %s", e.Kind)
	}
}

// MediaURL joins a public base URL and a blob ref.
func MediaURL(baseURL string) func(string) string {
	return func(ref string) string {
		if baseURL == "" {
			return ref
		}
		return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(ref, "/")
	}
}
