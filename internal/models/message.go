package models

import (
	"errors"
	"time"
)

// MessageType tags what a message carries.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
	MessageTypeVoice MessageType = "voice"
)

var ErrInvalidMessageType = errors.New("invalid message type")

// ParseMessageType validates a wire type tag. An empty tag means text.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case "":
		return MessageTypeText, nil
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeVoice:
		return t, nil
	default:
		return "", ErrInvalidMessageType
	}
}

// Message is a persisted chat message. SenderID is nil once the sender is gone.
type Message struct {
	ID        int64          `db:"id"`
	ChatID    int64          `db:"chat_id"`
	SenderID  *int           `db:"sender_id"`
	Content   *string        `db:"content"`
	Type      MessageType    `db:"type"`
	CreatedAt time.Time      `db:"created_at"`
	Media     []MessageMedia `db:"-"`
}

// MessageMedia is one stored attachment of a message.
type MessageMedia struct {
	ID        int64     `db:"id"`
	MessageID int64     `db:"message_id"`
	File      string    `db:"file"`
	CreatedAt time.Time `db:"created_at"`
}

// NewMessage is what the Message Store needs to append a message.
type NewMessage struct {
	ChatID   int64
	SenderID int
	Content  *string
	Type     MessageType
	Media    []string
}
