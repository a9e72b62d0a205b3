package models

import "time"

// Chat is a room: a conversation with a fixed set of participants.
type Chat struct {
	ID        int64     `db:"id" json:"-"`
	Name      *string   `db:"name" json:"name"`
	IsGroup   bool      `db:"is_group" json:"is_group"`
	CreatedAt time.Time `db:"created_at" json:"-"`
}

// ChatSummary is the API view of a chat for one of its participants.
type ChatSummary struct {
	ID             string  `json:"id"`
	Name           *string `json:"name,omitempty"`
	IsGroup        bool    `json:"is_group"`
	ParticipantIDs []int   `json:"participants"`
	CreatedAt      int64   `json:"created_at"`
}

// Summary renders the chat together with its participant ids.
func (c Chat) Summary(participants []int) ChatSummary {
	return ChatSummary{
		ID:             FormatID(c.ID),
		Name:           c.Name,
		IsGroup:        c.IsGroup,
		ParticipantIDs: participants,
		CreatedAt:      c.CreatedAt.Unix(),
	}
}
