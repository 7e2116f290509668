package domain

import (
	"time"
)

// Sender classifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
	SenderAgent  Sender = "agent"
)

// Valid reports whether s is a known sender class.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderBot, SenderSystem, SenderAgent:
		return true
	}
	return false
}

// MessageMeta is structured context attached to a message for backend analytics.
// The store copies non-empty fields onto the session record.
type MessageMeta struct {
	SectorName     string `json:"sector_name,omitempty"`
	SubprocessName string `json:"subprocess_name,omitempty"`
	QueryText      string `json:"query_text,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	Language       string `json:"language,omitempty"`
}

// Message is one turn of a session transcript.
type Message struct {
	ID        int64        `json:"id"`
	SessionID string       `json:"session_id"`
	Sender    Sender       `json:"sender"`
	Content   string       `json:"content"`
	Meta      *MessageMeta `json:"meta,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
