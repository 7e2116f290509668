// Package domain contains core domain types for the support portal.
package domain

import (
	"time"
)

// Status is the lifecycle status of a support session.
type Status string

const (
	// StatusActive marks the single in-progress session of a customer.
	StatusActive Status = "active"
	// StatusResolved marks a session the customer (or an agent) resolved.
	StatusResolved Status = "resolved"
	// StatusEscalated marks a session converted into a ticket.
	StatusEscalated Status = "escalated"
	// StatusAbandoned marks an active session superseded by "Start New".
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status closes the session for the controller.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusEscalated || s == StatusAbandoned
}

// OwesFeedback reports whether a session with this status becomes a feedback obligation.
func (s Status) OwesFeedback() bool {
	return s == StatusResolved || s == StatusEscalated
}

// Location is a device position shared by the customer.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Session is one customer support interaction as persisted by the session store.
type Session struct {
	ID             string     `json:"id"`
	CustomerID     string     `json:"customer_id"`
	SectorName     string     `json:"sector_name"`
	SubprocessName string     `json:"subprocess_name"`
	Language       string     `json:"language"`
	QueryText      string     `json:"query_text"`
	Resolution     string     `json:"resolution"`
	Status         Status     `json:"status"`
	Summary        string     `json:"summary,omitempty"`
	Location       *Location  `json:"location,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// IsActive returns true if the session can still be driven by the controller.
func (s *Session) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// SessionRecord is a session together with its full, ordered message history.
type SessionRecord struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// Feedback is a customer rating for a finished session.
type Feedback struct {
	SessionID string `json:"chat_session_id" validate:"required"`
	Rating    int    `json:"rating" validate:"required,min=1,max=5"`
	Comment   string `json:"comment" validate:"max=2000"`
}
