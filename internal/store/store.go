// Package store provides the session store contract and its implementations.
package store

import (
	"context"

	"github.com/ashureev/supportdesk/internal/domain"
)

// Repository is the session store consumed by the conversation controller.
// Implementations: the SQLite reference store and the remote portal backend.
type Repository interface {
	// CreateSession opens a new active session for the customer.
	CreateSession(ctx context.Context, customerID string) (*domain.Session, error)

	// AppendMessage adds one message to a session transcript and copies
	// non-empty metadata fields onto the session.
	AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (*domain.Message, error)

	// GetSession returns a session with its full message history.
	// Returns ErrNotFound if the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// GetActiveSession returns the customer's active session, or nil if none.
	GetActiveSession(ctx context.Context, customerID string) (*domain.SessionRecord, error)

	// PendingFeedback lists resolved or escalated sessions without a rating, oldest first.
	PendingFeedback(ctx context.Context, customerID string) ([]domain.Session, error)

	// SubmitFeedback records a rating for a session owed feedback.
	SubmitFeedback(ctx context.Context, customerID string, fb domain.Feedback) error

	// SaveLocation records the device position for a session.
	SaveLocation(ctx context.Context, sessionID string, loc domain.Location) error

	// ResolveSession marks a session resolved and returns its summary.
	ResolveSession(ctx context.Context, sessionID string) (string, error)

	// EscalateSession marks a session escalated and returns the ticket.
	EscalateSession(ctx context.Context, sessionID string) (*domain.Ticket, error)

	// SendSummaryEmail queues the session summary to the customer and returns a confirmation.
	SendSummaryEmail(ctx context.Context, sessionID string) (string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Desk is the agent-side surface of the reference deployment.
type Desk interface {
	// AgentReply appends an agent message to an escalated session.
	AgentReply(ctx context.Context, sessionID, content string) (*domain.Message, error)

	// AgentResolve marks an escalated session resolved by agent action.
	AgentResolve(ctx context.Context, sessionID string) error

	// Queue lists escalated sessions, oldest first.
	Queue(ctx context.Context) ([]domain.Session, error)
}
