// Package lifecycle decides what a customer sees on entering the portal:
// outstanding feedback first, then an offer to resume, then a conversation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/go-playground/validator/v10"
)

// Phase is the gate position of a portal visit.
type Phase string

const (
	PhaseFeedback Phase = "feedback-gate"
	PhaseResume   Phase = "resume-prompt"
	PhaseChat     Phase = "chat"
)

var (
	// ErrGateClosed is returned when the conversation is requested before the gate opens.
	ErrGateClosed = fmt.Errorf("conversation not available yet: %w", errdefs.ErrFailedPrecondition)
	// ErrWrongPhase rejects an action the current phase does not offer.
	ErrWrongPhase = fmt.Errorf("action not available in this phase: %w", errdefs.ErrFailedPrecondition)
	// ErrAlreadySubmitted is returned for a second rating of an accepted obligation.
	ErrAlreadySubmitted = fmt.Errorf("feedback already submitted: %w", errdefs.ErrAlreadyExists)
	// ErrWrongObligation rejects feedback for a session other than the current obligation.
	ErrWrongObligation = fmt.Errorf("feedback must target the current session: %w", errdefs.ErrInvalidArgument)
	// ErrInvalidFeedback rejects a malformed rating.
	ErrInvalidFeedback = fmt.Errorf("invalid feedback: %w", errdefs.ErrInvalidArgument)
)

var validate = validator.New()

// MachineFactory creates an unstarted conversation for a customer.
type MachineFactory func(customerID string) *conversation.Machine

// Gate admits customers into the portal.
type Gate struct {
	store      store.Repository
	newMachine MachineFactory
	logger     *slog.Logger
}

// NewGate creates a Gate.
func NewGate(repo store.Repository, factory MachineFactory, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: repo, newMachine: factory, logger: logger}
}

// Enter starts a portal visit. requestedSessionID, when set, is preferred as
// the resume target if it is still active. Store reads fail open; only
// authentication failures are returned.
func (g *Gate) Enter(ctx context.Context, customerID, requestedSessionID string) (*Portal, error) {
	p := &Portal{
		gate:       g,
		customerID: customerID,
		requested:  requestedSessionID,
		accepted:   make(map[string]struct{}),
		logger:     g.logger.With("customer_id", customerID),
	}

	pending, err := g.store.PendingFeedback(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			return nil, err
		}
		p.logger.Warn("failed to load pending feedback, skipping gate", "error", err)
		pending = nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(pending) > 0 {
		p.pending = pending
		p.phase = PhaseFeedback
		p.logger.Info("feedback required before chat", "pending", len(pending))
		return p, nil
	}
	if err := p.afterFeedbackLocked(ctx); err != nil {
		return nil, err
	}
	return p, nil
}
