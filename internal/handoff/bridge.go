// Package handoff converts a conversation into a ticket and relays agent
// activity on the escalated session back to the customer.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultPollInterval is the agent-activity polling period.
const DefaultPollInterval = 5 * time.Second

// Sink receives agent activity for one escalated session.
type Sink interface {
	// AgentMessages delivers new agent messages in id order.
	AgentMessages(msgs []domain.Message)
	// AgentResolved is called at most once per Watch.
	AgentResolved()
}

// Waker delivers out-of-band hints that a session changed.
type Waker interface {
	Wake(ctx context.Context, sessionID string) (<-chan struct{}, func() error, error)
}

// Bridge escalates sessions and watches them for agent activity.
type Bridge struct {
	store    store.Repository
	waker    Waker
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithWaker triggers an immediate poll whenever w signals the session.
func WithWaker(w Waker) Option {
	return func(b *Bridge) { b.waker = w }
}

// NewBridge creates a Bridge over repo.
func NewBridge(repo store.Repository, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		store:    repo,
		interval: DefaultPollInterval,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Escalate creates the ticket for sessionID. On failure it returns a
// provisional ticket for display together with the error.
func (b *Bridge) Escalate(ctx context.Context, sessionID string) (domain.Ticket, error) {
	ctx, span := telemetry.Start(ctx, "handoff.escalate", attribute.String("session_id", sessionID))
	defer span.End()

	var (
		ticket *domain.Ticket
		err    error
	)
	if sessionID == "" {
		err = fmt.Errorf("no session to escalate: %w", store.ErrUnavailable)
	} else {
		ticket, err = b.store.EscalateSession(ctx, sessionID)
	}
	if err != nil {
		span.RecordError(err)
		metrics.Escalations.WithLabelValues("failed").Inc()
		provisional := domain.Ticket{
			ReferenceNumber: domain.ProvisionalReference(b.now()),
			Provisional:     true,
		}
		b.logger.Warn("escalation failed",
			"session_id", sessionID,
			"provisional_reference", provisional.ReferenceNumber,
			"error", err,
		)
		return provisional, fmt.Errorf("escalate session: %w", err)
	}

	metrics.Escalations.WithLabelValues("created").Inc()
	b.logger.Info("session escalated",
		"session_id", sessionID,
		"reference", ticket.ReferenceNumber,
		"priority", ticket.Priority,
	)
	return *ticket, nil
}
