package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
)

// ResumeOffer describes the session a customer may continue.
type ResumeOffer struct {
	SessionID      string    `json:"session_id"`
	SectorName     string    `json:"sector_name,omitempty"`
	SubprocessName string    `json:"subprocess_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Status is a snapshot of a portal visit.
type Status struct {
	Phase        Phase              `json:"phase"`
	Obligation   *domain.Session    `json:"obligation,omitempty"`
	Remaining    int                `json:"remaining"`
	Resume       *ResumeOffer       `json:"resume,omitempty"`
	Notice       string             `json:"notice,omitempty"`
	Conversation *conversation.View `json:"conversation,omitempty"`
}

// Portal is one customer's visit, from the feedback gate to the conversation.
type Portal struct {
	mu sync.Mutex

	gate       *Gate
	customerID string
	requested  string
	logger     *slog.Logger

	phase     Phase
	pending   []domain.Session
	accepted  map[string]struct{}
	candidate *domain.SessionRecord
	machine   *conversation.Machine
	notice    string
}

// CustomerID returns the customer of this visit.
func (p *Portal) CustomerID() string {
	return p.customerID
}

// Status returns the current snapshot.
func (p *Portal) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

// Machine returns the conversation once the gate is open.
func (p *Portal) Machine() (*conversation.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhaseChat || p.machine == nil {
		return nil, ErrGateClosed
	}
	return p.machine, nil
}

// SubmitFeedback rates the current obligation. Each accepted obligation
// advances the gate exactly once; after the last one the portal moves on to
// the resume check. A store failure leaves the gate on the same obligation.
func (p *Portal) SubmitFeedback(ctx context.Context, sessionID string, rating int, comment string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.accepted[sessionID]; done {
		return p.statusLocked(), ErrAlreadySubmitted
	}
	if p.phase != PhaseFeedback || len(p.pending) == 0 {
		return p.statusLocked(), ErrWrongPhase
	}
	current := p.pending[0]
	if sessionID != current.ID {
		return p.statusLocked(), ErrWrongObligation
	}

	fb := domain.Feedback{SessionID: sessionID, Rating: rating, Comment: comment}
	if err := validate.Struct(fb); err != nil {
		return p.statusLocked(), fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}

	p.notice = ""
	if err := p.gate.store.SubmitFeedback(ctx, p.customerID, fb); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			p.notice = "We couldn't save your feedback. Please try again."
			p.logger.Warn("failed to submit feedback", "session_id", sessionID, "error", err)
			return p.statusLocked(), fmt.Errorf("submit feedback: %w", err)
		}
		p.logger.Info("feedback already recorded by store", "session_id", sessionID)
	}

	p.accepted[sessionID] = struct{}{}
	p.pending = p.pending[1:]
	p.logger.Info("feedback accepted", "session_id", sessionID, "rating", rating, "remaining", len(p.pending))

	if len(p.pending) == 0 {
		if err := p.afterFeedbackLocked(ctx); err != nil {
			return p.statusLocked(), err
		}
	}
	return p.statusLocked(), nil
}

// Continue resumes the offered session. If it can no longer be resumed the
// portal falls back to a fresh start.
func (p *Portal) Continue(ctx context.Context) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhaseResume || p.candidate == nil {
		return p.statusLocked(), ErrWrongPhase
	}
	id := p.candidate.Session.ID

	rec, err := p.gate.store.GetSession(ctx, id)
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return p.statusLocked(), err
	case err != nil:
		p.logger.Warn("failed to reload session, starting fresh", "session_id", id, "error", err)
		return p.freshLocked(ctx)
	case !rec.Session.IsActive():
		p.logger.Info("session no longer active, starting fresh", "session_id", id, "status", rec.Session.Status)
		return p.freshLocked(ctx)
	}

	m := p.gate.newMachine(p.customerID)
	if _, err := m.Resume(ctx, rec); err != nil {
		_ = m.Close()
		if errors.Is(err, store.ErrUnauthorized) {
			return p.statusLocked(), err
		}
		p.logger.Warn("failed to resume session, starting fresh", "session_id", id, "error", err)
		return p.freshLocked(ctx)
	}

	p.machine = m
	p.candidate = nil
	p.phase = PhaseChat
	return p.statusLocked(), nil
}

// StartNew declines the resume offer and starts a fresh conversation.
func (p *Portal) StartNew(ctx context.Context) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhaseResume {
		return p.statusLocked(), ErrWrongPhase
	}
	return p.freshLocked(ctx)
}

// Close ends the visit and its conversation.
func (p *Portal) Close() error {
	p.mu.Lock()
	m := p.machine
	p.machine = nil
	p.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}

func (p *Portal) freshLocked(ctx context.Context) (Status, error) {
	if err := p.startFreshLocked(ctx); err != nil {
		return p.statusLocked(), err
	}
	return p.statusLocked(), nil
}

// afterFeedbackLocked looks for a session to resume, else starts fresh.
func (p *Portal) afterFeedbackLocked(ctx context.Context) error {
	rec, err := p.findActive(ctx)
	if err != nil {
		return err
	}
	if rec != nil {
		p.candidate = rec
		p.phase = PhaseResume
		return nil
	}
	return p.startFreshLocked(ctx)
}

func (p *Portal) findActive(ctx context.Context) (*domain.SessionRecord, error) {
	if p.requested != "" {
		rec, err := p.gate.store.GetSession(ctx, p.requested)
		switch {
		case errors.Is(err, store.ErrUnauthorized):
			return nil, err
		case err != nil:
			p.logger.Debug("requested session unavailable", "session_id", p.requested, "error", err)
		case rec.Session.IsActive() && ownedBy(rec, p.customerID):
			return rec, nil
		}
	}

	rec, err := p.gate.store.GetActiveSession(ctx, p.customerID)
	if err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			return nil, err
		}
		p.logger.Warn("failed to look up active session, starting fresh", "error", err)
		return nil, nil
	}
	if rec != nil && !rec.Session.IsActive() {
		return nil, nil
	}
	return rec, nil
}

func (p *Portal) startFreshLocked(ctx context.Context) error {
	m := p.gate.newMachine(p.customerID)
	if _, err := m.Start(ctx); err != nil {
		_ = m.Close()
		return fmt.Errorf("start conversation: %w", err)
	}
	p.machine = m
	p.candidate = nil
	p.phase = PhaseChat
	return nil
}

func (p *Portal) statusLocked() Status {
	s := Status{
		Phase:     p.phase,
		Remaining: len(p.pending),
		Notice:    p.notice,
	}
	if p.phase == PhaseFeedback && len(p.pending) > 0 {
		ob := p.pending[0]
		s.Obligation = &ob
	}
	if p.phase == PhaseResume && p.candidate != nil {
		sess := p.candidate.Session
		s.Resume = &ResumeOffer{
			SessionID:      sess.ID,
			SectorName:     sess.SectorName,
			SubprocessName: sess.SubprocessName,
			CreatedAt:      sess.CreatedAt,
		}
	}
	if p.phase == PhaseChat && p.machine != nil {
		v := p.machine.View()
		s.Conversation = &v
	}
	return s
}

// ownedBy reports whether rec belongs to customerID. Remote stores that omit
// the owner are trusted, since they scope reads by credential.
func ownedBy(rec *domain.SessionRecord, customerID string) bool {
	return rec.Session.CustomerID == "" || rec.Session.CustomerID == customerID
}
