package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/resolver"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopResolver struct{}

func (noopResolver) ResolveStep(context.Context, resolver.StepRequest) (resolver.StepResult, error) {
	return resolver.StepResult{IsTelecom: true, Resolution: "Restart the device."}, nil
}

type feedbackDown struct {
	*store.SQLiteStore
}

func (feedbackDown) SubmitFeedback(context.Context, string, domain.Feedback) error {
	return errors.New("database unavailable")
}

type pendingDown struct {
	*store.SQLiteStore
}

func (pendingDown) PendingFeedback(context.Context, string) ([]domain.Session, error) {
	return nil, errors.New("database unavailable")
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newGate(repo store.Repository) *Gate {
	factory := func(customerID string) *conversation.Machine {
		return conversation.New(conversation.Config{
			Store:    repo,
			Catalog:  catalog.Default(),
			Resolver: noopResolver{},
		}, customerID)
	}
	return NewGate(repo, factory, nil)
}

func enter(t *testing.T, g *Gate, requested string) *Portal {
	t.Helper()
	p, err := g.Enter(context.Background(), "cust-1", requested)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// resolvedSessions creates n resolved sessions owing feedback, oldest first.
func resolvedSessions(t *testing.T, st *store.SQLiteStore, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for range n {
		sess, err := st.CreateSession(ctx, "cust-1")
		require.NoError(t, err)
		_, err = st.ResolveSession(ctx, sess.ID)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	return ids
}

func TestFeedbackGateWithThreeObligations(t *testing.T) {
	st := newStore(t)
	ids := resolvedSessions(t, st, 3)
	ctx := context.Background()

	p := enter(t, newGate(st), "")
	s := p.Status()
	assert.Equal(t, PhaseFeedback, s.Phase)
	assert.Equal(t, 3, s.Remaining)
	require.NotNil(t, s.Obligation)
	assert.Equal(t, ids[0], s.Obligation.ID)

	_, err := p.Machine()
	assert.ErrorIs(t, err, ErrGateClosed)

	_, err = p.SubmitFeedback(ctx, ids[1], 5, "")
	assert.ErrorIs(t, err, ErrWrongObligation)

	_, err = p.SubmitFeedback(ctx, ids[0], 6, "")
	assert.ErrorIs(t, err, ErrInvalidFeedback)
	assert.Equal(t, 3, p.Status().Remaining)

	for i, id := range ids {
		s, err = p.SubmitFeedback(ctx, id, 4, "thanks")
		require.NoError(t, err)
		assert.Equal(t, 2-i, s.Remaining)
		if i < 2 {
			assert.Equal(t, PhaseFeedback, s.Phase)
			_, err = p.Machine()
			assert.ErrorIs(t, err, ErrGateClosed)
		}
	}

	assert.Equal(t, PhaseChat, s.Phase)
	require.NotNil(t, s.Conversation)
	assert.Equal(t, conversation.StepGreeting, s.Conversation.Step)
	_, err = p.Machine()
	require.NoError(t, err)

	_, err = p.SubmitFeedback(ctx, ids[0], 4, "again")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	pending, err := st.PendingFeedback(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFeedbackStoreFailureKeepsObligation(t *testing.T) {
	st := newStore(t)
	ids := resolvedSessions(t, st, 1)

	p := enter(t, newGate(feedbackDown{st}), "")
	s, err := p.SubmitFeedback(context.Background(), ids[0], 3, "")
	require.Error(t, err)
	assert.Equal(t, PhaseFeedback, s.Phase)
	assert.Equal(t, 1, s.Remaining)
	assert.NotEmpty(t, s.Notice)
}

func TestPendingReadFailsOpen(t *testing.T) {
	st := newStore(t)
	resolvedSessions(t, st, 2)

	p := enter(t, newGate(pendingDown{st}), "")
	assert.Equal(t, PhaseChat, p.Status().Phase)
}

func TestResumeOfferAndContinue(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "cust-1")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, sess.ID, domain.Message{
		Sender:  domain.SenderUser,
		Content: "Mobile Services (Prepaid / Postpaid)",
		Meta:    &domain.MessageMeta{SectorName: "Mobile Services (Prepaid / Postpaid)"},
	})
	require.NoError(t, err)

	p := enter(t, newGate(st), "")
	s := p.Status()
	assert.Equal(t, PhaseResume, s.Phase)
	require.NotNil(t, s.Resume)
	assert.Equal(t, sess.ID, s.Resume.SessionID)

	_, err = p.Machine()
	assert.ErrorIs(t, err, ErrGateClosed)

	s, err = p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseChat, s.Phase)
	require.NotNil(t, s.Conversation)
	assert.Equal(t, sess.ID, s.Conversation.SessionID)
	assert.Equal(t, conversation.StepSubprocess, s.Conversation.Step)

	_, err = p.Continue(ctx)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestStartNewAbandonsPreviousSession(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	old, err := st.CreateSession(ctx, "cust-1")
	require.NoError(t, err)

	p := enter(t, newGate(st), old.ID)
	require.Equal(t, PhaseResume, p.Status().Phase)

	s, err := p.StartNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseChat, s.Phase)
	assert.NotEqual(t, old.ID, s.Conversation.SessionID)

	rec, err := st.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, rec.Session.Status)
}

func TestContinueFallsBackWhenSessionClosed(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "cust-1")
	require.NoError(t, err)

	p := enter(t, newGate(st), "")
	require.Equal(t, PhaseResume, p.Status().Phase)

	_, err = st.ResolveSession(ctx, sess.ID)
	require.NoError(t, err)

	s, err := p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseChat, s.Phase)
	assert.Equal(t, conversation.StepGreeting, s.Conversation.Step)
	assert.NotEqual(t, sess.ID, s.Conversation.SessionID)
}

func TestRequestedSessionMustBeActive(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	closed := resolvedSessions(t, st, 1)[0]
	require.NoError(t, st.SubmitFeedback(ctx, "cust-1", domain.Feedback{SessionID: closed, Rating: 5}))
	active, err := st.CreateSession(ctx, "cust-1")
	require.NoError(t, err)

	p := enter(t, newGate(st), closed)
	s := p.Status()
	require.Equal(t, PhaseResume, s.Phase)
	assert.Equal(t, active.ID, s.Resume.SessionID)
}
