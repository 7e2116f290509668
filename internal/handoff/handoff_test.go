package handoff

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []domain.Message
	resolved int
}

func (s *recordingSink) AgentMessages(msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

func (s *recordingSink) AgentResolved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved++
}

func (s *recordingSink) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Content)
	}
	return out
}

func (s *recordingSink) resolvedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

func newEscalatedSession(t *testing.T) (*store.SQLiteStore, string) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "handoff.db"),
		store.WithAgents([]domain.Agent{{Name: "Asha", EmployeeID: "E1"}}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "cust-1")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, sess.ID, domain.Message{Sender: domain.SenderUser, Content: "no signal"})
	require.NoError(t, err)
	_, err = st.EscalateSession(ctx, sess.ID)
	require.NoError(t, err)
	return st, sess.ID
}

func TestEscalateFallsBackToProvisional(t *testing.T) {
	st, _ := newEscalatedSession(t)
	b := NewBridge(st, nil)

	ticket, err := b.Escalate(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, ticket.Provisional)
	assert.Regexp(t, `^TC-[0-9A-Z]+-[A-Z0-9]{4}$`, ticket.ReferenceNumber)

	ticket, err = b.Escalate(context.Background(), "")
	require.Error(t, err)
	assert.True(t, ticket.Provisional)
}

func TestWatchDeliversEachAgentMessageOnce(t *testing.T) {
	st, id := newEscalatedSession(t)
	ctx := context.Background()

	rec, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	watermark := rec.Messages[len(rec.Messages)-1].ID

	b := NewBridge(st, nil, WithPollInterval(10*time.Millisecond))
	sink := &recordingSink{}
	w := b.Watch(ctx, id, watermark, sink)
	defer w.Stop()

	_, err = st.AgentReply(ctx, id, "Hi, I am looking into it.")
	require.NoError(t, err)
	_, err = st.AgentReply(ctx, id, "Please restart the router.")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.contents()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, st.AgentResolve(ctx, id))
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after resolution")
	}

	assert.Equal(t, []string{"Hi, I am looking into it.", "Please restart the router."}, sink.contents())
	assert.Equal(t, 1, sink.resolvedCount())
	assert.Greater(t, w.Watermark(), watermark)
}

func TestWatchStopIsIdempotent(t *testing.T) {
	st, id := newEscalatedSession(t)
	b := NewBridge(st, nil, WithPollInterval(time.Hour))
	w := b.Watch(context.Background(), id, 0, &recordingSink{})

	w.Stop()
	w.Stop()
	_, open := <-w.Done()
	assert.False(t, open)
}

func TestNotifierWakesWatch(t *testing.T) {
	st, id := newEscalatedSession(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNotifier(client, nil)
	t.Cleanup(func() { _ = n.Close() })
	require.NoError(t, n.Ping(ctx))

	rec, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	watermark := rec.Messages[len(rec.Messages)-1].ID

	b := NewBridge(st, nil, WithPollInterval(time.Hour), WithWaker(n))
	sink := &recordingSink{}
	w := b.Watch(ctx, id, watermark, sink)
	defer w.Stop()

	_, err = st.AgentReply(ctx, id, "Agent here.")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = n.Publish(ctx, id, "reply")
		return len(sink.contents()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// Repeated wakeups never redeliver the same message.
	for range 3 {
		require.NoError(t, n.Publish(ctx, id, "reply"))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"Agent here."}, sink.contents())
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "supportdesk:agent:42", Channel("42"))
}
