package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/lifecycle"
	"github.com/ashureev/supportdesk/internal/resolver"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/internal/transcript"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepResolver struct{}

func (stepResolver) ResolveStep(_ context.Context, req resolver.StepRequest) (resolver.StepResult, error) {
	return resolver.StepResult{IsTelecom: true, Resolution: strings.Repeat("Restart the router and wait. ", 8) + req.Query}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, sessionID, event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, sessionID+":"+event)
	return nil
}

func (p *recordingPublisher) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type harness struct {
	store    *store.SQLiteStore
	gate     *lifecycle.Gate
	registry *Registry
	pub      *recordingPublisher
	srv      *httptest.Server
}

func newHarness(t *testing.T, perSecond float64, burst int) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "portal.db"),
		store.WithAgents([]domain.Agent{{Name: "Asha", Phone: "+91 90000 00000", EmployeeID: "E1"}}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gate := lifecycle.NewGate(st, func(customerID string) *conversation.Machine {
		return conversation.New(conversation.Config{
			Store:    st,
			Catalog:  catalog.Default(),
			Resolver: stepResolver{},
		}, customerID)
	}, nil)
	registry := NewRegistry(perSecond, burst, nil)
	t.Cleanup(registry.CloseAll)
	pub := &recordingPublisher{}

	r := chi.NewRouter()
	r.Use(identity.Middleware(identity.Dev{}))
	NewHandler(gate, registry, nil, WithDesk(st), WithPublisher(pub)).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &harness{store: st, gate: gate, registry: registry, pub: pub, srv: srv}
}

func (h *harness) call(t *testing.T, token, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestEnterAndConverse(t *testing.T) {
	h := newHarness(t, 100, 100)

	resp, body := h.call(t, "cust-1", http.MethodPost, "/api/portal/enter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	status := decode[lifecycle.Status](t, body)
	assert.Equal(t, lifecycle.PhaseChat, status.Phase)
	require.NotNil(t, status.Conversation)
	assert.Equal(t, conversation.StepGreeting, status.Conversation.Step)
	prompt := status.Conversation.Prompt

	in := conversation.Input{Kind: conversation.InputSay, Prompt: prompt, Text: "hi there"}
	resp, body = h.call(t, "cust-1", http.MethodPost, "/api/chat/input", in)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	view := decode[conversation.View](t, body)
	assert.Equal(t, conversation.StepSector, view.Step)
	assert.NotEmpty(t, view.Sectors)

	// Answering the old prompt again is rejected with the current view.
	resp, body = h.call(t, "cust-1", http.MethodPost, "/api/chat/input", in)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	stale := decode[struct {
		Error string            `json:"error"`
		View  conversation.View `json:"view"`
	}](t, body)
	assert.Equal(t, conversation.StepSector, stale.View.Step)

	resp, body = h.call(t, "cust-1", http.MethodGet, "/api/chat/transcript", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	full := decode[struct {
		Entries []struct {
			Seq     int64  `json:"seq"`
			Sender  string `json:"sender"`
			Content string `json:"content"`
		} `json:"entries"`
	}](t, body)
	require.GreaterOrEqual(t, len(full.Entries), 3)
	assert.Equal(t, "hi there", full.Entries[1].Content)

	resp, body = h.call(t, "cust-1", http.MethodGet, "/api/chat/transcript?since=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tail := decode[struct {
		Entries []json.RawMessage `json:"entries"`
	}](t, body)
	assert.Len(t, tail.Entries, len(full.Entries)-2)

	resp, _ = h.call(t, "cust-1", http.MethodGet, "/api/chat/transcript?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.call(t, "cust-1", http.MethodPost, "/api/chat/input", map[string]any{"prompt": view.Prompt})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.call(t, "cust-1", http.MethodPost, "/api/portal/leave", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, h.registry.Len())
}

func TestRequiresIdentityAndVisit(t *testing.T) {
	h := newHarness(t, 100, 100)

	resp, body := h.call(t, "", http.MethodGet, "/api/chat/view", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"error":"unauthorized","redirect":"/login"}`, string(body))

	resp, _ = h.call(t, "cust-1", http.MethodGet, "/api/chat/view", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.call(t, "cust-1", http.MethodPost, "/api/portal/continue", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedbackGateOverHTTP(t *testing.T) {
	h := newHarness(t, 100, 100)
	ctx := context.Background()

	sess, err := h.store.CreateSession(ctx, "cust-1")
	require.NoError(t, err)
	_, err = h.store.ResolveSession(ctx, sess.ID)
	require.NoError(t, err)

	resp, body := h.call(t, "cust-1", http.MethodPost, "/api/portal/enter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[lifecycle.Status](t, body)
	assert.Equal(t, lifecycle.PhaseFeedback, status.Phase)
	require.NotNil(t, status.Obligation)
	assert.Equal(t, sess.ID, status.Obligation.ID)

	resp, _ = h.call(t, "cust-1", http.MethodGet, "/api/chat/view", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.call(t, "cust-1", http.MethodPost, "/api/portal/feedback",
		map[string]any{"session_id": sess.ID, "rating": 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.call(t, "cust-1", http.MethodPost, "/api/portal/feedback",
		map[string]any{"session_id": sess.ID, "rating": 4, "comment": "quick"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	status = decode[lifecycle.Status](t, body)
	assert.Equal(t, lifecycle.PhaseChat, status.Phase)

	resp, _ = h.call(t, "cust-1", http.MethodPost, "/api/portal/feedback",
		map[string]any{"session_id": sess.ID, "rating": 4})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.call(t, "cust-1", http.MethodGet, "/api/chat/view", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInputRateLimit(t *testing.T) {
	h := newHarness(t, 0.001, 1)

	resp, body := h.call(t, "cust-1", http.MethodPost, "/api/portal/enter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[lifecycle.Status](t, body)

	in := conversation.Input{Kind: conversation.InputSay, Prompt: status.Conversation.Prompt, Text: "hello"}
	resp, _ = h.call(t, "cust-1", http.MethodPost, "/api/chat/input", in)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	in.Prompt++
	resp, _ = h.call(t, "cust-1", http.MethodPost, "/api/chat/input", in)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestDeskRoutes(t *testing.T) {
	h := newHarness(t, 100, 100)
	ctx := context.Background()

	sess, err := h.store.CreateSession(ctx, "cust-9")
	require.NoError(t, err)
	_, err = h.store.EscalateSession(ctx, sess.ID)
	require.NoError(t, err)

	resp, _ := h.call(t, "cust-9", http.MethodGet, "/api/desk/sessions", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := h.call(t, "agent:E1", http.MethodGet, "/api/desk/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	queue := decode[struct {
		Sessions []domain.Session `json:"sessions"`
	}](t, body)
	require.Len(t, queue.Sessions, 1)
	assert.Equal(t, sess.ID, queue.Sessions[0].ID)

	resp, _ = h.call(t, "agent:E1", http.MethodPost, "/api/desk/sessions/"+sess.ID+"/reply", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.call(t, "agent:E1", http.MethodPost, "/api/desk/sessions/"+sess.ID+"/reply",
		map[string]string{"content": "Hello, this is Asha."})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = h.call(t, "agent:E1", http.MethodPost, "/api/desk/sessions/"+sess.ID+"/resolve", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = h.call(t, "agent:E1", http.MethodPost, "/api/desk/sessions/"+sess.ID+"/reply",
		map[string]string{"content": "Too late."})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, []string{sess.ID + ":message", sess.ID + ":resolved"}, h.pub.got())

	rec, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, rec.Session.Status)
}

func TestWebSocketStreamsConversation(t *testing.T) {
	h := newHarness(t, 100, 100)

	resp, body := h.call(t, "cust-1", http.MethodPost, "/api/portal/enter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[lifecycle.Status](t, body)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/chat?token=cust-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	read := func() wsFrame {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		return decode[wsFrame](t, data)
	}

	first := read()
	require.Equal(t, "entry", first.Type)
	assert.Equal(t, int64(1), first.Entry.Seq)
	assert.Equal(t, domain.SenderBot, first.Entry.Sender)
	initial := read()
	require.Equal(t, "view", initial.Type)
	assert.Equal(t, conversation.StepGreeting, initial.View.Step)

	frame, err := json.Marshal(wsMessage{Type: "input", Input: &conversation.Input{
		Kind: conversation.InputSay, Prompt: status.Conversation.Prompt, Text: "hello",
	}})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	var sawUser, sawSector bool
	for !sawUser || !sawSector {
		f := read()
		switch f.Type {
		case "entry":
			if f.Entry.Sender == domain.SenderUser && f.Entry.Content == "hello" {
				sawUser = true
			}
		case "view":
			require.Empty(t, f.Error)
			sawSector = f.View.Step == conversation.StepSector
		}
	}

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	for {
		if f := read(); f.Type == "pong" {
			break
		}
	}
}

func TestWebSocketRejectsOversizedInput(t *testing.T) {
	h := newHarness(t, 100, 100)

	resp, body := h.call(t, "cust-1", http.MethodPost, "/api/portal/enter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[lifecycle.Status](t, body)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/chat?token=cust-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	read := func() wsFrame {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		return decode[wsFrame](t, data)
	}
	for read().Type != "view" {
	}

	frame, err := json.Marshal(wsMessage{Type: "input", Input: &conversation.Input{
		Kind: conversation.InputSay, Prompt: status.Conversation.Prompt, Text: "hi " + strings.Repeat("x", 4000),
	}})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	f := read()
	require.Equal(t, "error", f.Type)
	assert.Contains(t, f.Error, "Text")
	require.NotNil(t, f.View)
	assert.Equal(t, conversation.StepGreeting, f.View.Step)

	resp, body = h.call(t, "cust-1", http.MethodGet, "/api/chat/transcript", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), strings.Repeat("x", 4000))
}

func TestPendingFillsDroppedEntries(t *testing.T) {
	log := transcript.New(nil, nil)
	t.Cleanup(func() { _ = log.Close() })
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		log.Append(ctx, "", domain.Message{Sender: domain.SenderBot, Content: text})
	}
	entries := log.Entries()

	tests := []struct {
		name  string
		after int64
		got   transcript.Entry
		want  []int64
	}{
		{name: "already sent", after: 2, got: entries[1], want: nil},
		{name: "next in order", after: 1, got: entries[1], want: []int64{2}},
		{name: "gap", after: 0, got: entries[2], want: []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seqs []int64
			for _, e := range pending(log, tt.after, tt.got) {
				seqs = append(seqs, e.Seq)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func TestWebSocketRequiresOpenGate(t *testing.T) {
	h := newHarness(t, 100, 100)

	resp, _ := h.call(t, "cust-1", http.MethodGet, "/ws/chat", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
