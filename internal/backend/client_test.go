package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/resolver"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, srv.Client(), nil)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestBearerAndSessionDecoding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/session/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{
			"session": {"id": 42, "user_id": 7, "sector_name": "Mobile Services (Prepaid / Postpaid)",
				"subprocess_name": "", "status": "active", "language": "English",
				"created_at": "2024-05-01T10:00:00.123456", "latitude": null, "longitude": null},
			"messages": [
				{"id": 1, "session_id": 42, "sender": "bot", "content": "Hi", "created_at": "2024-05-01T10:00:01"},
				{"id": 2, "session_id": 42, "sender": "user", "content": "Hello", "created_at": "2024-05-01T10:00:02"}
			]}`)
	})
	c := newTestClient(t, mux)

	ctx := WithBearer(context.Background(), "tok")
	rec, err := c.GetSession(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", rec.Session.ID)
	assert.Equal(t, "7", rec.Session.CustomerID)
	assert.Equal(t, domain.StatusActive, rec.Session.Status)
	assert.False(t, rec.Session.CreatedAt.IsZero())
	assert.Nil(t, rec.Session.Location)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, int64(2), rec.Messages[1].ID)
	assert.Equal(t, domain.SenderUser, rec.Messages[1].Sender)
}

func TestStatusMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/session/1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token expired"})
	})
	mux.HandleFunc("GET /api/chat/session/2", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
	})
	mux.HandleFunc("GET /api/chat/session/active", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"session": nil})
	})
	mux.HandleFunc("PUT /api/chat/session/3/escalate", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db down"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.GetSession(ctx, "1")
	assert.ErrorIs(t, err, store.ErrUnauthorized)

	_, err = c.GetSession(ctx, "2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec, err := c.GetActiveSession(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = c.EscalateSession(ctx, "3")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestAppendMessageSendsMetadata(t *testing.T) {
	var got appendMessageRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/session/9/message", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{"message": map[string]any{
			"id": 11, "session_id": 9, "sender": got.Sender, "content": got.Content,
		}})
	})
	c := newTestClient(t, mux)

	msg, err := c.AppendMessage(context.Background(), "9", domain.Message{
		Sender:  domain.SenderBot,
		Content: "Restart your phone.",
		Meta:    &domain.MessageMeta{Resolution: "Restart your phone.", Language: "English"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), msg.ID)
	assert.Equal(t, "bot", got.Sender)
	assert.Equal(t, "Restart your phone.", got.Resolution)
	assert.Equal(t, "English", got.Language)
}

func TestEscalateDecodesTicket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/chat/session/5/escalate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"session": {"id": 5, "status": "escalated"},
			"ticket": {"reference_number": "TC-65F0-AB12", "priority": "high", "sla_hours": 8,
				"assignee_name": "Unassigned"},
			"assigned_agent": {"name": "Asha", "phone": "+91 90000 00000", "employee_id": "E7"}}`)
	})
	c := newTestClient(t, mux)

	ticket, err := c.EscalateSession(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, "TC-65F0-AB12", ticket.ReferenceNumber)
	require.NotNil(t, ticket.SLAHours)
	assert.InDelta(t, 8.0, *ticket.SLAHours, 0.001)
	require.NotNil(t, ticket.AssignedAgent)
	assert.Equal(t, "E7", ticket.AssignedAgent.EmployeeID)
}

func TestCatalogAndResolver(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/menu", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"menu": {"10": {"name": "Ten", "icon": "x"}, "2": {"name": "Two", "icon": "y"}}}`)
	})
	mux.HandleFunc("POST /api/subprocesses", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["sector_key"] != "2" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid sector"})
			return
		}
		_, _ = io.WriteString(w, `{"sector_name": "Two", "subprocesses": {"1": "Billing", "2": "Network Issue", "3": "Others"}}`)
	})
	mux.HandleFunc("POST /api/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req resolver.StepRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, resolver.StepResult{
			Resolution: "attempt " + string(rune('0'+req.Attempt)),
			IsTelecom:  true,
		})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	menu, err := c.Menu(ctx)
	require.NoError(t, err)
	require.Len(t, menu, 2)
	assert.Equal(t, "2", menu[0].Key)

	subs, err := c.Subprocesses(ctx, "2")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.True(t, subs[1].RequiresLocation)
	assert.False(t, subs[0].RequiresLocation)

	_, err = c.Subprocesses(ctx, "9")
	assert.ErrorIs(t, err, catalog.ErrUnknownSector)

	res, err := c.ResolveStep(ctx, resolver.StepRequest{Query: "q", Attempt: 2, PreviousSolutions: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "attempt 2", res.Resolution)
}
