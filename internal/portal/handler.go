package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/backend"
	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/lifecycle"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/internal/transcript"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

var (
	// ErrNoVisit is returned for portal calls made before entering.
	ErrNoVisit = fmt.Errorf("no portal visit, enter first: %w", errdefs.ErrNotFound)
	// ErrRateLimited rejects inputs sent faster than the configured rate.
	ErrRateLimited = fmt.Errorf("too many inputs: %w", errdefs.ErrResourceExhausted)
)

// Publisher announces desk activity on a session.
type Publisher interface {
	Publish(ctx context.Context, sessionID, event string) error
}

// Handler serves the portal API.
type Handler struct {
	gate     *lifecycle.Gate
	registry *Registry
	desk     store.Desk
	notify   Publisher
	origins  []string
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithDesk enables the agent desk routes backed by desk.
func WithDesk(desk store.Desk) Option {
	return func(h *Handler) { h.desk = desk }
}

// WithPublisher announces desk replies so customer watches wake early.
func WithPublisher(p Publisher) Option {
	return func(h *Handler) { h.notify = p }
}

// WithOrigins sets the origin patterns accepted for WebSocket upgrades.
func WithOrigins(origins []string) Option {
	return func(h *Handler) { h.origins = origins }
}

// NewHandler creates a portal handler.
func NewHandler(gate *lifecycle.Gate, registry *Registry, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{gate: gate, registry: registry, logger: logger, origins: []string{"*"}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the portal routes. Callers must install the
// identity middleware first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/portal", func(r chi.Router) {
		r.Post("/enter", h.Enter)
		r.Get("/status", h.Status)
		r.Post("/feedback", h.SubmitFeedback)
		r.Post("/continue", h.Continue)
		r.Post("/start", h.StartNew)
		r.Post("/leave", h.Leave)
	})
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/view", h.View)
		r.Post("/input", h.Input)
		r.Get("/transcript", h.Transcript)
	})
	r.Get("/ws/chat", h.ServeWS)

	if h.desk != nil {
		r.Route("/api/desk", func(r chi.Router) {
			r.Use(identity.RequireStaff)
			r.Get("/sessions", h.Queue)
			r.Post("/sessions/{id}/reply", h.AgentReply)
			r.Post("/sessions/{id}/resolve", h.AgentResolve)
		})
	}
}

// requestContext carries the caller's credential to the store.
func requestContext(r *http.Request) (context.Context, identity.Principal, bool) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		return r.Context(), identity.Principal{}, false
	}
	return backend.WithBearer(r.Context(), p.Token), p, true
}

func (h *Handler) visit(w http.ResponseWriter, r *http.Request) (context.Context, *lifecycle.Portal, bool) {
	ctx, p, ok := requestContext(r)
	if !ok {
		identity.Unauthorized(w)
		return nil, nil, false
	}
	v, ok := h.registry.Get(p.ID)
	if !ok {
		api.WriteError(w, ErrNoVisit)
		return nil, nil, false
	}
	return ctx, v, true
}

func (h *Handler) machine(w http.ResponseWriter, r *http.Request) (context.Context, *conversation.Machine, bool) {
	ctx, v, ok := h.visit(w, r)
	if !ok {
		return nil, nil, false
	}
	m, err := v.Machine()
	if err != nil {
		api.WriteError(w, err)
		return nil, nil, false
	}
	return ctx, m, true
}

type enterRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"max=64"`
}

// Enter starts a portal visit, replacing any earlier one.
func (h *Handler) Enter(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := requestContext(r)
	if !ok {
		identity.Unauthorized(w)
		return
	}
	var req enterRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	v, err := h.gate.Enter(ctx, p.ID, req.SessionID)
	if err != nil {
		h.logger.Warn("Portal entry failed", "customer_id", p.ID, "error", err)
		api.WriteError(w, err)
		return
	}
	h.registry.Put(v)
	api.JSON(w, http.StatusOK, v.Status())
}

// Status returns the visit snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	_, v, ok := h.visit(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, v.Status())
}

type feedbackRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
	Comment   string `json:"comment,omitempty" validate:"max=2000"`
}

// SubmitFeedback rates the current obligation.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx, v, ok := h.visit(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	s, err := v.SubmitFeedback(ctx, req.SessionID, req.Rating, req.Comment)
	h.respond(w, s, err)
}

// Continue resumes the offered session.
func (h *Handler) Continue(w http.ResponseWriter, r *http.Request) {
	ctx, v, ok := h.visit(w, r)
	if !ok {
		return
	}
	s, err := v.Continue(ctx)
	h.respond(w, s, err)
}

// StartNew declines the resume offer.
func (h *Handler) StartNew(w http.ResponseWriter, r *http.Request) {
	ctx, v, ok := h.visit(w, r)
	if !ok {
		return
	}
	s, err := v.StartNew(ctx)
	h.respond(w, s, err)
}

func (h *Handler) respond(w http.ResponseWriter, s lifecycle.Status, err error) {
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, s)
}

// Leave ends the visit.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	_, p, ok := requestContext(r)
	if !ok {
		identity.Unauthorized(w)
		return
	}
	h.registry.Remove(p.ID)
	w.WriteHeader(http.StatusNoContent)
}

// View returns the conversation view.
func (h *Handler) View(w http.ResponseWriter, r *http.Request) {
	_, m, ok := h.machine(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, m.View())
}

// Input applies one customer action.
func (h *Handler) Input(w http.ResponseWriter, r *http.Request) {
	ctx, m, ok := h.machine(w, r)
	if !ok {
		return
	}
	if !h.registry.Allow(m.CustomerID()) {
		api.WriteError(w, ErrRateLimited)
		return
	}
	var in conversation.Input
	if err := api.Decode(r, &in); err != nil {
		api.WriteError(w, err)
		return
	}

	view, err := m.Dispatch(ctx, in)
	if err != nil {
		h.writeDispatchError(w, view, err)
		return
	}
	api.JSON(w, http.StatusOK, view)
}

// writeDispatchError keeps the current view in the body so clients can
// re-render after a stale or rejected input.
func (h *Handler) writeDispatchError(w http.ResponseWriter, view conversation.View, err error) {
	status := api.StatusFor(err)
	if status == http.StatusUnauthorized {
		identity.Unauthorized(w)
		return
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Conversation input failed", "session_id", view.SessionID, "error", err)
	}
	api.JSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"view":  view,
	})
}

// Transcript returns the transcript entries after ?since.
func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	_, m, ok := h.machine(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	entries := m.Log().Since(since)
	if entries == nil {
		entries = []transcript.Entry{}
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func parseSince(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, fmt.Errorf("since must be a non-negative integer: %w", errdefs.ErrInvalidArgument)
	}
	return since, nil
}

// Queue lists escalated sessions for the desk.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.desk.Queue(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

type replyRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

// AgentReply posts an agent message into an escalated session.
func (h *Handler) AgentReply(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req replyRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	msg, err := h.desk.AgentReply(r.Context(), sessionID, req.Content)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	h.announce(r.Context(), sessionID, "message")
	api.JSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

// AgentResolve closes an escalated session from the desk.
func (h *Handler) AgentResolve(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.desk.AgentResolve(r.Context(), sessionID); err != nil {
		api.WriteError(w, err)
		return
	}
	h.announce(r.Context(), sessionID, "resolved")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) announce(ctx context.Context, sessionID, event string) {
	if h.notify == nil {
		return
	}
	if err := h.notify.Publish(ctx, sessionID, event); err != nil {
		h.logger.Warn("Failed to announce desk activity", "session_id", sessionID, "event", event, "error", err)
	}
}
