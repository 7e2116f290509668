package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
)

func sessionPath(id string, suffix string) string {
	return "/api/chat/session/" + url.PathEscape(id) + suffix
}

// CreateSession opens a new session for the authenticated customer.
// The customer is implied by the bearer credential.
func (c *Client) CreateSession(ctx context.Context, _ string) (*domain.Session, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/chat/session", struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if out.Session == nil {
		return nil, fmt.Errorf("create session: empty response")
	}
	s := out.Session.toDomain()
	return &s, nil
}

// AppendMessage adds one message to a session transcript.
func (c *Client) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (*domain.Message, error) {
	req := appendMessageRequest{Sender: string(msg.Sender), Content: msg.Content}
	if m := msg.Meta; m != nil {
		req.SectorName = m.SectorName
		req.SubprocessName = m.SubprocessName
		req.QueryText = m.QueryText
		req.Resolution = m.Resolution
		req.Language = m.Language
	}

	var out struct {
		Message *wireMessage `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/message"), req, &out); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if out.Message == nil {
		saved := msg
		saved.SessionID = sessionID
		return &saved, nil
	}
	saved := out.Message.toDomain()
	saved.Meta = msg.Meta
	return &saved, nil
}

// GetSession returns a session with its messages.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &out); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec := out.record()
	if rec == nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, store.ErrNotFound)
	}
	return rec, nil
}

// GetActiveSession returns the authenticated customer's active session, or nil.
func (c *Client) GetActiveSession(ctx context.Context, _ string) (*domain.SessionRecord, error) {
	var out sessionEnvelope
	err := c.do(ctx, http.MethodGet, "/api/chat/session/active", nil, &out)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return out.record(), nil
}

// PendingFeedback lists sessions owed a rating.
func (c *Client) PendingFeedback(ctx context.Context, _ string) ([]domain.Session, error) {
	var out struct {
		Sessions []wireSession `json:"sessions"`
		Pending  []wireSession `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/feedback/pending", nil, &out); err != nil {
		return nil, fmt.Errorf("get pending feedback: %w", err)
	}
	list := out.Pending
	if len(list) == 0 {
		list = out.Sessions
	}
	sessions := make([]domain.Session, 0, len(list))
	for _, w := range list {
		sessions = append(sessions, w.toDomain())
	}
	return sessions, nil
}

// SubmitFeedback records a rating.
func (c *Client) SubmitFeedback(ctx context.Context, _ string, fb domain.Feedback) error {
	if err := c.do(ctx, http.MethodPost, "/api/feedback", fb, nil); err != nil {
		return fmt.Errorf("submit feedback: %w", err)
	}
	return nil
}

// SaveLocation records device coordinates.
func (c *Client) SaveLocation(ctx context.Context, sessionID string, loc domain.Location) error {
	if err := c.do(ctx, http.MethodPut, sessionPath(sessionID, "/location"), loc, nil); err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	return nil
}

// ResolveSession marks a session resolved.
func (c *Client) ResolveSession(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.do(ctx, http.MethodPut, sessionPath(sessionID, "/resolve"), struct{}{}, &out); err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return out.Summary, nil
}

// EscalateSession converts a session into a ticket.
func (c *Client) EscalateSession(ctx context.Context, sessionID string) (*domain.Ticket, error) {
	var out escalateResponse
	if err := c.do(ctx, http.MethodPut, sessionPath(sessionID, "/escalate"), struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("escalate session: %w", err)
	}
	t, err := out.ticket()
	if err != nil {
		return nil, fmt.Errorf("escalate session: %w", err)
	}
	return t, nil
}

// SendSummaryEmail asks the backend to email the session summary.
func (c *Client) SendSummaryEmail(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/send-summary-email"), struct{}{}, &out); err != nil {
		return "", fmt.Errorf("send summary email: %w", err)
	}
	return out.Message, nil
}

var _ store.Repository = (*Client)(nil)
