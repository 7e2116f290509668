package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

// flexID accepts numeric or string identifiers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

type wireSession struct {
	ID             flexID   `json:"id"`
	UserID         flexID   `json:"user_id"`
	SectorName     string   `json:"sector_name"`
	SubprocessName string   `json:"subprocess_name"`
	QueryText      string   `json:"query_text"`
	Resolution     string   `json:"resolution"`
	Status         string   `json:"status"`
	Language       string   `json:"language"`
	Summary        string   `json:"summary"`
	CreatedAt      string   `json:"created_at"`
	ResolvedAt     *string  `json:"resolved_at"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
}

func (w wireSession) toDomain() domain.Session {
	s := domain.Session{
		ID:             string(w.ID),
		CustomerID:     string(w.UserID),
		SectorName:     w.SectorName,
		SubprocessName: w.SubprocessName,
		QueryText:      w.QueryText,
		Resolution:     w.Resolution,
		Status:         domain.Status(w.Status),
		Language:       w.Language,
		Summary:        w.Summary,
		CreatedAt:      parseTime(w.CreatedAt),
	}
	if s.Status == "" {
		s.Status = domain.StatusActive
	}
	if w.ResolvedAt != nil {
		if t := parseTime(*w.ResolvedAt); !t.IsZero() {
			s.ResolvedAt = &t
		}
	}
	if w.Latitude != nil && w.Longitude != nil {
		s.Location = &domain.Location{Latitude: *w.Latitude, Longitude: *w.Longitude}
	}
	return s
}

type wireMessage struct {
	ID        int64  `json:"id"`
	SessionID flexID `json:"session_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (w wireMessage) toDomain() domain.Message {
	return domain.Message{
		ID:        w.ID,
		SessionID: string(w.SessionID),
		Sender:    domain.Sender(w.Sender),
		Content:   w.Content,
		CreatedAt: parseTime(w.CreatedAt),
	}
}

type sessionEnvelope struct {
	Session  *wireSession  `json:"session"`
	Messages []wireMessage `json:"messages"`
}

func (e sessionEnvelope) record() *domain.SessionRecord {
	if e.Session == nil {
		return nil
	}
	rec := &domain.SessionRecord{Session: e.Session.toDomain(), Messages: make([]domain.Message, 0, len(e.Messages))}
	for _, m := range e.Messages {
		rec.Messages = append(rec.Messages, m.toDomain())
	}
	return rec
}

type appendMessageRequest struct {
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	SectorName     string `json:"sector_name,omitempty"`
	SubprocessName string `json:"subprocess_name,omitempty"`
	QueryText      string `json:"query_text,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	Language       string `json:"language,omitempty"`
}

type wireAgent struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	EmployeeID string `json:"employee_id"`
}

type wireTicket struct {
	ReferenceNumber string   `json:"reference_number"`
	Priority        string   `json:"priority"`
	SLAHours        *float64 `json:"sla_hours"`
	AssigneeName    string   `json:"assignee_name"`
	AssigneePhone   string   `json:"assignee_phone"`
}

type escalateResponse struct {
	Ticket        *wireTicket `json:"ticket"`
	AssignedAgent *wireAgent  `json:"assigned_agent"`
}

func (e escalateResponse) ticket() (*domain.Ticket, error) {
	if e.Ticket == nil || e.Ticket.ReferenceNumber == "" {
		return nil, fmt.Errorf("escalation response has no ticket reference")
	}
	t := &domain.Ticket{
		ReferenceNumber: e.Ticket.ReferenceNumber,
		Priority:        domain.Priority(e.Ticket.Priority),
		SLAHours:        e.Ticket.SLAHours,
	}
	switch {
	case e.AssignedAgent != nil && e.AssignedAgent.Name != "":
		t.AssignedAgent = &domain.Agent{Name: e.AssignedAgent.Name, Phone: e.AssignedAgent.Phone, EmployeeID: e.AssignedAgent.EmployeeID}
	case e.Ticket.AssigneeName != "" && e.Ticket.AssigneeName != "Unassigned":
		t.AssignedAgent = &domain.Agent{Name: e.Ticket.AssigneeName, Phone: e.Ticket.AssigneePhone}
	}
	return t, nil
}
