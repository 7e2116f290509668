package store

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

var priorityKeywords = []struct {
	priority domain.Priority
	words    []string
}{
	{domain.PriorityCritical, []string{"urgent", "critical", "emergency", "business down", "sla breach", "escalat"}},
	{domain.PriorityHigh, []string{"not working", "failed", "no signal", "dead", "down", "outage"}},
	{domain.PriorityMedium, []string{"slow", "intermittent", "billing", "wrong charge", "refund"}},
}

// slaHours is the resolution target per priority.
var slaHours = map[domain.Priority]float64{
	domain.PriorityCritical: 4,
	domain.PriorityHigh:     8,
	domain.PriorityMedium:   24,
	domain.PriorityLow:      48,
}

// AssignPriority derives a ticket priority from the complaint text and issue type.
func AssignPriority(queryText, subprocessName string) domain.Priority {
	text := strings.ToLower(queryText + " " + subprocessName)
	for _, p := range priorityKeywords {
		for _, w := range p.words {
			if strings.Contains(text, w) {
				return p.priority
			}
		}
	}
	return domain.PriorityLow
}

// SLAHours returns the resolution target for a priority.
func SLAHours(p domain.Priority) float64 {
	if h, ok := slaHours[p]; ok {
		return h
	}
	return slaHours[domain.PriorityLow]
}

const refAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newReferenceNumber returns TC-<unix seconds hex>-<4 random chars>.
func newReferenceNumber(now time.Time) string {
	suffix := make([]byte, 4)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(refAlphabet))))
		if err != nil {
			suffix[i] = '0'
			continue
		}
		suffix[i] = refAlphabet[n.Int64()]
	}
	return fmt.Sprintf("TC-%X-%s", now.Unix(), suffix)
}

// summarize builds the deterministic session summary written on resolve and escalate.
func summarize(s *domain.Session, msgs []domain.Message, outcome domain.Status) string {
	var users, bots, agents int
	for _, m := range msgs {
		switch m.Sender {
		case domain.SenderUser:
			users++
		case domain.SenderBot:
			bots++
		case domain.SenderAgent:
			agents++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", orNA(s.SectorName))
	fmt.Fprintf(&b, "Issue type: %s\n", orNA(s.SubprocessName))
	fmt.Fprintf(&b, "Language: %s\n", orNA(s.Language))
	fmt.Fprintf(&b, "Customer query: %s\n", orNA(s.QueryText))
	if s.Resolution != "" {
		fmt.Fprintf(&b, "Last suggested step: %s\n", firstLine(s.Resolution))
	}
	fmt.Fprintf(&b, "Messages: %d from customer, %d from assistant, %d from agent\n", users, bots, agents)
	fmt.Fprintf(&b, "Outcome: %s", outcome)
	return b.String()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
