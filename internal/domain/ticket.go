package domain

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Priority is the urgency assigned to a ticket.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Agent is the human agent a ticket was assigned to.
type Agent struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	EmployeeID string `json:"employee_id,omitempty"`
}

// Ticket is the escalation record returned by the store.
// The controller only consumes these fields; it does not own the ticket lifecycle.
type Ticket struct {
	ReferenceNumber string   `json:"reference_number"`
	Priority        Priority `json:"priority,omitempty"`
	SLAHours        *float64 `json:"sla_hours,omitempty"`
	AssignedAgent   *Agent   `json:"assigned_agent,omitempty"`
	// Provisional is set when the reference was generated locally because
	// the escalation call failed. It is a display value only.
	Provisional bool `json:"provisional,omitempty"`
}

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ProvisionalReference builds a display-only reference of the form TC-<base36 ms>-<4 chars>.
func ProvisionalReference(now time.Time) string {
	var suffix strings.Builder
	for range 4 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(referenceAlphabet))))
		if err != nil {
			suffix.WriteByte('X')
			continue
		}
		suffix.WriteByte(referenceAlphabet[n.Int64()])
	}
	return "TC-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)) + "-" + suffix.String()
}
