// Package conversation drives one customer's support interaction: greeting,
// category selection, location, resolution attempts, feedback and handoff.
package conversation

import (
	"fmt"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/containerd/errdefs"
)

// Step is the position of a conversation in its journey.
type Step string

const (
	StepGreeting   Step = "greeting"
	StepSector     Step = "sector"
	StepSubprocess Step = "subprocess"
	StepLocation   Step = "location"
	StepQuery      Step = "query"
	StepFeedback   Step = "feedback"
	StepResolved   Step = "resolved"
	StepEscalated  Step = "escalated"
	StepExited     Step = "exited"
)

// InputKind tags an Input.
type InputKind string

const (
	InputSay              InputKind = "say"
	InputSelectSector     InputKind = "select_sector"
	InputSelectSubprocess InputKind = "select_subprocess"
	InputShareLocation    InputKind = "share_location"
	InputSatisfied        InputKind = "satisfied"
	InputNotSatisfied     InputKind = "not_satisfied"
	InputRaiseTicket      InputKind = "raise_ticket"
	InputMainMenu         InputKind = "main_menu"
	InputExit             InputKind = "exit"
	InputEmailSummary     InputKind = "email_summary"
)

// MinTicketAttempt is the attempt count from which raising a ticket is offered.
const MinTicketAttempt = 2

var (
	// ErrStalePrompt rejects an input answering a prompt that is no longer current.
	ErrStalePrompt = fmt.Errorf("stale prompt: %w", errdefs.ErrConflict)
	// ErrNotAllowed rejects an input kind the current step does not offer.
	ErrNotAllowed = fmt.Errorf("input not allowed at this step: %w", errdefs.ErrFailedPrecondition)
	// ErrInvalidInput rejects a malformed payload.
	ErrInvalidInput = fmt.Errorf("invalid input: %w", errdefs.ErrInvalidArgument)
	// ErrClosed is returned by a machine that has been closed.
	ErrClosed = fmt.Errorf("conversation closed: %w", errdefs.ErrUnavailable)
)

// Input is one customer action. Prompt must echo the View it answers.
type Input struct {
	Kind      InputKind `json:"kind" validate:"required"`
	Prompt    int64     `json:"prompt"`
	Text      string    `json:"text,omitempty" validate:"max=4000"`
	Key       string    `json:"key,omitempty"`
	Granted   bool      `json:"granted,omitempty"`
	Latitude  float64   `json:"latitude,omitempty" validate:"min=-90,max=90"`
	Longitude float64   `json:"longitude,omitempty" validate:"min=-180,max=180"`
}

// State is the controller-owned part of a conversation.
type State struct {
	SessionID        string
	Step             Step
	SectorKey        string
	SectorName       string
	SubprocessKey    string
	SubprocessName   string
	RequiresLocation bool
	Location         *domain.Location
	Language         string
	LanguageKnown    bool
	Query            string
	Resolution       string
	// PreviousSolutions holds every resolution shown in this sub-journey, in order.
	PreviousSolutions []string
	Attempt           int
	Summary           string
	Ticket            *domain.Ticket
}

// clone returns a deep copy safe to hand out.
func (s State) clone() State {
	out := s
	out.PreviousSolutions = append([]string(nil), s.PreviousSolutions...)
	if s.Location != nil {
		loc := *s.Location
		out.Location = &loc
	}
	if s.Ticket != nil {
		t := *s.Ticket
		out.Ticket = &t
	}
	return out
}

// resetJourney clears everything chosen after the greeting.
func (s *State) resetJourney() {
	s.SectorKey, s.SectorName = "", ""
	s.resetSubprocess()
}

func (s *State) resetSubprocess() {
	s.SubprocessKey, s.SubprocessName = "", ""
	s.RequiresLocation = false
	s.Query, s.Resolution = "", ""
	s.PreviousSolutions = nil
	s.Attempt = 0
}

// View is what a renderer needs: the step, its options and the inputs it accepts.
type View struct {
	SessionID      string               `json:"session_id"`
	Step           Step                 `json:"step"`
	Prompt         int64                `json:"prompt"`
	Allowed        []InputKind          `json:"allowed"`
	Sectors        []catalog.Sector     `json:"sectors,omitempty"`
	Subprocesses   []catalog.Subprocess `json:"subprocesses,omitempty"`
	SectorName     string               `json:"sector_name,omitempty"`
	SubprocessName string               `json:"subprocess_name,omitempty"`
	Language       string               `json:"language,omitempty"`
	Resolution     string               `json:"resolution,omitempty"`
	Attempt        int                  `json:"attempt"`
	Notice         string               `json:"notice,omitempty"`
	Summary        string               `json:"summary,omitempty"`
	Ticket         *domain.Ticket       `json:"ticket,omitempty"`
	AgentResolved  bool                 `json:"agent_resolved,omitempty"`
}

// allowedInputs is the transition table: the inputs each step accepts.
func allowedInputs(step Step, attempt int) []InputKind {
	switch step {
	case StepGreeting, StepQuery:
		return []InputKind{InputSay}
	case StepSector:
		return []InputKind{InputSelectSector}
	case StepSubprocess:
		return []InputKind{InputSelectSubprocess}
	case StepLocation:
		return []InputKind{InputShareLocation}
	case StepFeedback:
		kinds := []InputKind{InputSatisfied, InputNotSatisfied}
		if attempt >= MinTicketAttempt {
			kinds = append(kinds, InputRaiseTicket)
		}
		return append(kinds, InputMainMenu)
	case StepResolved, StepEscalated:
		return []InputKind{InputMainMenu, InputExit, InputEmailSummary}
	default:
		return nil
	}
}

func allows(step Step, attempt int, kind InputKind) bool {
	for _, k := range allowedInputs(step, attempt) {
		if k == kind {
			return true
		}
	}
	return false
}
