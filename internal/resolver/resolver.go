// Package resolver defines the classification and resolution capabilities
// consumed by the conversation controller, plus concrete backends.
package resolver

import (
	"context"
)

// StepRequest asks for one resolution step for a customer query.
type StepRequest struct {
	SectorKey         string   `json:"sector_key"`
	SectorName        string   `json:"sector_name,omitempty"`
	SubprocessKey     string   `json:"subprocess_key"`
	SubprocessName    string   `json:"subprocess_name,omitempty"`
	Query             string   `json:"query"`
	Language          string   `json:"language"`
	PreviousSolutions []string `json:"previous_solutions"`
	Attempt           int      `json:"attempt"`
}

// StepResult is a single resolution step.
type StepResult struct {
	Resolution string `json:"resolution"`
	IsTelecom  bool   `json:"is_telecom"`
	// IdentifiedSubprocess names the issue type matched for catch-all subprocesses.
	IdentifiedSubprocess string `json:"identified_subprocess,omitempty"`
}

// Resolver produces resolution steps.
type Resolver interface {
	ResolveStep(ctx context.Context, req StepRequest) (StepResult, error)
}

// Classifier answers the two dynamic classification questions of the greeting and query steps.
type Classifier interface {
	// IsGreeting reports whether text is a salutation.
	IsGreeting(ctx context.Context, text string) (bool, error)

	// DetectLanguage returns a free-text language label for text.
	DetectLanguage(ctx context.Context, text string) (string, error)
}
