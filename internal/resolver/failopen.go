package resolver

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/containerd/errdefs"
)

// DefaultLanguage is the baseline language label.
const DefaultLanguage = "English"

// FailOpenClassifier wraps a Classifier with the permissive failure policy:
// a greeting check that errors counts as a greeting, and a language detection
// that errors (or returns nothing) yields the baseline language.
//
// Authentication failures are not swallowed so callers can re-authenticate.
type FailOpenClassifier struct {
	inner    Classifier
	baseline string
	logger   *slog.Logger
}

// FailOpen returns a FailOpenClassifier around c.
func FailOpen(c Classifier, baseline string, logger *slog.Logger) *FailOpenClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	if baseline == "" {
		baseline = DefaultLanguage
	}
	return &FailOpenClassifier{inner: c, baseline: baseline, logger: logger}
}

// Baseline returns the fallback language label.
func (f *FailOpenClassifier) Baseline() string {
	return f.baseline
}

// IsGreeting never fails except for authentication errors.
func (f *FailOpenClassifier) IsGreeting(ctx context.Context, text string) (bool, error) {
	if f.inner == nil {
		return true, nil
	}
	ok, err := f.inner.IsGreeting(ctx, text)
	if err != nil {
		if errors.Is(err, errdefs.ErrUnauthenticated) {
			return false, err
		}
		f.logger.Warn("greeting detection failed, treating as greeting", "error", err)
		metrics.ClassifierFallbacks.WithLabelValues("greeting").Inc()
		return true, nil
	}
	return ok, nil
}

// DetectLanguage never fails except for authentication errors.
func (f *FailOpenClassifier) DetectLanguage(ctx context.Context, text string) (string, error) {
	if f.inner == nil {
		return f.baseline, nil
	}
	lang, err := f.inner.DetectLanguage(ctx, text)
	if err != nil {
		if errors.Is(err, errdefs.ErrUnauthenticated) {
			return "", err
		}
		f.logger.Warn("language detection failed, using baseline", "error", err, "baseline", f.baseline)
		metrics.ClassifierFallbacks.WithLabelValues("language").Inc()
		return f.baseline, nil
	}
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return f.baseline, nil
	}
	return lang, nil
}
