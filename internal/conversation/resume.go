package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/containerd/errdefs"
)

// ResolutionMinLength is the rune count above which a bot message in a
// persisted transcript is taken to be a resolution step.
const ResolutionMinLength = 150

// ErrNotResumable is returned for records that are not active sessions.
var ErrNotResumable = fmt.Errorf("session is not resumable: %w", errdefs.ErrFailedPrecondition)

// Reconstruct rebuilds controller state from a persisted session. It only
// reads the catalog; the same record always yields the same state.
//
// Session metadata only ever accumulates, so selections made before the
// customer's last "Main menu" (or before a later sector or subprocess pick)
// are discarded by checking where they appear in the transcript.
func Reconstruct(ctx context.Context, cat catalog.Catalog, rec *domain.SessionRecord, baseline string) (State, error) {
	if rec == nil || !rec.Session.IsActive() {
		return State{}, ErrNotResumable
	}
	sess := rec.Session
	resetAt := lastUserMessage(rec.Messages, msgMainMenu)
	sectorAt := lastUserMessage(rec.Messages, sess.SectorName)
	if sess.SectorName != "" && resetAt >= 0 && sectorAt < resetAt {
		sess.SectorName = ""
	}
	subAt := lastUserMessage(rec.Messages, sess.SubprocessName)
	if sess.SubprocessName != "" && (resetAt >= 0 || sectorAt >= 0) && subAt < max(resetAt, sectorAt) {
		sess.SubprocessName = ""
	}

	st := State{
		SessionID:     sess.ID,
		Language:      baseline,
		LanguageKnown: sess.QueryText != "",
	}
	if sess.Language != "" {
		st.Language = sess.Language
	}
	if sess.Location != nil {
		loc := *sess.Location
		st.Location = &loc
	}

	if sess.SectorName == "" {
		st.Step = StepSector
		return st, nil
	}
	sector, ok, err := catalog.FindSectorByName(ctx, cat, sess.SectorName)
	if err != nil {
		return State{}, fmt.Errorf("resolve sector %q: %w", sess.SectorName, err)
	}
	if !ok {
		st.Step = StepSector
		return st, nil
	}
	st.SectorKey, st.SectorName = sector.Key, sector.Name

	if sess.SubprocessName == "" {
		st.Step = StepSubprocess
		return st, nil
	}
	sub, ok, err := catalog.FindSubprocessByName(ctx, cat, sector.Key, sess.SubprocessName)
	if err != nil {
		return State{}, fmt.Errorf("resolve subprocess %q: %w", sess.SubprocessName, err)
	}
	if !ok {
		st.Step = StepSubprocess
		return st, nil
	}
	st.SubprocessKey, st.SubprocessName = sub.Key, sub.Name
	st.RequiresLocation = sub.RequiresLocation

	st.PreviousSolutions = resolutionSteps(rec.Messages, subAt+1)
	st.Attempt = len(st.PreviousSolutions)
	switch {
	case st.Attempt > 0:
		st.Query = sess.QueryText
		st.Resolution = st.PreviousSolutions[st.Attempt-1]
	case subAt < 0:
		// Metadata-only record: nothing in the transcript contradicts it.
		st.Query = sess.QueryText
		st.Resolution = sess.Resolution
	}

	switch {
	case st.Resolution != "":
		st.Step = StepFeedback
	case sub.RequiresLocation && st.Location == nil:
		st.Step = StepLocation
	default:
		st.Step = StepQuery
	}
	return st, nil
}

// lastUserMessage returns the index of the last customer message equal to
// content, or -1.
func lastUserMessage(msgs []domain.Message, content string) int {
	if content == "" {
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == domain.SenderUser && strings.TrimSpace(msgs[i].Content) == content {
			return i
		}
	}
	return -1
}

// resolutionSteps returns the long bot messages from msgs[start:], without
// duplicates.
func resolutionSteps(msgs []domain.Message, start int) []string {
	if start < 0 || start > len(msgs) {
		start = 0
	}

	var steps []string
	seen := make(map[string]struct{})
	for _, m := range msgs[start:] {
		if m.Sender != domain.SenderBot {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == msgWelcome || utf8.RuneCountInString(text) <= ResolutionMinLength {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		steps = append(steps, text)
	}
	return steps
}
