package conversation

import (
	"context"
	"testing"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mobile  = "Mobile Services (Prepaid / Postpaid)"
	billing = "Billing & Payment Issues"
	network = "Network / Signal Problems"
)

func record(sess domain.Session, msgs ...domain.Message) *domain.SessionRecord {
	sess.ID = "s1"
	sess.Status = domain.StatusActive
	return &domain.SessionRecord{Session: sess, Messages: msgs}
}

func bot(text string) domain.Message  { return domain.Message{Sender: domain.SenderBot, Content: text} }
func user(text string) domain.Message { return domain.Message{Sender: domain.SenderUser, Content: text} }

func TestReconstructNextStep(t *testing.T) {
	cat := catalog.Default()
	ctx := context.Background()

	tests := []struct {
		name    string
		rec     *domain.SessionRecord
		step    Step
		attempt int
	}{
		{
			name: "no sector",
			rec:  record(domain.Session{}, bot(msgWelcome), user("hi")),
			step: StepSector,
		},
		{
			name: "unknown sector",
			rec:  record(domain.Session{SectorName: "Satellite Phones"}),
			step: StepSector,
		},
		{
			name: "sector only",
			rec:  record(domain.Session{SectorName: mobile}),
			step: StepSubprocess,
		},
		{
			name: "network issue without location",
			rec:  record(domain.Session{SectorName: mobile, SubprocessName: network}),
			step: StepLocation,
		},
		{
			name: "network issue with location",
			rec: record(domain.Session{SectorName: mobile, SubprocessName: network,
				Location: &domain.Location{Latitude: 1, Longitude: 2}}),
			step: StepQuery,
		},
		{
			name: "billing without resolution",
			rec:  record(domain.Session{SectorName: mobile, SubprocessName: billing}),
			step: StepQuery,
		},
		{
			name: "billing with two resolutions",
			rec: record(domain.Session{SectorName: mobile, SubprocessName: billing, QueryText: "charged twice", Resolution: longStep(2)},
				bot(msgWelcome), user("hi"), user(mobile), user(billing),
				user("charged twice"), bot(longStep(1)), bot(msgTryAgain),
				user("still"), bot(longStep(2)), bot(longStep(2))),
			step:    StepFeedback,
			attempt: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := Reconstruct(ctx, cat, tt.rec, "English")
			require.NoError(t, err)
			assert.Equal(t, tt.step, st.Step)
			assert.Equal(t, tt.attempt, st.Attempt)
			assert.Len(t, st.PreviousSolutions, st.Attempt)
		})
	}
}

func TestReconstructIgnoresEarlierSubJourney(t *testing.T) {
	rec := record(domain.Session{SectorName: mobile, SubprocessName: billing, Resolution: longStep(7)},
		user("SIM Card & Activation"), bot(longStep(9)),
		user(billing), bot(longStep(7)))

	st, err := Reconstruct(context.Background(), catalog.Default(), rec, "English")
	require.NoError(t, err)
	assert.Equal(t, []string{longStep(7)}, st.PreviousSolutions)
}

func TestReconstructIsIdempotent(t *testing.T) {
	rec := record(domain.Session{SectorName: mobile, SubprocessName: billing, QueryText: "q", Language: "Hindi"},
		user(billing), bot(longStep(1)), bot(longStep(2)))
	cat := catalog.Default()

	first, err := Reconstruct(context.Background(), cat, rec, "English")
	require.NoError(t, err)
	second, err := Reconstruct(context.Background(), cat, rec, "English")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Hindi", first.Language)
	assert.True(t, first.LanguageKnown)
	assert.Equal(t, longStep(2), first.Resolution)
}

func TestReconstructRejectsClosedSessions(t *testing.T) {
	rec := record(domain.Session{})
	rec.Session.Status = domain.StatusResolved

	_, err := Reconstruct(context.Background(), catalog.Default(), rec, "English")
	assert.ErrorIs(t, err, ErrNotResumable)

	_, err = Reconstruct(context.Background(), catalog.Default(), nil, "English")
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestMachineResumesPersistedSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.toQuery(t, "1")
	h.send(t, Input{Kind: InputSay, Text: "charged twice"})
	h.send(t, Input{Kind: InputNotSatisfied})
	h.send(t, Input{Kind: InputSay, Text: "still charged"})
	require.NoError(t, h.m.Log().Flush(ctx))

	rec, err := h.st.GetActiveSession(ctx, "cust-1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	resumed := New(Config{Store: h.st, Catalog: catalog.Default(), Classifier: fakeClassifier{}, Resolver: h.res}, "cust-1")
	t.Cleanup(func() { _ = resumed.Close() })

	v, err := resumed.Resume(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, StepFeedback, v.Step)
	assert.Equal(t, 2, v.Attempt)
	assert.Contains(t, v.Allowed, InputRaiseTicket)
	assert.Equal(t, h.m.State().PreviousSolutions, resumed.State().PreviousSolutions)
	assert.Len(t, resumed.Log().Entries(), len(rec.Messages))

	again, err := h.st.GetActiveSession(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, len(rec.Messages), len(again.Messages), "resume writes nothing")
}

func TestReconstructAfterMainMenu(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	cat := catalog.Default()
	h.toQuery(t, "1")
	h.send(t, Input{Kind: InputSay, Text: "charged twice"})
	v := h.send(t, Input{Kind: InputMainMenu})
	require.Equal(t, StepSector, v.Step)
	require.NoError(t, h.m.Log().Flush(ctx))

	rec, err := h.st.GetActiveSession(ctx, "cust-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, billing, rec.Session.SubprocessName, "metadata keeps the earlier selection")

	st, err := Reconstruct(ctx, cat, rec, "English")
	require.NoError(t, err)
	assert.Equal(t, StepSector, st.Step)
	assert.Empty(t, st.SectorName)
	assert.Zero(t, st.Attempt)
	assert.Empty(t, st.Resolution)

	h.send(t, Input{Kind: InputSelectSector, Key: "1"})
	v = h.send(t, Input{Kind: InputSelectSubprocess, Key: "3"})
	require.Equal(t, StepQuery, v.Step)
	require.NoError(t, h.m.Log().Flush(ctx))

	rec, err = h.st.GetActiveSession(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, longStep(1), rec.Session.Resolution, "metadata keeps the earlier resolution")

	st, err = Reconstruct(ctx, cat, rec, "English")
	require.NoError(t, err)
	assert.Equal(t, StepQuery, st.Step)
	assert.Equal(t, "SIM Card & Activation", st.SubprocessName)
	assert.Zero(t, st.Attempt)
	assert.Empty(t, st.PreviousSolutions)
	assert.Empty(t, st.Resolution)
	assert.Empty(t, st.Query)

	resumed := New(Config{Store: h.st, Catalog: cat, Classifier: fakeClassifier{}, Resolver: h.res}, "cust-1")
	t.Cleanup(func() { _ = resumed.Close() })
	v, err = resumed.Resume(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, StepQuery, v.Step)
	assert.Zero(t, v.Attempt)
}

func TestReconstructSectorPickedBeforeSubprocessChange(t *testing.T) {
	rec := record(domain.Session{SectorName: mobile, SubprocessName: billing, Resolution: longStep(1)},
		user(mobile), user(billing), bot(longStep(1)),
		user(msgMainMenu), user(mobile))

	st, err := Reconstruct(context.Background(), catalog.Default(), rec, "English")
	require.NoError(t, err)
	assert.Equal(t, StepSubprocess, st.Step)
	assert.Equal(t, mobile, st.SectorName)
	assert.Empty(t, st.SubprocessName)
	assert.Zero(t, st.Attempt)
}
