package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/handoff"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/ashureev/supportdesk/internal/resolver"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/internal/telemetry"
	"github.com/ashureev/supportdesk/internal/transcript"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultSubprocessLimit bounds the issue types offered at once.
	DefaultSubprocessLimit = 8

	flushTimeout = 3 * time.Second
)

// Config holds the collaborators of a Machine.
type Config struct {
	Store      store.Repository
	Catalog    catalog.Catalog
	Classifier resolver.Classifier
	Resolver   resolver.Resolver
	Bridge     *handoff.Bridge

	SubprocessLimit  int
	BaselineLanguage string
	LogOptions       []transcript.Option
	Logger           *slog.Logger
}

// Machine is the conversation controller for one customer. All methods are
// safe for concurrent use; dispatches are serialised.
type Machine struct {
	mu sync.Mutex

	store      store.Repository
	catalog    catalog.Catalog
	classifier *resolver.FailOpenClassifier
	resolver   resolver.Resolver
	bridge     *handoff.Bridge
	limit      int
	logger     *slog.Logger

	customerID string
	log        *transcript.Log
	state      State
	prompt     int64
	notice     string
	sectors    []catalog.Sector
	subs       []catalog.Subprocess
	watch      *handoff.Watch
	closed     bool

	agentResolved atomic.Bool
}

// New creates a Machine for customerID. Call Start or Resume before Dispatch.
func New(cfg Config, customerID string) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("customer_id", customerID)

	limit := cfg.SubprocessLimit
	if limit <= 0 {
		limit = DefaultSubprocessLimit
	}
	bridge := cfg.Bridge
	if bridge == nil {
		bridge = handoff.NewBridge(cfg.Store, logger)
	}

	return &Machine{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		classifier: resolver.FailOpen(cfg.Classifier, cfg.BaselineLanguage, logger),
		resolver:   cfg.Resolver,
		bridge:     bridge,
		limit:      limit,
		logger:     logger,
		customerID: customerID,
		log:        transcript.New(cfg.Store, logger, cfg.LogOptions...),
	}
}

// CustomerID returns the customer this machine serves.
func (m *Machine) CustomerID() string {
	return m.customerID
}

// Log returns the conversation transcript.
func (m *Machine) Log() *transcript.Log {
	return m.log
}

// View returns the current view.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

// State returns a copy of the controller state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Start begins a fresh conversation at the greeting step. If the session
// cannot be created the conversation continues unpersisted until a later
// step needs the store.
func (m *Machine) Start(ctx context.Context) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return View{}, ErrClosed
	}

	m.state = State{Step: StepGreeting, Language: m.classifier.Baseline()}
	if err := m.ensureSession(ctx); err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			return View{}, err
		}
		m.logger.Warn("failed to create session, continuing unpersisted", "error", err)
	}
	m.post(ctx, domain.SenderBot, msgWelcome, nil)
	m.prompt = 1
	return m.viewLocked(), nil
}

// Resume continues an active session from its persisted record. It writes
// nothing to the store; the history is replayed into the transcript.
func (m *Machine) Resume(ctx context.Context, rec *domain.SessionRecord) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return View{}, ErrClosed
	}

	st, err := Reconstruct(ctx, m.catalog, rec, m.classifier.Baseline())
	if err != nil {
		return View{}, err
	}
	switch st.Step {
	case StepSector:
		if err := m.loadMenu(ctx); err != nil {
			return View{}, err
		}
	case StepSubprocess:
		if err := m.loadSubprocesses(ctx, st.SectorKey); err != nil {
			return View{}, err
		}
	}

	m.state = st
	m.log.Replay(rec.Messages)
	m.prompt = 1
	m.logger.Info("conversation resumed", "session_id", st.SessionID, "step", st.Step, "attempt", st.Attempt)
	return m.viewLocked(), nil
}

// Dispatch applies one input. The input must answer the current prompt and
// be allowed at the current step. Recoverable failures leave the step
// unchanged and surface as View.Notice; authentication failures are returned.
func (m *Machine) Dispatch(ctx context.Context, in Input) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return View{}, ErrClosed
	}
	if in.Prompt != m.prompt {
		return m.viewLocked(), ErrStalePrompt
	}
	from := m.state.Step
	if !allows(from, m.state.Attempt, in.Kind) {
		return m.viewLocked(), fmt.Errorf("%s at step %s: %w", in.Kind, from, ErrNotAllowed)
	}

	ctx, span := telemetry.Start(ctx, "conversation.dispatch",
		attribute.String("step", string(from)),
		attribute.String("input", string(in.Kind)),
	)
	defer span.End()

	m.notice = ""
	if err := m.handle(ctx, in); err != nil {
		span.RecordError(err)
		return m.viewLocked(), err
	}
	m.prompt++

	if to := m.state.Step; to != from {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Info("conversation transition",
			"session_id", m.state.SessionID,
			"from", from,
			"to", to,
			"input", in.Kind,
		)
	}
	return m.viewLocked(), nil
}

// Close stops agent polling and flushes the transcript. Safe to call more than once.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	w := m.watch
	m.watch = nil
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	return m.log.Close()
}

func (m *Machine) handle(ctx context.Context, in Input) error {
	switch in.Kind {
	case InputSay:
		if m.state.Step == StepGreeting {
			return m.onGreeting(ctx, in)
		}
		return m.onQuery(ctx, in)
	case InputSelectSector:
		return m.onSector(ctx, in)
	case InputSelectSubprocess:
		return m.onSubprocess(ctx, in)
	case InputShareLocation:
		return m.onLocation(ctx, in)
	case InputSatisfied:
		return m.onSatisfied(ctx)
	case InputNotSatisfied:
		return m.onNotSatisfied(ctx)
	case InputRaiseTicket:
		return m.onRaiseTicket(ctx)
	case InputMainMenu:
		return m.onMainMenu(ctx)
	case InputExit:
		return m.onExit(ctx)
	case InputEmailSummary:
		return m.onEmailSummary(ctx)
	default:
		return fmt.Errorf("unknown input kind %q: %w", in.Kind, ErrInvalidInput)
	}
}

func (m *Machine) onGreeting(ctx context.Context, in Input) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return fmt.Errorf("empty message: %w", ErrInvalidInput)
	}
	m.post(ctx, domain.SenderUser, text, nil)

	ok, err := m.classifier.IsGreeting(ctx, text)
	if err != nil {
		return fmt.Errorf("detect greeting: %w", err)
	}
	if !ok {
		m.post(ctx, domain.SenderBot, msgGreetFirst, nil)
		return nil
	}
	if err := m.loadMenu(ctx); err != nil {
		return m.degrade(ctx, err, noticeCatalog)
	}

	m.post(ctx, domain.SenderBot, msgChooseSector, nil)
	m.state.Step = StepSector
	return nil
}

func (m *Machine) onSector(ctx context.Context, in Input) error {
	idx := slices.IndexFunc(m.sectors, func(s catalog.Sector) bool { return s.Key == in.Key })
	if idx < 0 {
		return fmt.Errorf("unknown sector %q: %w", in.Key, ErrInvalidInput)
	}
	sector := m.sectors[idx]

	if err := m.loadSubprocesses(ctx, sector.Key); err != nil {
		return m.degrade(ctx, err, noticeCatalog)
	}

	m.state.SectorKey, m.state.SectorName = sector.Key, sector.Name
	m.state.resetSubprocess()
	m.post(ctx, domain.SenderUser, sector.Name, &domain.MessageMeta{SectorName: sector.Name})
	m.post(ctx, domain.SenderBot, msgChooseSubprocess, nil)
	m.state.Step = StepSubprocess
	return nil
}

func (m *Machine) onSubprocess(ctx context.Context, in Input) error {
	idx := slices.IndexFunc(m.subs, func(s catalog.Subprocess) bool { return s.Key == in.Key })
	if idx < 0 {
		return fmt.Errorf("unknown subprocess %q: %w", in.Key, ErrInvalidInput)
	}
	sub := m.subs[idx]

	m.state.resetSubprocess()
	m.state.SubprocessKey, m.state.SubprocessName = sub.Key, sub.Name
	m.state.RequiresLocation = sub.RequiresLocation
	m.post(ctx, domain.SenderUser, sub.Name, &domain.MessageMeta{SubprocessName: sub.Name})

	if sub.RequiresLocation {
		m.post(ctx, domain.SenderBot, msgShareLocation, nil)
		m.state.Step = StepLocation
		return nil
	}
	m.post(ctx, domain.SenderBot, msgDescribe, nil)
	m.state.Step = StepQuery
	return nil
}

func (m *Machine) onLocation(ctx context.Context, in Input) error {
	if !in.Granted {
		m.fail(ctx, noticeLocationRequired)
		return nil
	}
	if in.Latitude < -90 || in.Latitude > 90 || in.Longitude < -180 || in.Longitude > 180 {
		return fmt.Errorf("coordinates out of range: %w", ErrInvalidInput)
	}
	loc := domain.Location{Latitude: in.Latitude, Longitude: in.Longitude}

	if m.state.SessionID != "" {
		if err := m.store.SaveLocation(ctx, m.state.SessionID, loc); err != nil {
			if errors.Is(err, store.ErrUnauthorized) {
				return err
			}
			m.logger.Warn("failed to save location", "session_id", m.state.SessionID, "error", err)
		}
	}

	m.state.Location = &loc
	m.post(ctx, domain.SenderSystem, msgLocationShared, nil)
	m.post(ctx, domain.SenderBot, msgDescribe, nil)
	m.state.Step = StepQuery
	return nil
}

func (m *Machine) onQuery(ctx context.Context, in Input) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return fmt.Errorf("empty query: %w", ErrInvalidInput)
	}

	if !m.state.LanguageKnown {
		lang, err := m.classifier.DetectLanguage(ctx, text)
		if err != nil {
			return fmt.Errorf("detect language: %w", err)
		}
		m.state.Language = lang
		m.state.LanguageKnown = true
	}
	m.post(ctx, domain.SenderUser, text, &domain.MessageMeta{QueryText: text, Language: m.state.Language})

	req := resolver.StepRequest{
		SectorKey:         m.state.SectorKey,
		SectorName:        m.state.SectorName,
		SubprocessKey:     m.state.SubprocessKey,
		SubprocessName:    m.state.SubprocessName,
		Query:             text,
		Language:          m.state.Language,
		PreviousSolutions: slices.Clone(m.state.PreviousSolutions),
		Attempt:           m.state.Attempt + 1,
	}
	rctx, span := telemetry.Start(ctx, "resolver.resolve_step", attribute.Int("attempt", req.Attempt))
	res, err := m.resolver.ResolveStep(rctx, req)
	span.End()
	if err != nil {
		metrics.ResolutionOutcomes.WithLabelValues("error").Inc()
		return m.degrade(ctx, fmt.Errorf("resolve step: %w", err), noticeResolver)
	}

	if !res.IsTelecom {
		metrics.ResolutionOutcomes.WithLabelValues("non_telecom").Inc()
		reply := strings.TrimSpace(res.Resolution)
		if reply == "" {
			reply = msgNotTelecom
		}
		m.post(ctx, domain.SenderSystem, reply, nil)
		m.notice = noticeNotTelecom
		return nil
	}

	resolution := strings.TrimSpace(res.Resolution)
	if resolution == "" || slices.Contains(m.state.PreviousSolutions, resolution) {
		metrics.ResolutionOutcomes.WithLabelValues("repeat").Inc()
		m.fail(ctx, noticeNoNewStep)
		return nil
	}

	metrics.ResolutionOutcomes.WithLabelValues("step").Inc()
	m.state.Query = text
	m.state.Resolution = resolution
	m.state.PreviousSolutions = append(m.state.PreviousSolutions, resolution)
	m.state.Attempt++
	m.post(ctx, domain.SenderBot, resolution, &domain.MessageMeta{Resolution: resolution, Language: m.state.Language})

	if res.IdentifiedSubprocess != "" && catalog.IsOther(m.state.SubprocessName) {
		m.post(ctx, domain.SenderSystem, "Identified issue type: "+res.IdentifiedSubprocess, nil)
	}
	m.state.Step = StepFeedback
	return nil
}

func (m *Machine) onSatisfied(ctx context.Context) error {
	if err := m.ensureSession(ctx); err != nil {
		return m.degrade(ctx, err, noticeResolveFailed)
	}
	m.flush(ctx)

	summary, err := m.store.ResolveSession(ctx, m.state.SessionID)
	if err != nil {
		return m.degrade(ctx, fmt.Errorf("resolve session: %w", err), noticeResolveFailed)
	}

	m.state.Summary = summary
	m.post(ctx, domain.SenderUser, msgSatisfied, nil)
	m.post(ctx, domain.SenderBot, msgResolved, nil)
	m.state.Step = StepResolved
	return nil
}

func (m *Machine) onNotSatisfied(ctx context.Context) error {
	m.post(ctx, domain.SenderUser, msgNotSatisfied, nil)
	m.post(ctx, domain.SenderBot, msgTryAgain, nil)
	m.state.Step = StepQuery
	return nil
}

func (m *Machine) onRaiseTicket(ctx context.Context) error {
	if err := m.ensureSession(ctx); err != nil && errors.Is(err, store.ErrUnauthorized) {
		return err
	}
	m.flush(ctx)

	ticket, err := m.bridge.Escalate(ctx, m.state.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			return err
		}
		m.state.Ticket = &ticket
		m.fail(ctx, fmt.Sprintf(noticeEscalationFailed, ticket.ReferenceNumber))
		return nil
	}

	m.state.Ticket = &ticket
	m.post(ctx, domain.SenderUser, msgRaiseTicket, nil)
	m.post(ctx, domain.SenderBot, ticketMessage(ticket), nil)
	m.state.Step = StepEscalated
	m.startWatch(ctx)
	return nil
}

func (m *Machine) onMainMenu(ctx context.Context) error {
	if err := m.ensureMenu(ctx); err != nil {
		return m.degrade(ctx, err, noticeCatalog)
	}

	if m.state.Step == StepFeedback {
		m.state.resetJourney()
		m.subs = nil
		m.post(ctx, domain.SenderUser, msgMainMenu, nil)
		m.post(ctx, domain.SenderBot, msgChooseSector, nil)
		m.state.Step = StepSector
		return nil
	}

	sessionID := ""
	sess, err := m.store.CreateSession(ctx, m.customerID)
	switch {
	case err == nil:
		sessionID = sess.ID
	case errors.Is(err, store.ErrUnauthorized):
		return err
	default:
		m.logger.Warn("failed to create session, continuing unpersisted", "error", err)
	}

	m.stopWatch()
	m.agentResolved.Store(false)
	m.subs = nil
	m.state = State{SessionID: sessionID, Step: StepSector, Language: m.classifier.Baseline()}
	m.post(ctx, domain.SenderBot, msgChooseSector, nil)
	return nil
}

func (m *Machine) onExit(ctx context.Context) error {
	m.stopWatch()
	if id := m.state.SessionID; id != "" {
		m.flush(ctx)
		if _, err := m.store.SendSummaryEmail(ctx, id); err != nil {
			m.logger.Warn("failed to send summary email on exit", "session_id", id, "error", err)
		}
	}
	m.post(ctx, domain.SenderBot, msgGoodbye, nil)
	m.state.Step = StepExited
	return nil
}

func (m *Machine) onEmailSummary(ctx context.Context) error {
	if m.state.SessionID == "" {
		m.fail(ctx, noticeEmailFailed)
		return nil
	}
	m.flush(ctx)
	confirmation, err := m.store.SendSummaryEmail(ctx, m.state.SessionID)
	if err != nil {
		return m.degrade(ctx, fmt.Errorf("send summary email: %w", err), noticeEmailFailed)
	}
	m.post(ctx, domain.SenderSystem, confirmation, nil)
	return nil
}

// degrade turns a collaborator failure into a visible notice. Authentication
// failures are returned to abort the operation.
func (m *Machine) degrade(ctx context.Context, err error, notice string) error {
	if errors.Is(err, store.ErrUnauthorized) {
		return err
	}
	m.logger.Warn("conversation step failed",
		"session_id", m.state.SessionID,
		"step", m.state.Step,
		"error", err,
	)
	m.fail(ctx, notice)
	return nil
}

func (m *Machine) fail(ctx context.Context, notice string) {
	m.notice = notice
	m.post(ctx, domain.SenderSystem, notice, nil)
}

func (m *Machine) post(ctx context.Context, sender domain.Sender, content string, meta *domain.MessageMeta) {
	m.log.Append(ctx, m.state.SessionID, domain.Message{Sender: sender, Content: content, Meta: meta})
}

func (m *Machine) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := m.log.Flush(ctx); err != nil {
		m.logger.Debug("transcript flush incomplete", "session_id", m.state.SessionID, "error", err)
	}
}

func (m *Machine) ensureSession(ctx context.Context) error {
	if m.state.SessionID != "" {
		return nil
	}
	sess, err := m.store.CreateSession(ctx, m.customerID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	m.state.SessionID = sess.ID
	m.logger.Info("session created", "session_id", sess.ID)
	return nil
}

func (m *Machine) loadMenu(ctx context.Context) error {
	sectors, err := m.catalog.Menu(ctx)
	if err != nil {
		return fmt.Errorf("load menu: %w", err)
	}
	if len(sectors) == 0 {
		return fmt.Errorf("load menu: %w", store.ErrUnavailable)
	}
	m.sectors = sectors
	return nil
}

func (m *Machine) ensureMenu(ctx context.Context) error {
	if len(m.sectors) > 0 {
		return nil
	}
	return m.loadMenu(ctx)
}

func (m *Machine) loadSubprocesses(ctx context.Context, sectorKey string) error {
	subs, err := m.catalog.Subprocesses(ctx, sectorKey)
	if err != nil {
		return fmt.Errorf("load subprocesses: %w", err)
	}
	display := catalog.DisplaySet(subs, m.limit)
	if len(display) == 0 {
		return fmt.Errorf("load subprocesses for sector %s: %w", sectorKey, store.ErrUnavailable)
	}
	m.subs = display
	return nil
}

func (m *Machine) startWatch(ctx context.Context) {
	m.agentResolved.Store(false)
	if m.state.SessionID == "" {
		return
	}
	watermark := m.log.MaxServerID()
	m.watch = m.bridge.Watch(context.WithoutCancel(ctx), m.state.SessionID, watermark, agentSink{m: m})
}

func (m *Machine) stopWatch() {
	if m.watch != nil {
		m.watch.Stop()
		m.watch = nil
	}
}

func (m *Machine) viewLocked() View {
	v := View{
		SessionID:      m.state.SessionID,
		Step:           m.state.Step,
		Prompt:         m.prompt,
		Allowed:        allowedInputs(m.state.Step, m.state.Attempt),
		SectorName:     m.state.SectorName,
		SubprocessName: m.state.SubprocessName,
		Language:       m.state.Language,
		Resolution:     m.state.Resolution,
		Attempt:        m.state.Attempt,
		Notice:         m.notice,
		Summary:        m.state.Summary,
		AgentResolved:  m.agentResolved.Load(),
	}
	if m.state.Ticket != nil {
		t := *m.state.Ticket
		v.Ticket = &t
	}
	switch m.state.Step {
	case StepSector:
		v.Sectors = slices.Clone(m.sectors)
	case StepSubprocess:
		v.Subprocesses = slices.Clone(m.subs)
	}
	return v
}

// agentSink relays agent activity into the transcript. It never takes the
// machine lock, so stopping a watch while dispatching cannot deadlock.
type agentSink struct {
	m *Machine
}

func (s agentSink) AgentMessages(msgs []domain.Message) {
	s.m.log.Replay(msgs)
}

func (s agentSink) AgentResolved() {
	s.m.agentResolved.Store(true)
	s.m.log.Replay([]domain.Message{{
		Sender:    domain.SenderSystem,
		Content:   msgAgentResolved,
		CreatedAt: time.Now(),
	}})
}
