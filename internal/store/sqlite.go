package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository and Desk using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	agents []domain.Agent
	now    func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithAgents sets the roster escalated tickets are assigned from.
func WithAgents(agents []domain.Agent) Option {
	return func(s *SQLiteStore) { s.agents = agents }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode and busy timeout are applied on every pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		sector_name TEXT NOT NULL DEFAULT '',
		subprocess_name TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'English',
		query_text TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		summary TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(customer_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_customer ON sessions(customer_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		meta_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS feedback (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		customer_id TEXT NOT NULL,
		rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comment TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tickets (
		reference_number TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
		customer_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		subcategory TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		sla_hours REAL NOT NULL,
		agent_name TEXT,
		agent_phone TEXT,
		agent_employee_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS email_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction with busy retries.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("rollback failed", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// CreateSession opens a new active session. Any session still active for the
// customer is marked abandoned in the same transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, customerID string) (*domain.Session, error) {
	if customerID == "" {
		return nil, fmt.Errorf("create session: customer id: %w", ErrInvalid)
	}

	now := s.now()
	session := &domain.Session{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Language:   "English",
		Status:     domain.StatusActive,
		CreatedAt:  time.UnixMilli(now.UnixMilli()),
	}

	err := s.inTx(ctx, "create session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE customer_id = ? AND status = ?`,
			string(domain.StatusAbandoned), customerID, string(domain.StatusActive))
		if err != nil {
			return fmt.Errorf("abandon active session: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("abandoned previous active session", "customer_id", customerID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, customer_id, language, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			session.ID, customerID, session.Language, string(session.Status), now.UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert session: %w", ErrConflict)
			}
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AppendMessage adds a message and copies metadata onto the session.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (*domain.Message, error) {
	if !msg.Sender.Valid() {
		return nil, fmt.Errorf("append message: sender %q: %w", msg.Sender, ErrInvalid)
	}

	var metaJSON any
	if msg.Meta != nil {
		b, err := json.Marshal(msg.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode message meta: %w", err)
		}
		metaJSON = string(b)
	}

	now := s.now()
	out := msg
	out.SessionID = sessionID
	out.CreatedAt = time.UnixMilli(now.UnixMilli())

	err := s.inTx(ctx, "append message", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup session: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, sender, content, meta_json, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, string(msg.Sender), msg.Content, metaJSON, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if out.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("message id: %w", err)
		}

		if m := msg.Meta; m != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE sessions SET
					sector_name = COALESCE(NULLIF(?, ''), sector_name),
					subprocess_name = COALESCE(NULLIF(?, ''), subprocess_name),
					query_text = COALESCE(NULLIF(?, ''), query_text),
					resolution = COALESCE(NULLIF(?, ''), resolution),
					language = COALESCE(NULLIF(?, ''), language)
				WHERE id = ?`,
				m.SectorName, m.SubprocessName, m.QueryText, m.Resolution, m.Language, sessionID)
			if err != nil {
				return fmt.Errorf("update session metadata: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

const sessionColumns = `id, customer_id, sector_name, subprocess_name, language, query_text,
	resolution, status, summary, latitude, longitude, created_at, resolved_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var lat, lon sql.NullFloat64
	var createdAt int64
	var resolvedAt sql.NullInt64

	if err := row.Scan(
		&sess.ID, &sess.CustomerID, &sess.SectorName, &sess.SubprocessName, &sess.Language,
		&sess.QueryText, &sess.Resolution, &status, &sess.Summary,
		&lat, &lon, &createdAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	sess.Status = domain.Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	if lat.Valid && lon.Valid {
		sess.Location = &domain.Location{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		sess.ResolvedAt = &t
	}
	return &sess, nil
}

func (s *SQLiteStore) loadSession(ctx context.Context, q querier, sessionID string) (*domain.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, q querier, sessionID string) ([]domain.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, session_id, sender, content, meta_json, created_at FROM messages WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var sender string
		var metaJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Content, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Sender = domain.Sender(sender)
		m.CreatedAt = time.UnixMilli(createdAt)
		if metaJSON.Valid && metaJSON.String != "" {
			var meta domain.MessageMeta
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
				slog.Warn("skipping malformed message meta", "message_id", m.ID, "error", err)
			} else {
				m.Meta = &meta
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// GetSession returns a session and its messages.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	sess, err := s.loadSession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.SessionRecord{Session: *sess, Messages: msgs}, nil
}

// GetActiveSession returns the customer's active session, or nil.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, customerID string) (*domain.SessionRecord, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE customer_id = ? AND status = ?`,
		customerID, string(domain.StatusActive)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// PendingFeedback lists finished sessions still owed a rating.
func (s *SQLiteStore) PendingFeedback(ctx context.Context, customerID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.customer_id = ? AND s.status IN (?, ?)
		  AND NOT EXISTS (SELECT 1 FROM feedback f WHERE f.session_id = s.id)
		ORDER BY s.created_at, s.id`,
		customerID, string(domain.StatusResolved), string(domain.StatusEscalated))
	if err != nil {
		return nil, fmt.Errorf("query pending feedback: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close pending feedback rows", "error", closeErr)
		}
	}()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending feedback row: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending feedback: %w", err)
	}
	return out, nil
}

// SubmitFeedback records a rating. A second rating for the same session is a conflict.
func (s *SQLiteStore) SubmitFeedback(ctx context.Context, customerID string, fb domain.Feedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return fmt.Errorf("submit feedback: rating %d: %w", fb.Rating, ErrInvalid)
	}

	return s.inTx(ctx, "submit feedback", func(tx *sql.Tx) error {
		sess, err := s.loadSession(ctx, tx, fb.SessionID)
		if err != nil {
			return err
		}
		if sess.CustomerID != customerID {
			return fmt.Errorf("session %s: %w", fb.SessionID, ErrNotFound)
		}
		if !sess.Status.OwesFeedback() {
			return fmt.Errorf("session %s is %s: %w", fb.SessionID, sess.Status, ErrConflict)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO feedback (session_id, customer_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
			fb.SessionID, customerID, fb.Rating, strings.TrimSpace(fb.Comment), s.now().UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("feedback already submitted: %w", ErrConflict)
			}
			return fmt.Errorf("insert feedback: %w", err)
		}
		return nil
	})
}

// SaveLocation records device coordinates on a session.
func (s *SQLiteStore) SaveLocation(ctx context.Context, sessionID string, loc domain.Location) error {
	return withRetry(ctx, "save location", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET latitude = ?, longitude = ? WHERE id = ?`,
			loc.Latitude, loc.Longitude, sessionID)
		if err != nil {
			return fmt.Errorf("update location: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

// ResolveSession marks an active session resolved. Resolving an already
// resolved session returns the stored summary.
func (s *SQLiteStore) ResolveSession(ctx context.Context, sessionID string) (string, error) {
	var summary string
	err := s.inTx(ctx, "resolve session", func(tx *sql.Tx) error {
		sess, err := s.loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch sess.Status {
		case domain.StatusResolved:
			summary = sess.Summary
			return nil
		case domain.StatusActive:
		default:
			return fmt.Errorf("resolve session %s in status %s: %w", sessionID, sess.Status, ErrConflict)
		}

		msgs, err := s.loadMessages(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		summary = summarize(sess, msgs, domain.StatusResolved)
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, summary = ?, resolved_at = ? WHERE id = ?`,
			string(domain.StatusResolved), summary, s.now().UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

// EscalateSession converts an active session into a ticket. A session that
// already has a ticket returns it unchanged.
func (s *SQLiteStore) EscalateSession(ctx context.Context, sessionID string) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := s.inTx(ctx, "escalate session", func(tx *sql.Tx) error {
		existing, err := s.ticketFor(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			ticket = existing
			return nil
		}

		sess, err := s.loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != domain.StatusActive {
			return fmt.Errorf("escalate session %s in status %s: %w", sessionID, sess.Status, ErrConflict)
		}
		msgs, err := s.loadMessages(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		now := s.now()
		priority := AssignPriority(sess.QueryText, sess.SubprocessName)
		sla := SLAHours(priority)
		ticket = &domain.Ticket{
			ReferenceNumber: newReferenceNumber(now),
			Priority:        priority,
			SLAHours:        &sla,
		}
		agent, err := s.pickAgent(ctx, tx)
		if err != nil {
			return err
		}
		ticket.AssignedAgent = agent

		var agentName, agentPhone, agentID any
		if agent != nil {
			agentName, agentPhone, agentID = agent.Name, agent.Phone, agent.EmployeeID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tickets (reference_number, session_id, customer_id, category, subcategory, description,
				priority, sla_hours, agent_name, agent_phone, agent_employee_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
			ticket.ReferenceNumber, sessionID, sess.CustomerID, sess.SectorName, sess.SubprocessName, sess.QueryText,
			string(priority), sla, agentName, agentPhone, agentID, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}

		summary := summarize(sess, msgs, domain.StatusEscalated)
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, summary = ? WHERE id = ?`,
			string(domain.StatusEscalated), summary, sessionID)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (s *SQLiteStore) ticketFor(ctx context.Context, q querier, sessionID string) (*domain.Ticket, error) {
	var t domain.Ticket
	var priority string
	var sla float64
	var name, phone, empID sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT reference_number, priority, sla_hours, agent_name, agent_phone, agent_employee_id
		FROM tickets WHERE session_id = ?`, sessionID).Scan(&t.ReferenceNumber, &priority, &sla, &name, &phone, &empID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket row: %w", err)
	}
	t.Priority = domain.Priority(priority)
	t.SLAHours = &sla
	if name.Valid {
		t.AssignedAgent = &domain.Agent{Name: name.String, Phone: phone.String, EmployeeID: empID.String}
	}
	return &t, nil
}

// pickAgent returns the roster agent with the fewest open tickets, ties broken by roster order.
func (s *SQLiteStore) pickAgent(ctx context.Context, q querier) (*domain.Agent, error) {
	if len(s.agents) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT agent_employee_id, COUNT(*) FROM tickets
		WHERE status != 'resolved' AND agent_employee_id IS NOT NULL
		GROUP BY agent_employee_id`)
	if err != nil {
		return nil, fmt.Errorf("query agent load: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent load rows", "error", closeErr)
		}
	}()

	load := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan agent load row: %w", err)
		}
		load[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent load: %w", err)
	}

	best := 0
	for i := range s.agents {
		if load[s.agents[i].EmployeeID] < load[s.agents[best].EmployeeID] {
			best = i
		}
	}
	agent := s.agents[best]
	return &agent, nil
}

// SendSummaryEmail queues the session summary in the outbox.
func (s *SQLiteStore) SendSummaryEmail(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.loadSession(ctx, s.db, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Summary == "" {
		return "", fmt.Errorf("no summary available for session %s: %w", sessionID, ErrConflict)
	}

	err = withRetry(ctx, "queue summary email", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO email_outbox (session_id, recipient, subject, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, sess.CustomerID, "Your support chat summary", sess.Summary, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert outbox email: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return "Chat summary sent to your registered email address.", nil
}

// AgentReply appends an agent message to an escalated session.
func (s *SQLiteStore) AgentReply(ctx context.Context, sessionID, content string) (*domain.Message, error) {
	sess, err := s.loadSession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusEscalated {
		return nil, fmt.Errorf("reply to session %s in status %s: %w", sessionID, sess.Status, ErrConflict)
	}
	return s.AppendMessage(ctx, sessionID, domain.Message{Sender: domain.SenderAgent, Content: content})
}

// AgentResolve closes an escalated session and its ticket. Resolving twice is a no-op.
func (s *SQLiteStore) AgentResolve(ctx context.Context, sessionID string) error {
	return s.inTx(ctx, "agent resolve", func(tx *sql.Tx) error {
		sess, err := s.loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch sess.Status {
		case domain.StatusResolved:
			return nil
		case domain.StatusEscalated:
		default:
			return fmt.Errorf("agent resolve session %s in status %s: %w", sessionID, sess.Status, ErrConflict)
		}

		now := s.now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, resolved_at = ? WHERE id = ?`,
			string(domain.StatusResolved), now, sessionID); err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tickets SET status = 'resolved' WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("update ticket status: %w", err)
		}
		return nil
	})
}

// Queue lists escalated sessions awaiting an agent, oldest first.
func (s *SQLiteStore) Queue(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at, id`,
		string(domain.StatusEscalated))
	if err != nil {
		return nil, fmt.Errorf("query escalated sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close escalated session rows", "error", closeErr)
		}
	}()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalated session row: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalated sessions: %w", err)
	}
	return out, nil
}

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Desk       = (*SQLiteStore)(nil)
)
