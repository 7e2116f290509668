// Package transcript keeps the ordered message log of a conversation and
// mirrors it to the session store without blocking the conversation.
package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/metrics"
)

const (
	defaultQueueSize    = 100
	defaultWriteTimeout = 10 * time.Second
	closeTimeout        = 5 * time.Second
	subscriberBuffer    = 64
)

// Appender persists one message. store.Repository satisfies it.
type Appender interface {
	AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (*domain.Message, error)
}

// Entry is one line of the transcript. Seq is the local order; ID is the
// store-assigned message id, zero until known.
type Entry struct {
	Seq int64 `json:"seq"`
	domain.Message
}

type job struct {
	ctx       context.Context
	seq       int64
	sessionID string
	msg       domain.Message
	// barrier, when set, marks a Flush point instead of a write.
	barrier chan struct{}
}

// Log is an append-only transcript with an ordered background writer.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[int64]struct{}
	subs    map[int]chan Entry
	nextSub int
	closed  bool

	appender     Appender
	queue        chan job
	done         chan struct{}
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithQueueSize bounds the number of pending remote writes.
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queue = make(chan job, n)
		}
	}
}

// WithWriteTimeout bounds each remote write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Log) { l.writeTimeout = d }
}

// New creates a Log. A nil appender keeps the log local only.
func New(appender Appender, logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		seen:         make(map[int64]struct{}),
		subs:         make(map[int]chan Entry),
		appender:     appender,
		queue:        make(chan job, defaultQueueSize),
		done:         make(chan struct{}),
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.writeLoop()
	return l
}

// Append records msg locally and queues it for the store. It never blocks on
// the store; writes to the same log reach the store in Append order. An empty
// sessionID keeps the entry local.
func (l *Log) Append(ctx context.Context, sessionID string, msg domain.Message) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg.ID = 0
	msg.SessionID = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	e := l.addLocked(msg)

	if l.appender != nil && sessionID != "" && !l.closed {
		l.enqueueLocked(job{ctx: context.WithoutCancel(ctx), seq: e.Seq, sessionID: sessionID, msg: msg})
	}
	return e
}

// Flush waits until every write queued before the call has been attempted,
// or ctx is done.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	if l.appender == nil || l.closed {
		l.mu.Unlock()
		return nil
	}
	barrier := make(chan struct{})
	l.enqueueLocked(job{barrier: barrier})
	l.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay adds server-originated messages without writing them back. Messages
// whose id is already present are skipped. It returns the entries added.
func (l *Log) Replay(msgs []domain.Message) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var added []Entry
	for _, m := range msgs {
		if m.ID != 0 {
			if _, dup := l.seen[m.ID]; dup {
				continue
			}
		}
		added = append(added, l.addLocked(m))
	}
	return added
}

func (l *Log) addLocked(m domain.Message) Entry {
	e := Entry{Seq: int64(len(l.entries)) + 1, Message: m}
	l.entries = append(l.entries, e)
	if m.ID != 0 {
		l.seen[m.ID] = struct{}{}
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// enqueueLocked queues a write, dropping the oldest pending write when full.
func (l *Log) enqueueLocked(j job) {
	select {
	case l.queue <- j:
		return
	default:
	}

	l.logger.Warn("transcript queue full, dropping oldest write",
		"session_id", j.sessionID,
		"queue_len", len(l.queue),
	)
	select {
	case old := <-l.queue:
		if old.barrier != nil {
			close(old.barrier)
		} else {
			metrics.TranscriptDropped.Inc()
		}
	default:
	}
	select {
	case l.queue <- j:
	default:
		if j.barrier != nil {
			close(j.barrier)
			return
		}
		metrics.TranscriptDropped.Inc()
		l.logger.Warn("transcript write dropped after backpressure", "session_id", j.sessionID)
	}
}

func (l *Log) writeLoop() {
	defer close(l.done)

	for j := range l.queue {
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		ctx, cancel := context.WithTimeout(j.ctx, l.writeTimeout)
		saved, err := l.appender.AppendMessage(ctx, j.sessionID, j.msg)
		cancel()
		if err != nil {
			metrics.TranscriptWriteFailures.Inc()
			l.logger.Warn("transcript write failed",
				"session_id", j.sessionID,
				"sender", j.msg.Sender,
				"error", err,
			)
			continue
		}
		if saved != nil && saved.ID != 0 {
			l.markWritten(j.seq, saved.ID)
		}
	}
}

func (l *Log) markWritten(seq, id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < 1 || seq > int64(len(l.entries)) {
		return
	}
	l.entries[seq-1].ID = id
	l.seen[id] = struct{}{}
}

// Entries returns a copy of the transcript in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Since returns the entries with Seq greater than seq.
func (l *Log) Since(seq int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(l.entries)) {
		return nil
	}
	return append([]Entry(nil), l.entries[seq:]...)
}

// MaxServerID returns the highest store message id seen so far.
func (l *Log) MaxServerID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var maxID int64
	for id := range l.seen {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Subscribe streams entries appended after the call. Slow subscribers miss
// entries rather than block the log; they can catch up with Since.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan Entry, subscriberBuffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
}

// Close stops accepting remote writes, flushes what is queued within a
// bounded time, and closes all subscriptions.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := len(l.queue)
	close(l.queue)
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(closeTimeout):
		l.logger.Warn("transcript flush timed out", "pending", pending)
	}
	return nil
}
