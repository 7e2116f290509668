package handoff

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/ashureev/supportdesk/internal/store"
)

// Watch polls one escalated session for agent activity.
type Watch struct {
	bridge    *Bridge
	sessionID string
	sink      Sink

	mu        sync.Mutex
	watermark int64
	resolved  bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts polling sessionID. Agent messages with an id above watermark
// are delivered to sink. The watch ends when ctx is cancelled, Stop is
// called, or the session is resolved.
func (b *Bridge) Watch(ctx context.Context, sessionID string, watermark int64, sink Sink) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		bridge:    b,
		sessionID: sessionID,
		sink:      sink,
		watermark: watermark,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Stop cancels polling and waits for the watch goroutine. Safe to call more than once.
func (w *Watch) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}

// Done is closed when the watch goroutine exits.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Watermark returns the highest agent message id delivered so far.
func (w *Watch) Watermark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watermark
}

func (w *Watch) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()
	logger := w.bridge.logger.With("session_id", w.sessionID)

	var wake <-chan struct{}
	if w.bridge.waker != nil {
		ch, closeFn, err := w.bridge.waker.Wake(ctx, w.sessionID)
		if err != nil {
			logger.Warn("agent wakeups unavailable, polling only", "error", err)
		} else {
			wake = ch
			defer func() {
				if err := closeFn(); err != nil {
					logger.Debug("failed to close wakeup subscription", "error", err)
				}
			}()
		}
	}

	ticker := time.NewTicker(w.bridge.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
		}
		if w.poll(ctx) {
			return
		}
	}
}

// poll fetches the session once. It returns true when polling should stop.
func (w *Watch) poll(ctx context.Context) bool {
	logger := w.bridge.logger.With("session_id", w.sessionID)

	rec, err := w.bridge.store.GetSession(ctx, w.sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.HandoffPolls.WithLabelValues("error").Inc()
		if errors.Is(err, store.ErrUnauthorized) || errors.Is(err, store.ErrNotFound) {
			logger.Warn("stopping agent polling", "error", err)
			return true
		}
		logger.Warn("agent poll failed, retrying next tick", "error", err)
		return false
	}
	metrics.HandoffPolls.WithLabelValues("ok").Inc()

	if fresh := w.advance(rec.Messages); len(fresh) > 0 {
		metrics.AgentMessages.Add(float64(len(fresh)))
		w.sink.AgentMessages(fresh)
	}

	if rec.Session.Status == domain.StatusResolved && w.markResolved() {
		logger.Info("session resolved by agent")
		w.sink.AgentResolved()
		return true
	}
	return false
}

// advance returns agent messages above the watermark in id order and moves
// the watermark past them.
func (w *Watch) advance(msgs []domain.Message) []domain.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []domain.Message
	for _, m := range msgs {
		if m.Sender == domain.SenderAgent && m.ID > w.watermark {
			fresh = append(fresh, m)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	if len(fresh) > 0 {
		w.watermark = fresh[len(fresh)-1].ID
	}
	return fresh
}

func (w *Watch) markResolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false
	}
	w.resolved = true
	return true
}
