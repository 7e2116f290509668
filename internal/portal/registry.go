// Package portal serves the customer portal and the agent desk over HTTP and
// WebSocket.
package portal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/lifecycle"
	"github.com/ashureev/supportdesk/internal/metrics"
	"golang.org/x/time/rate"
)

type visit struct {
	portal   *lifecycle.Portal
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Registry holds the live portal visit of each customer. Entering again
// replaces the previous visit.
type Registry struct {
	mu     sync.Mutex
	visits map[string]*visit
	limit  rate.Limit
	burst  int
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a Registry whose per-customer input rate is limited to
// perSecond with the given burst.
func NewRegistry(perSecond float64, burst int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		visits: make(map[string]*visit),
		limit:  rate.Limit(perSecond),
		burst:  burst,
		now:    time.Now,
		logger: logger,
	}
}

// Put registers p as the customer's visit, closing any visit it replaces.
func (r *Registry) Put(p *lifecycle.Portal) {
	customerID := p.CustomerID()

	r.mu.Lock()
	existing := r.visits[customerID]
	v := &visit{portal: p, lastSeen: r.now()}
	if existing != nil {
		v.limiter = existing.limiter
	} else {
		v.limiter = rate.NewLimiter(r.limit, r.burst)
	}
	r.visits[customerID] = v
	metrics.ActiveConversations.Set(float64(len(r.visits)))
	r.mu.Unlock()

	if existing != nil && existing.portal != p {
		if err := existing.portal.Close(); err != nil {
			r.logger.Debug("Failed to close replaced visit", "customer_id", customerID, "error", err)
		}
		r.logger.Info("Portal visit replaced", "customer_id", customerID)
		return
	}
	r.logger.Info("Portal visit registered", "customer_id", customerID)
}

// Get returns the customer's visit and marks it as seen.
func (r *Registry) Get(customerID string) (*lifecycle.Portal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[customerID]
	if !ok {
		return nil, false
	}
	v.lastSeen = r.now()
	return v.portal, true
}

// Allow reports whether the customer may send another input now.
func (r *Registry) Allow(customerID string) bool {
	r.mu.Lock()
	v, ok := r.visits[customerID]
	r.mu.Unlock()
	if !ok {
		return true
	}
	return v.limiter.Allow()
}

// Remove ends the customer's visit.
func (r *Registry) Remove(customerID string) {
	r.mu.Lock()
	v, ok := r.visits[customerID]
	if ok {
		delete(r.visits, customerID)
	}
	metrics.ActiveConversations.Set(float64(len(r.visits)))
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := v.portal.Close(); err != nil {
		r.logger.Debug("Failed to close visit", "customer_id", customerID, "error", err)
	}
	r.logger.Info("Portal visit closed", "customer_id", customerID)
}

// Len returns the number of live visits.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visits)
}

// Evict closes visits not seen for longer than ttl and returns how many.
func (r *Registry) Evict(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var idle []*visit
	for id, v := range r.visits {
		if v.lastSeen.Before(cutoff) {
			idle = append(idle, v)
			delete(r.visits, id)
		}
	}
	metrics.ActiveConversations.Set(float64(len(r.visits)))
	r.mu.Unlock()

	for _, v := range idle {
		if err := v.portal.Close(); err != nil {
			r.logger.Debug("Failed to close idle visit", "customer_id", v.portal.CustomerID(), "error", err)
		}
		r.logger.Info("Idle portal visit evicted", "customer_id", v.portal.CustomerID())
	}
	return len(idle)
}

// RunEviction evicts idle visits every interval until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, ttl, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Evict(ttl); n > 0 {
				r.logger.Info("Eviction sweep complete", "evicted", n, "remaining", r.Len())
			}
		}
	}
}

// CloseAll ends every visit.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	visits := r.visits
	r.visits = make(map[string]*visit)
	metrics.ActiveConversations.Set(0)
	r.mu.Unlock()

	for _, v := range visits {
		_ = v.portal.Close()
	}
}
