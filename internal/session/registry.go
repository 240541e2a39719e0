// Package session keeps plan sessions alive across HTTP requests.
package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/metrics"
	"github.com/samcharles93/quantsim/internal/plan"
)

var ErrNotFound = errors.New("session: not found")

// Entry wraps one plan session. Do serialises all access to it.
type Entry struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	sess     *plan.Session
	lastUsed time.Time
}

// Do runs fn with exclusive access to the session.
func (e *Entry) Do(fn func(s *plan.Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = time.Now()
	return fn(e.sess)
}

func (e *Entry) LastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// Registry maps session ids to entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	log     logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{entries: make(map[string]*Entry), log: log}
}

// Create builds a session for p under a fresh id.
func (r *Registry) Create(p *plan.Plan) (*Entry, error) {
	id := uuid.NewString()
	sess, err := plan.NewSession(p, r.log.With("session", id))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	e := &Entry{ID: id, CreatedAt: now, sess: sess, lastUsed: now}

	r.mu.Lock()
	r.entries[id] = e
	n := len(r.entries)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	r.log.Info("session created", "session", id, "layers", len(p.Layers))
	return e, nil
}

func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// close releases the session's metric series once no request holds it.
func (e *Entry) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Close()
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.close()
	metrics.ActiveSessions.Set(float64(n))
	r.log.Info("session deleted", "session", id)
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the live session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Expire drops sessions idle for longer than ttl and returns how many were
// removed.
func (r *Registry) Expire(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	var stale []*Entry
	for _, e := range r.entries {
		if e.LastUsed().Before(cutoff) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		delete(r.entries, e.ID)
	}
	n := len(r.entries)
	r.mu.Unlock()

	for _, e := range stale {
		e.close()
	}
	if len(stale) > 0 {
		metrics.ActiveSessions.Set(float64(n))
		r.log.Info("sessions expired", "count", len(stale))
	}
	return len(stale)
}
