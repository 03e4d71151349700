package chat

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry tracks all live sessions by id. Every session task calls into it
// concurrently.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Add registers a session under id.
func (r *Registry) Add(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

// Remove unregisters id. It reports whether the id was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Rename changes the display name of id and returns the previous one.
func (r *Registry) Rename(id, name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	return s.setName(name), true
}

// Names returns the sorted display names of all sessions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		names = append(names, s.Name())
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// ForEach calls visit for every registered session except excludeID (pass
// "" to visit all). Membership is snapshotted first, so visitors may add or
// remove sessions. A visitor error is logged for that target only and the
// walk continues. It returns the number of successful visits.
func (r *Registry) ForEach(visit func(*Session) error, excludeID string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != excludeID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := visit(s); err != nil {
			r.log.Warn().Err(err).Str("session", s.ID).Str("name", s.Name()).Msg("Delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}
