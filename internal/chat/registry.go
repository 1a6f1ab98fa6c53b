package chat

import (
	"context"
	"log"
	"sync"
	"time"
)

// Registry maps a session id to its running actor. It is the only shared
// resource between conversations: actors themselves never touch each other's
// state. Actors are created lazily on first access and reaped once their last
// participant leaves; because history is re-read from the store on every
// join, a later access recreates an actor that replays identically.
type Registry struct {
	store   LogStore
	onEmpty func(sessionID string)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. New actors are given the provided
// log store; the onEmpty callback, if non-nil, is invoked whenever an actor's
// last participant leaves.
func NewRegistry(store LogStore, onEmpty func(sessionID string)) *Registry {
	return &Registry{
		store:    store,
		onEmpty:  onEmpty,
		sessions: make(map[string]*Session),
	}
}

// Get returns the actor for the given session id, creating and starting it
// if it does not exist yet.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s
	}

	s := NewSession(sessionID, r.store)
	s.SetOnEmpty(func(id string) {
		if r.onEmpty != nil {
			r.onEmpty(id)
		}
		// The callback runs on the actor goroutine; the teardown needs to
		// talk back to that goroutine, so it runs elsewhere.
		go r.reap(id, s)
	})
	s.Start()
	r.sessions[sessionID] = s
	log.Printf("[registry] created session actor %s (total: %d)", sessionID, len(r.sessions))
	return s
}

// reap removes and stops an emptied session actor, unless a participant
// rejoined in the meantime. The registry lock is held across the recheck so
// no new Get can hand out the actor while it is being torn down.
func (r *Registry) reap(sessionID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[sessionID]; !ok || cur != s {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	n, err := s.ParticipantCount(ctx)
	cancel()
	if err != nil || n > 0 {
		return
	}

	delete(r.sessions, sessionID)
	s.Stop()
	log.Printf("[registry] reaped idle session actor %s (total: %d)", sessionID, len(r.sessions))
}

// Len returns the number of live session actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops every session actor. Used during graceful shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		s.Stop()
		delete(r.sessions, id)
	}
}
