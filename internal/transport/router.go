package transport

import "sync"

// Router fans published messages out to attached sessions by pattern. It
// backs the relay servers; sends must not block.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	send     func(Message)
	patterns map[string]struct{}
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{sessions: make(map[string]*session)}
}

// Attach registers a session. Attaching an existing id replaces its sender
// and clears its subscriptions.
func (r *Router) Attach(id string, send func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &session{send: send, patterns: make(map[string]struct{})}
}

// Detach removes a session and its subscriptions.
func (r *Router) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Subscribe adds pattern to a session. Unknown sessions are ignored.
func (r *Router) Subscribe(id, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.patterns[pattern] = struct{}{}
	}
}

// Unsubscribe removes pattern from a session.
func (r *Router) Unsubscribe(id, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		delete(s.patterns, pattern)
	}
}

// Route delivers m once to every session with a matching pattern and
// returns the number of sessions reached.
func (r *Router) Route(m Message) int {
	r.mu.RLock()
	var targets []func(Message)
	for _, s := range r.sessions {
		for p := range s.patterns {
			if Match(p, m.Channel) {
				targets = append(targets, s.send)
				break
			}
		}
	}
	r.mu.RUnlock()

	for _, send := range targets {
		send(m)
	}
	return len(targets)
}

// Sessions returns the number of attached sessions.
func (r *Router) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
