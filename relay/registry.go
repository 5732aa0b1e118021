package relay

import "sync"

// groupRegistry tracks live sessions by identity. An identity may have
// several concurrent sessions (multiple tabs or devices); delivery to an
// identity reaches each of them.
type groupRegistry struct {
	mu     sync.RWMutex
	groups map[string]map[*session]struct{}
	closed bool
}

func newGroupRegistry() *groupRegistry {
	return &groupRegistry{
		groups: make(map[string]map[*session]struct{}),
	}
}

// add registers a session with its identity's group. It reports false once
// closeAll has run: a connection that slips past the relay's running check
// during shutdown must not end up in a registry nothing will drain.
func (r *groupRegistry) add(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	group, ok := r.groups[s.identity]
	if !ok {
		group = make(map[*session]struct{})
		r.groups[s.identity] = group
	}
	group[s] = struct{}{}
	return true
}

func (r *groupRegistry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.groups[s.identity]
	if !ok {
		return
	}
	delete(group, s)
	if len(group) == 0 {
		delete(r.groups, s.identity)
	}
}

// sessionsFor returns a snapshot of the sessions for the given identities,
// deduplicated so a session whose identity appears twice (sender equals
// recipient) is returned once.
func (r *groupRegistry) sessionsFor(identities ...string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sessions []*session
	seen := make(map[*session]struct{})
	for _, identity := range identities {
		if identity == "" {
			continue
		}
		for s := range r.groups[identity] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// count returns the number of live sessions across all groups.
func (r *groupRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, group := range r.groups {
		total += len(group)
	}
	return total
}

// closeAll closes every session, clears the registry and refuses further
// adds.
func (r *groupRegistry) closeAll() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.groups))
	for _, group := range r.groups {
		for s := range group {
			sessions = append(sessions, s)
		}
	}
	r.groups = make(map[string]map[*session]struct{})
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
