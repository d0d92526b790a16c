package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// role classifies a session. Every connection starts as an agent candidate;
// it becomes a console when it explicitly joins the console group.
type role string

const (
	roleAgent   role = "agent"
	roleConsole role = "console"
)

// session is one live transport connection.
type session struct {
	handle      string
	identity    string // agent UUID; empty until registered
	role        role
	connectedAt time.Time
	remoteAddr  string
	conn        transport

	// Console message rate limiting (token bucket).
	rlMu        sync.Mutex
	msgTokens   float64
	msgLastTime time.Time
}

// allowMessage applies a token-bucket rate limit to inbound console messages.
func (s *session) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	if s.msgLastTime.IsZero() {
		s.msgTokens = burst
		s.msgLastTime = now
	}

	elapsed := now.Sub(s.msgLastTime).Seconds()
	s.msgTokens += elapsed * rate
	if s.msgTokens > burst {
		s.msgTokens = burst
	}
	s.msgLastTime = now

	if s.msgTokens < 1 {
		return false
	}
	s.msgTokens--
	return true
}

// registry is the single source of truth for live sessions, the
// identity → session binding, and console group membership. All maps are
// guarded by one mutex; registration is the only critical section the
// relay requires, so coarse locking keeps the invariants simple.
type registry struct {
	mu         sync.Mutex
	sessions   map[string]*session // handle -> session
	identities map[string]string   // agent UUID -> handle
	consoles   map[string]*session // handle -> console group member
}

func newRegistry() *registry {
	return &registry{
		sessions:   make(map[string]*session),
		identities: make(map[string]string),
		consoles:   make(map[string]*session),
	}
}

// add inserts a freshly connected session into the table.
func (r *registry) add(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.handle] = sess
}

// register binds an agent UUID to a session. If the UUID is already bound to
// a different live session, that session is evicted: removed from the table
// and the console group, and its transport force-closed. At most one live
// binding per UUID ever exists; the most recent registration wins.
// Returns the evicted session, if any, and whether the binding changed.
func (r *registry) register(handle, identity string) (evicted *session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, found := r.sessions[handle]
	if !found {
		return nil, false // session already gone; registration lost the race
	}

	// A session switching UUIDs must release its previous binding, or the
	// fleet would keep a phantom entry for the old identity.
	if sess.identity != "" && sess.identity != identity {
		if cur, bound := r.identities[sess.identity]; bound && cur == handle {
			delete(r.identities, sess.identity)
		}
	}

	if oldHandle, bound := r.identities[identity]; bound && oldHandle != handle {
		if old, live := r.sessions[oldHandle]; live {
			delete(r.sessions, oldHandle)
			delete(r.consoles, oldHandle)
			_ = old.conn.close()
			evicted = old
		}
	}

	sess.identity = identity
	sess.role = roleAgent
	r.identities[identity] = handle
	return evicted, true
}

// unregisterIfCurrent removes a session on disconnect. The identity mapping
// is dropped only if it still points at this session, so a disconnect that
// arrives after a newer registration for the same UUID never removes the
// current binding. Returns whether registry state visible to consoles changed
// (a registered agent went away) and whether the session was still present.
func (r *registry) unregisterIfCurrent(handle string) (changed, present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, found := r.sessions[handle]
	if !found {
		return false, false // superseded by a newer registration; nothing to do
	}

	delete(r.sessions, handle)
	delete(r.consoles, handle)

	if sess.identity != "" {
		if cur, bound := r.identities[sess.identity]; bound && cur == handle {
			delete(r.identities, sess.identity)
			changed = true
		}
	}
	return changed, true
}

// resolve returns the session currently serving an agent UUID.
func (r *registry) resolve(identity string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, bound := r.identities[identity]
	if !bound {
		return nil, false
	}
	sess, found := r.sessions[handle]
	return sess, found
}

// joinConsoles adds a session to the console group. Idempotent.
func (r *registry) joinConsoles(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, found := r.sessions[handle]
	if !found {
		return false
	}
	sess.role = roleConsole
	r.consoles[handle] = sess
	return true
}

// leaveConsoles removes a session from the console group. Idempotent.
func (r *registry) leaveConsoles(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consoles, handle)
}

// consoleSessions returns a snapshot of the console group for fan-out.
func (r *registry) consoleSessions() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session, 0, len(r.consoles))
	for _, sess := range r.consoles {
		out = append(out, sess)
	}
	return out
}

// fleetList derives the console-visible fleet view from the identity map,
// never the raw session table, so superseded sessions and connections that
// never registered a UUID cannot appear. Sorted by UUID for a stable order.
func (r *registry) fleetList() []protocol.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.AgentInfo, 0, len(r.identities))
	for identity, handle := range r.identities {
		sess, found := r.sessions[handle]
		if !found {
			continue
		}
		out = append(out, protocol.AgentInfo{
			UUID:        identity,
			ConnectedAt: sess.connectedAt.Format(protocol.TimestampFormat),
			Addr:        sess.remoteAddr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}
