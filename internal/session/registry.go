package session

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session already registered")
	ErrRegistryClosed   = errors.New("registry closed")
)

// Handle sends commands to, and closes, one live connection.
type Handle interface {
	Send(cmd Command) error
	Close() error
}

// Info describes a live session. It is safe to retain.
type Info struct {
	ID          string    `json:"id"`
	ConnID      string    `json:"connId"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Session is a registered connection. The handle is owned by the registry
// entry until the entry is removed.
type Session struct {
	Info
	handle Handle
	seq    uint64

	// gate serializes forwarding with removal for this session only.
	gate    sync.Mutex
	removed bool
}

// retire marks s removed, waiting for an in-flight IfLive callback.
func (s *Session) retire() {
	s.gate.Lock()
	s.removed = true
	s.gate.Unlock()
}

func (s *Session) Handle() Handle {
	return s.handle
}

// allocator hands out counter-derived identities. It is only used with
// the registry write lock held.
type allocator struct {
	prefix string
	n      uint64
}

func (a *allocator) next() string {
	a.n++
	return a.prefix + strconv.FormatUint(a.n, 10)
}

// Registry is the set of live sessions keyed by identity. Every read and
// write goes through mu.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ids      allocator
	seq      uint64
	closed   bool
}

func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = "Client_"
	}
	return &Registry{
		sessions: make(map[string]*Session),
		ids:      allocator{prefix: prefix},
	}
}

// Open assigns a fresh identity to h and registers it in one step.
func (r *Registry) Open(h Handle, info Info) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	id := r.ids.next()
	for r.sessions[id] != nil {
		id = r.ids.next()
	}
	info.ID = id
	return r.insert(h, info), nil
}

// Register inserts h under an explicit identity.
func (r *Registry) Register(id string, h Handle, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.sessions[id]; ok {
		return ErrDuplicateSession
	}
	info.ID = id
	r.insert(h, info)
	return nil
}

func (r *Registry) insert(h Handle, info Info) *Session {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	r.seq++
	s := &Session{Info: info, handle: h, seq: r.seq}
	r.sessions[info.ID] = s
	return s
}

// Unregister removes id. It reports whether this call did the removal;
// removing an absent identity is a no-op. Once it returns, IfLive runs
// nothing more for id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.retire()
	return true
}

func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.handle, true
}

// IfLive runs fn while id is registered. Removal of id waits for fn to
// return; other sessions and registry operations do not. fn must not
// unregister id.
func (r *Registry) IfLive(id string, fn func()) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	if s.removed {
		return false
	}
	fn()
	return true
}

// Snapshot returns the live identities in registration order.
func (r *Registry) Snapshot() []string {
	infos := r.Sessions()
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids
}

// Sessions returns a copy of every live session's Info in registration order.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	result := make([]Info, len(list))
	for i, s := range list {
		result[i] = s.Info
	}
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll stops the registry from accepting sessions, removes every entry
// and closes its handle. Close errors are ignored. It returns how many
// sessions were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closed = true
	removed := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		removed = append(removed, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	// Close first so blocked readers wake up, then wait out any frame
	// still being forwarded.
	for _, s := range removed {
		_ = s.handle.Close()
	}
	for _, s := range removed {
		s.retire()
	}
	return len(removed)
}
