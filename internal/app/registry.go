package app

import (
	"sort"
	"sync"
	"time"

	"liveroom/internal/domain"
	"liveroom/internal/protocol"
)

// Conn is a live transport connection. Send must not block on the network; implementations queue
// the frame and report failure when the queue is full or the transport is gone.
type Conn interface {
	ID() string
	Send(msg protocol.Outbound) error
	Close() error
}

// Binding is the room and identity a connection is bound to.
type Binding struct {
	RoomID     string
	Role       domain.Role
	IdentityID string
}

type connEntry struct {
	binding  *Binding
	lastSeen time.Time
}

// Registry tracks live connections and what each one is bound to. It is the only structure shared
// across rooms and uses one coarse lock; connections bind once, not per message.
type Registry struct {
	mu       sync.RWMutex
	conns    map[Conn]*connEntry
	byRoom   map[string]map[Conn]struct{}
	onUnbind func(Conn, Binding)
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[Conn]*connEntry),
		byRoom: make(map[string]map[Conn]struct{}),
		now:    time.Now,
	}
}

// OnUnbind installs the disconnect notification. The hook runs outside the registry lock.
func (r *Registry) OnUnbind(fn func(Conn, Binding)) {
	r.mu.Lock()
	r.onUnbind = fn
	r.mu.Unlock()
}

// Open records a fresh, unbound connection.
func (r *Registry) Open(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		r.conns[c] = &connEntry{lastSeen: r.now()}
	}
}

// Bind attaches c to a room identity. A connection binds at most once.
func (r *Registry) Bind(c Conn, b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[c]
	if !ok {
		entry = &connEntry{}
		r.conns[c] = entry
	}
	if entry.binding != nil {
		return domain.ErrAlreadyJoined
	}
	entry.binding = &b
	entry.lastSeen = r.now()
	set, ok := r.byRoom[b.RoomID]
	if !ok {
		set = make(map[Conn]struct{})
		r.byRoom[b.RoomID] = set
	}
	set[c] = struct{}{}
	return nil
}

// Unbind detaches c from its room and notifies the disconnect hook. It is idempotent.
func (r *Registry) Unbind(c Conn) (Binding, bool) {
	r.mu.Lock()
	b, ok := r.unbindLocked(c)
	hook := r.onUnbind
	r.mu.Unlock()
	if ok && hook != nil {
		hook(c, b)
	}
	return b, ok
}

// Close is called on transport close: the connection is unbound and forgotten.
func (r *Registry) Close(c Conn) (Binding, bool) {
	b, ok := r.Unbind(c)
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
	return b, ok
}

func (r *Registry) unbindLocked(c Conn) (Binding, bool) {
	entry, ok := r.conns[c]
	if !ok || entry.binding == nil {
		return Binding{}, false
	}
	b := *entry.binding
	entry.binding = nil
	if set, ok := r.byRoom[b.RoomID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byRoom, b.RoomID)
		}
	}
	return b, true
}

// Lookup returns the binding of c, if any.
func (r *Registry) Lookup(c Conn) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[c]
	if !ok || entry.binding == nil {
		return Binding{}, false
	}
	return *entry.binding, true
}

// Touch refreshes lastSeen for c.
func (r *Registry) Touch(c Conn) {
	r.mu.Lock()
	if entry, ok := r.conns[c]; ok {
		entry.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// LastSeen reports when c last showed activity.
func (r *Registry) LastSeen(c Conn) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[c]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastSeen, true
}

// RoomConnections lists every connection bound to roomID, ordered by connection id.
func (r *Registry) RoomConnections(roomID string) []Conn {
	return r.filter(roomID, func(Binding) bool { return true })
}

// ParticipantConnections lists connections bound to any of the given participant ids.
func (r *Registry) ParticipantConnections(roomID string, ids []string) []Conn {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return r.filter(roomID, func(b Binding) bool {
		_, ok := want[b.IdentityID]
		return b.Role == domain.RoleParticipant && ok
	})
}

// Count returns how many connections are bound to roomID.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}

// Stats summarises the registry for health output.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"connections": len(r.conns),
		"rooms":       len(r.byRoom),
	}
}

func (r *Registry) filter(roomID string, keep func(Binding) bool) []Conn {
	r.mu.RLock()
	out := make([]Conn, 0, len(r.byRoom[roomID]))
	for c := range r.byRoom[roomID] {
		if entry := r.conns[c]; entry != nil && entry.binding != nil && keep(*entry.binding) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
