package session

import (
	"sort"
	"sync"
	"time"

	"msggate/module/conversation"
	"msggate/service/transport"
)

// entry is one session in the directory. opMu serializes lifecycle operations
// (create, restart, logout, fault handling) of this id; mu guards the fields.
type entry struct {
	id    string
	opMu  sync.Mutex
	index *conversation.Index

	mu         sync.Mutex
	state      State
	qr         string
	selfID     string
	pushName   string
	webhookURL string
	secret     string
	createdAt  time.Time
	handle     transport.Handle
	gen        uint64 // bumped whenever handle is replaced or dropped
	lastDisc   *Disconnect
}

func (e *entry) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

// Registry is the session directory. It is the only structure shared by HTTP
// handlers and transport event pumps.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// addIfAbsent stores e unless id is taken; it returns whichever entry is in place.
func (r *Registry) addIfAbsent(e *entry) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.id]; ok {
		return cur, false
	}
	r.entries[e.id] = e
	return e, true
}

func (r *Registry) replace(old, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.id] != old {
		return false
	}
	r.entries[e.id] = e
	return true
}

// remove deletes id only if it still maps to e.
func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.id] == e {
		delete(r.entries, e.id)
	}
}

func (r *Registry) list() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
