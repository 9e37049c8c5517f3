// Package presence tracks which users hold a live connection.
//
// The Registry is the only cross-connection mutable state of the relay. It
// keeps both directions of the mapping (user id -> peer, connection id ->
// identity) behind one mutex so they can never disagree.
package presence

import (
	"sync"

	"github.com/mahaj/clinic-chat/pkg/model"
)

const (
	CloseSuperseded       = 4001
	CloseSupersededReason = "Superseded by new connection"
)

// Peer is a live connection as seen by the registry.
type Peer interface {
	ConnID() string
	Identity() model.Participant
	// Send enqueues an encoded event without blocking.
	Send(payload []byte) error
	// Close must not block: it is called with the registry lock held.
	Close(code int, reason string)
}

type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Peer
	byConn map[string]model.Participant
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Peer),
		byConn: make(map[string]model.Participant),
	}
}

// Register makes p the user's only entry. A different existing peer for the
// same user is removed and closed with CloseSuperseded before p is stored.
// welcome, if non-nil, runs under the lock with the post-registration
// snapshot, so whatever it enqueues on p precedes any event another
// goroutine can address to p.
func (r *Registry) Register(p Peer, welcome func(active []model.Participant)) (superseded Peer) {
	who := p.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[who.ID]; ok && old.ConnID() != p.ConnID() {
		delete(r.byConn, old.ConnID())
		old.Close(CloseSuperseded, CloseSupersededReason)
		superseded = old
	}
	r.byUser[who.ID] = p
	r.byConn[p.ConnID()] = who

	if welcome != nil {
		welcome(r.listLocked())
	}
	return superseded
}

// Unregister removes p only if it is still the stored entry for its user,
// so a late close of a superseded connection cannot evict its successor.
func (r *Registry) Unregister(p Peer) bool {
	who := p.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[who.ID]
	if !ok || current.ConnID() != p.ConnID() {
		return false
	}
	delete(r.byUser, who.ID)
	delete(r.byConn, p.ConnID())
	return true
}

// Evict removes p like Unregister and closes it with code. It is how a
// connection superseded on another gateway is dropped here.
func (r *Registry) Evict(p Peer, code int, reason string) bool {
	who := p.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[who.ID]
	if !ok || current.ConnID() != p.ConnID() {
		return false
	}
	delete(r.byUser, who.ID)
	delete(r.byConn, p.ConnID())
	p.Close(code, reason)
	return true
}

// Lookup returns the live peer of userID.
func (r *Registry) Lookup(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUser[userID]
	return p, ok
}

// Identity returns who owns connection connID.
func (r *Registry) Identity(connID string) (model.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	who, ok := r.byConn[connID]
	return who, ok
}

// ListActive is a snapshot of every registered identity, sorted by username.
func (r *Registry) ListActive() []model.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

// Snapshot returns the peers matching keep. Callers iterate the copy, never
// the live map.
func (r *Registry) Snapshot(keep func(model.Participant) bool) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.byUser))
	for _, p := range r.byUser {
		if keep == nil || keep(p.Identity()) {
			peers = append(peers, p)
		}
	}
	return peers
}

// Others is Snapshot without userID.
func (r *Registry) Others(userID string) []Peer {
	return r.Snapshot(func(who model.Participant) bool { return who.ID != userID })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// CloseAll closes and forgets every peer.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.byUser))
	for _, p := range r.byUser {
		peers = append(peers, p)
	}
	r.byUser = make(map[string]Peer)
	r.byConn = make(map[string]model.Participant)
	r.mu.Unlock()

	for _, p := range peers {
		p.Close(code, reason)
	}
}

func (r *Registry) listLocked() []model.Participant {
	active := make([]model.Participant, 0, len(r.byConn))
	for _, who := range r.byConn {
		active = append(active, who)
	}
	sortParticipants(active)
	return active
}
