package presence

import (
	"sort"
	"sync"

	"github.com/mahaj/clinic-chat/pkg/model"
)

// Roster holds the users connected to other gateways, as announced on the
// delivery bus. Each entry remembers the gateway that announced it so a late
// leave from an older gateway cannot remove a newer session.
type Roster struct {
	mu    sync.RWMutex
	users map[string]rosterEntry
}

type rosterEntry struct {
	who    model.Participant
	origin string
}

func NewRoster() *Roster {
	return &Roster{users: make(map[string]rosterEntry)}
}

// Add records who as connected through origin. An empty origin means the
// holder is unknown (seeded from the mirror).
func (r *Roster) Add(who model.Participant, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[who.ID] = rosterEntry{who: who, origin: origin}
}

// Remove drops userID if origin still holds it.
func (r *Roster) Remove(userID, origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok || (e.origin != "" && e.origin != origin) {
		return false
	}
	delete(r.users, userID)
	return true
}

// Forget drops userID whoever holds it.
func (r *Roster) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
}

func (r *Roster) Get(userID string) (model.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	return e.who, ok
}

func (r *Roster) List() []model.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Participant, 0, len(r.users))
	for _, e := range r.users {
		out = append(out, e.who)
	}
	return out
}

// Merge returns local plus every roster user not in local, sorted like
// Registry.ListActive.
func Merge(local, remote []model.Participant) []model.Participant {
	seen := make(map[string]bool, len(local))
	out := make([]model.Participant, 0, len(local)+len(remote))
	for _, who := range local {
		seen[who.ID] = true
		out = append(out, who)
	}
	for _, who := range remote {
		if !seen[who.ID] {
			out = append(out, who)
		}
	}
	sortParticipants(out)
	return out
}

func sortParticipants(ps []model.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Username != ps[j].Username {
			return ps[i].Username < ps[j].Username
		}
		return ps[i].ID < ps[j].ID
	})
}
