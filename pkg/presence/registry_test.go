package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/clinic-chat/pkg/model"
)

type fakePeer struct {
	id  string
	who model.Participant

	mu     sync.Mutex
	closed bool
	code   int
	reason string
}

func newPeer(connID, userID, username string) *fakePeer {
	return &fakePeer{id: connID, who: model.Participant{ID: userID, Username: username}}
}

func (p *fakePeer) ConnID() string              { return p.id }
func (p *fakePeer) Identity() model.Participant { return p.who }
func (p *fakePeer) Send([]byte) error           { return nil }

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed, p.code, p.reason = true, code, reason
	}
}

func (p *fakePeer) closeCode() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.code
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	a := newPeer("c1", "1", "alice")

	var welcomed []model.Participant
	prev := r.Register(a, func(active []model.Participant) { welcomed = active })
	assert.Nil(t, prev)
	assert.Equal(t, []model.Participant{{ID: "1", Username: "alice"}}, welcomed)

	got, ok := r.Lookup("1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConnID())

	who, ok := r.Identity("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", who.Username)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterSupersedes(t *testing.T) {
	r := NewRegistry()
	old := newPeer("c1", "1", "alice")
	fresh := newPeer("c2", "1", "alice")

	r.Register(old, nil)
	prev := r.Register(fresh, nil)

	require.NotNil(t, prev)
	assert.Equal(t, "c1", prev.ConnID())
	closed, code := old.closeCode()
	assert.True(t, closed)
	assert.Equal(t, CloseSuperseded, code)

	assert.Equal(t, 1, r.Len())
	got, _ := r.Lookup("1")
	assert.Equal(t, "c2", got.ConnID())
	_, ok := r.Identity("c1")
	assert.False(t, ok)

	// The superseded connection's own teardown must not evict its successor.
	assert.False(t, r.Unregister(old))
	got, ok = r.Lookup("1")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ConnID())

	assert.True(t, r.Unregister(fresh))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Unregister(fresh))
}

func TestRegisterSameHandleTwice(t *testing.T) {
	r := NewRegistry()
	a := newPeer("c1", "1", "alice")
	r.Register(a, nil)
	assert.Nil(t, r.Register(a, nil))
	closed, _ := a.closeCode()
	assert.False(t, closed)
}

func TestConcurrentRegisterKeepsOneEntry(t *testing.T) {
	r := NewRegistry()
	peers := make([]*fakePeer, 50)
	for i := range peers {
		peers[i] = newPeer(fmt.Sprintf("c%d", i), "1", "alice")
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *fakePeer) {
			defer wg.Done()
			r.Register(p, nil)
		}(p)
	}
	wg.Wait()

	require.Equal(t, 1, r.Len())
	winner, _ := r.Lookup("1")
	open := 0
	for _, p := range peers {
		closed, _ := p.closeCode()
		if !closed {
			open++
			assert.Equal(t, winner.ConnID(), p.ConnID())
		}
	}
	assert.Equal(t, 1, open)
	assert.Len(t, r.ListActive(), 1)
}

func TestOthersAndListActive(t *testing.T) {
	r := NewRegistry()
	r.Register(newPeer("c1", "1", "carol"), nil)
	r.Register(newPeer("c2", "2", "alice"), nil)
	r.Register(newPeer("c3", "3", "bob"), nil)

	others := r.Others("2")
	require.Len(t, others, 2)
	for _, p := range others {
		assert.NotEqual(t, "2", p.Identity().ID)
	}

	active := r.ListActive()
	require.Len(t, active, 3)
	assert.Equal(t, "alice", active[0].Username)
	assert.Equal(t, "bob", active[1].Username)
	assert.Equal(t, "carol", active[2].Username)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()
	a := newPeer("c1", "1", "alice")
	b := newPeer("c2", "2", "bob")
	r.Register(a, nil)
	r.Register(b, nil)

	r.CloseAll(1001, "bye")
	assert.Equal(t, 0, r.Len())
	for _, p := range []*fakePeer{a, b} {
		closed, code := p.closeCode()
		assert.True(t, closed)
		assert.Equal(t, 1001, code)
	}
}

func TestEvict(t *testing.T) {
	r := NewRegistry()
	old := newPeer("c1", "1", "alice")
	fresh := newPeer("c2", "1", "alice")
	r.Register(old, nil)

	assert.True(t, r.Evict(old, CloseSuperseded, CloseSupersededReason))
	closed, code := old.closeCode()
	assert.True(t, closed)
	assert.Equal(t, CloseSuperseded, code)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Unregister(old), "an evicted peer's teardown is a no-op")

	r.Register(fresh, nil)
	assert.False(t, r.Evict(old, CloseSuperseded, CloseSupersededReason), "only the stored handle is evicted")
	closed, _ = fresh.closeCode()
	assert.False(t, closed)
	assert.Equal(t, 1, r.Len())
}
