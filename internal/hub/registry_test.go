package hub

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertIndexed checks that every id referenced by byUser or byRequest is
// present in connections, and that no empty sets are left behind.
func assertIndexed(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for user, ids := range r.byUser {
		assert.NotEmpty(t, ids, "empty user set for %s", user)
		for id := range ids {
			conn, ok := r.connections[id]
			if assert.True(t, ok, "byUser[%s] references unknown id %s", user, id) {
				assert.Equal(t, user, conn.userID)
			}
		}
	}
	for req, ids := range r.byRequest {
		assert.NotEmpty(t, ids, "empty request set for %s", req)
		for id := range ids {
			conn, ok := r.connections[id]
			if assert.True(t, ok, "byRequest[%s] references unknown id %s", req, id) {
				assert.Equal(t, req, conn.requestID)
			}
		}
	}
}

// assertAbsent checks that id is in none of the three maps.
func assertAbsent(t *testing.T, r *Registry, id string) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.connections[id]
	assert.False(t, ok, "id %s still in connections", id)
	for user, ids := range r.byUser {
		_, ok := ids[id]
		assert.False(t, ok, "id %s still in byUser[%s]", id, user)
	}
	for req, ids := range r.byRequest {
		_, ok := ids[id]
		assert.False(t, ok, "id %s still in byRequest[%s]", id, req)
	}
}

func register(t *testing.T, r *Registry, id, user string) *Mailbox {
	t.Helper()
	mb := NewMailbox(8)
	require.NoError(t, r.Register(id, user, mb))
	return mb
}

func drain(mb *Mailbox) []string {
	var out []string
	for {
		select {
		case msg, ok := <-mb.Messages():
			if !ok {
				return out
			}
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestRegistry_Register_IndexesByUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	register(t, r, "c1", "U1")
	register(t, r, "c2", "U1")
	register(t, r, "c3", "U2")

	assert.Equal(t, 3, r.Len())
	assert.ElementsMatch(t, []string{"c1", "c2"}, r.UserConnections("U1"))
	assert.ElementsMatch(t, []string{"c3"}, r.UserConnections("U2"))
	assertIndexed(t, r)
}

func TestRegistry_Register_RejectsDuplicateID(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	register(t, r, "c1", "U1")

	err := r.Register("c1", "U2", NewMailbox(1))
	assert.ErrorIs(t, err, ErrDuplicateConnection)
	assert.ElementsMatch(t, []string{"c1"}, r.UserConnections("U1"))
	assert.Empty(t, r.UserConnections("U2"))
}

func TestRegistry_BindToRequest(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	register(t, r, "c1", "U1")

	assert.False(t, r.HasRequestSubscribers("R1"))
	require.NoError(t, r.BindToRequest("c1", "R1"))
	assert.True(t, r.HasRequestSubscribers("R1"))

	require.NoError(t, r.BindToRequest("c1", "R1"), "rebinding to same request is a no-op")
	assert.ErrorIs(t, r.BindToRequest("c1", "R2"), ErrAlreadyBound)
	assert.ErrorIs(t, r.BindToRequest("ghost", "R1"), ErrUnknownConnection)
	assertIndexed(t, r)
}

func TestRegistry_Unregister_PurgesAllIndices(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	mb := register(t, r, "c1", "U1")
	require.NoError(t, r.BindToRequest("c1", "R1"))
	register(t, r, "c2", "U1")

	r.Unregister("c1")

	assertAbsent(t, r, "c1")
	assertIndexed(t, r)
	assert.False(t, r.HasRequestSubscribers("R1"))
	assert.ElementsMatch(t, []string{"c2"}, r.UserConnections("U1"))
	assert.True(t, mb.Closed(), "unregister closes the mailbox")
}

func TestRegistry_Unregister_IsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	register(t, r, "c1", "U1")

	assert.NotPanics(t, func() {
		r.Unregister("c1")
		r.Unregister("c1")
		r.Unregister("never-registered")
	})
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SendToUser_ReachesOnlyThatUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	a1 := register(t, r, "a1", "U1")
	a2 := register(t, r, "a2", "U1")
	b := register(t, r, "b", "U2")

	n := r.SendToUser("U1", []byte(`{"task_id":"T1"}`))

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{`{"task_id":"T1"}`}, drain(a1))
	assert.Equal(t, []string{`{"task_id":"T1"}`}, drain(a2))
	assert.Empty(t, drain(b))
}

func TestRegistry_SendToUser_NotRetroactive(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	register(t, r, "early", "U1")
	r.SendToUser("U1", []byte("m1"))

	late := register(t, r, "late", "U1")
	assert.Empty(t, drain(late), "later registrations never receive earlier messages")
}

func TestRegistry_SendToUser_UnknownUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	assert.Equal(t, 0, r.SendToUser("nobody", []byte("x")))
}

func TestRegistry_SendToRequest(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	watcher := register(t, r, "w", "U1")
	require.NoError(t, r.BindToRequest("w", "R1"))
	other := register(t, r, "o", "U1")

	n := r.SendToRequest("R1", []byte("progress"))

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"progress"}, drain(watcher))
	assert.Empty(t, drain(other))
}

func TestRegistry_SendToAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	a := register(t, r, "a", "U1")
	b := register(t, r, "b", "U2")

	assert.Equal(t, 2, r.SendToAll([]byte("hello")))
	assert.Equal(t, []string{"hello"}, drain(a))
	assert.Equal(t, []string{"hello"}, drain(b))
}

func TestRegistry_DeadMailbox_SelfHeals(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	dead := register(t, r, "dead", "U1")
	require.NoError(t, r.BindToRequest("dead", "R1"))
	live := register(t, r, "live", "U1")

	// Close behind the registry's back, as a crashed pump would.
	dead.Close()

	n := r.SendToUser("U1", []byte("m"))

	assert.Equal(t, 1, n, "remaining recipients still receive the message")
	assert.Equal(t, []string{"m"}, drain(live))
	assertAbsent(t, r, "dead")
	assertIndexed(t, r)
	assert.False(t, r.HasRequestSubscribers("R1"))
}

func TestRegistry_FullMailbox_DropsSlowClient(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	slow := NewMailbox(1)
	require.NoError(t, r.Register("slow", "U1", slow))

	assert.Equal(t, 1, r.SendToUser("U1", []byte("first")))
	assert.Equal(t, 0, r.SendToUser("U1", []byte("second")))

	assertAbsent(t, r, "slow")
	assert.True(t, slow.Closed())
}

func TestRegistry_StaleFailureDoesNotEvictNewRegistration(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	old := register(t, r, "c1", "U1")
	targets := []target{{id: "c1", mailbox: old}}

	r.Unregister("c1")
	fresh := register(t, r, "c1", "U1")

	r.deliver(ScopeUser, "U1", targets, []byte("x"))

	assert.Equal(t, 1, r.Len())
	assert.False(t, fresh.Closed())
}

func TestRegistry_ConcurrentOperations_KeepInvariant(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	users := []string{"U1", "U2", "U3"}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := fmt.Sprintf("w%d-c%d", w, i)
				user := users[rand.IntN(len(users))]
				mb := NewMailbox(2)
				if err := r.Register(id, user, mb); err != nil {
					t.Errorf("register %s: %v", id, err)
					return
				}
				if i%3 == 0 {
					_ = r.BindToRequest(id, fmt.Sprintf("R%d", i%5))
				}
				r.SendToUser(user, []byte("x"))
				r.SendToRequest(fmt.Sprintf("R%d", i%5), []byte("y"))
				if i%2 == 0 {
					r.Unregister(id)
				}
			}
		}()
	}
	wg.Wait()

	assertIndexed(t, r)
}
