package presence

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertConsistent(t *testing.T, r *Registry) {
	t.Helper()

	r.mu.RLock()
	defer r.mu.RUnlock()

	require.Equal(t, len(r.byUser), len(r.byHandle))
	for handle, userID := range r.byHandle {
		assert.Equal(t, handle, r.byUser[userID], "reverse entry %s -> %s", handle, userID)
	}
	for userID, handle := range r.byUser {
		assert.Equal(t, userID, r.byHandle[handle], "forward entry %s -> %s", userID, handle)
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	_, replaced := r.Register("alice", "h1")
	assert.False(t, replaced)

	h, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "h1", h)

	u, ok := r.LookupIdentity("h1")
	require.True(t, ok)
	assert.Equal(t, "alice", u)

	_, ok = r.Lookup("bob")
	assert.False(t, ok)
}

func TestRegistry_ReRegisterPurgesOldHandle(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "h1")

	evicted, replaced := r.Register("alice", "h2")
	require.True(t, replaced)
	assert.Equal(t, "h1", evicted)

	_, ok := r.LookupIdentity("h1")
	assert.False(t, ok, "old handle must not resolve")

	h, _ := r.Lookup("alice")
	assert.Equal(t, "h2", h)
	assertConsistent(t, r)
}

func TestRegistry_RegisterSameHandleTwice(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "h1")

	_, replaced := r.Register("alice", "h1")
	assert.False(t, replaced)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "h1")

	userID, ok := r.Unregister("h1")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)

	_, ok = r.Lookup("alice")
	assert.False(t, ok)
	assert.Zero(t, r.Len())

	_, ok = r.Unregister("h1")
	assert.False(t, ok, "second unregister is a no-op")
}

func TestRegistry_StaleUnregisterKeepsNewerEntry(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "h1")
	r.Register("alice", "h2")

	_, ok := r.Unregister("h1")
	assert.False(t, ok)

	h, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "h2", h)
	assertConsistent(t, r)
}

func TestRegistry_Online(t *testing.T) {
	r := NewRegistry()
	r.Register("carol", "h3")
	r.Register("alice", "h1")
	r.Register("bob", "h2")

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Online())
}

func TestRegistry_RandomSequencesStayConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := NewRegistry()

	users := []string{"u1", "u2", "u3", "u4"}
	var handles []string
	for i := 0; i < 2000; i++ {
		if len(handles) == 0 || rng.Intn(3) > 0 {
			h := fmt.Sprintf("h%d", i)
			handles = append(handles, h)
			r.Register(users[rng.Intn(len(users))], h)
		} else {
			r.Unregister(handles[rng.Intn(len(handles))])
		}

		for _, h := range handles {
			if u, ok := r.LookupIdentity(h); ok {
				back, ok := r.Lookup(u)
				require.True(t, ok)
				require.Equal(t, h, back)
			}
		}
	}
	assertConsistent(t, r)
}

func TestRegistry_ConcurrentUsers(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", n)
			for j := 0; j < 100; j++ {
				h := fmt.Sprintf("%s-h%d", user, j)
				r.Register(user, h)
				if j%2 == 0 {
					r.Unregister(h)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
	assertConsistent(t, r)
}
