package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	err := r.Register(AgentIdentity{
		ID:           "agent-a",
		Address:      "http://localhost:8081",
		Capabilities: []string{"task.summarize"},
	})
	require.NoError(t, err)

	got, err := r.Lookup("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081", got.Address)
	assert.True(t, got.HasCapability("task.summarize"))
	assert.False(t, got.HasCapability("data.read"))
	assert.False(t, got.LastSeen.IsZero())
}

func TestLookupUnknown(t *testing.T) {
	r := New()

	_, err := r.Lookup("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	assert.Error(t, r.Register(AgentIdentity{Address: "http://x"}))
	assert.Error(t, r.Register(AgentIdentity{ID: "a"}))
}

func TestReRegisterRefreshes(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(WithTTL(time.Minute), WithClock(clock))

	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1", Capabilities: []string{"x.one"}}))

	now = now.Add(30 * time.Second)
	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1", Capabilities: []string{"x.two"}}))

	got, err := r.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x.two"}, got.Capabilities)
	assert.Equal(t, now, got.LastSeen)
}

func TestDuplicateAddressConflict(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(WithTTL(time.Minute), WithClock(clock))

	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "shared"}))

	err := r.Register(AgentIdentity{ID: "b", Address: "shared"})
	assert.ErrorIs(t, err, ErrDuplicateAddress)

	// Once the holder expires the address becomes claimable.
	now = now.Add(2 * time.Minute)
	require.NoError(t, r.Register(AgentIdentity{ID: "b", Address: "shared"}))

	_, err = r.Lookup("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddressMoveReleasesOldClaim(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1"}))
	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-2"}))

	// addr-1 is free again.
	require.NoError(t, r.Register(AgentIdentity{ID: "b", Address: "addr-1"}))
}

func TestLazyExpiryOnLookup(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(WithTTL(time.Minute), WithClock(clock))

	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1"}))

	now = now.Add(61 * time.Second)
	_, err := r.Lookup("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestTouchExtendsLiveness(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(WithTTL(time.Minute), WithClock(clock))

	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1"}))

	now = now.Add(45 * time.Second)
	r.Touch("a")

	now = now.Add(45 * time.Second)
	_, err := r.Lookup("a")
	require.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(WithTTL(time.Minute), WithClock(clock))

	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1"}))
	require.NoError(t, r.Register(AgentIdentity{ID: "b", Address: "addr-2"}))

	now = now.Add(30 * time.Second)
	r.Touch("b")

	removed := r.SweepExpired(now.Add(45 * time.Second))
	assert.Equal(t, []string{"a"}, removed)

	_, err := r.Lookup("b")
	require.NoError(t, err)
}

func TestDeregister(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1"}))
	require.NoError(t, r.Deregister("a"))
	assert.ErrorIs(t, r.Deregister("a"), ErrNotFound)
}

func TestListAndClear(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(AgentIdentity{ID: "b", Address: "addr-2"}))
	require.NoError(t, r.Register(AgentIdentity{ID: "a", Address: "addr-1"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(AgentIdentity{ID: "hub", Address: "addr-hub"}))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = r.Lookup("hub")
				r.Touch("hub")
			}
		}()
	}
	wg.Wait()

	_, err := r.Lookup("hub")
	require.NoError(t, err)
}
