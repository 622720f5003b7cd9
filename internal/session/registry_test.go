package session

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/fabricgw/internal/log"
)

func TestMain(m *testing.M) {
	log.SetupLevel("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func testConn(id string) *Connection {
	return newConnection(ConnInfo{ID: id}, 8, 8)
}

func TestRegistryRegisterAssignsUniqueTokens(t *testing.T) {
	r := NewRegistry()
	a, b := testConn("a"), testConn("b")

	ta := r.Register(a)
	tb := r.Register(b)

	assert.NotEqual(t, ta, tb)
	assert.True(t, r.IsLive(ta))
	assert.True(t, r.IsLive(tb))
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(ta)
	assert.True(t, ok)
	assert.Same(t, a, got)
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := testConn("a")
	tok := r.Register(c)

	assert.True(t, r.Unregister(tok))
	assert.False(t, c.live, "liveness flips on unregister")
	assert.False(t, r.IsLive(tok))

	assert.False(t, r.Unregister(tok))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryTokensAreNotReused(t *testing.T) {
	r := NewRegistry()
	first := r.Register(testConn("a"))
	r.Unregister(first)
	second := r.Register(testConn("b"))
	assert.Greater(t, second, first)
}

func TestRegistryForEachLiveInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c", "d"} {
		r.Register(testConn(id))
	}
	r.Unregister(2)

	var seen []string
	r.ForEachLive(func(c *Connection) { seen = append(seen, c.ID) })
	assert.Equal(t, []string{"a", "c", "d"}, seen)
}

func TestRegistryForEachLiveToleratesRemoval(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		r.Register(testConn(id))
	}

	var seen []string
	r.ForEachLive(func(c *Connection) {
		seen = append(seen, c.ID)
		if c.ID == "a" {
			r.Unregister(2)
		}
	})
	assert.Equal(t, []string{"a", "c"}, seen)
	assert.Len(t, r.Live(), 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
