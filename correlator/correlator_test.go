package correlator

import (
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/Courier/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTable_ResolveOnce(t *testing.T) {
	table := New()
	sentAt := time.Now()
	id := table.Track(PingLatency(sentAt))

	route, ok := table.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, RoutePingLatency, route.Kind)
	assert.Equal(t, sentAt, route.SentAt)

	_, ok = table.Resolve(id)
	assert.False(t, ok, "a duplicate response must not be handled twice")
	assert.Zero(t, table.Len())
}

func TestTable_UnsolicitedMessage(t *testing.T) {
	table := New()
	table.Track(BanResult("bob"))

	_, ok := table.Resolve(protocol.NewMessageID())
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())
}

func TestTable_OutOfOrderCompletion(t *testing.T) {
	table := New()
	ping := table.Track(PingLatency(time.Now()))
	ban := table.Track(BanResult("mallory"))
	monitor := table.Track(ConnectionMonitor())

	route, ok := table.Resolve(monitor)
	require.True(t, ok)
	assert.Equal(t, RouteConnectionMonitor, route.Kind)

	route, ok = table.Resolve(ban)
	require.True(t, ok)
	assert.Equal(t, "mallory", route.Username)

	route, ok = table.Resolve(ping)
	require.True(t, ok)
	assert.Equal(t, RoutePingLatency, route.Kind)
}

func TestTable_TrackIDRejectsDuplicate(t *testing.T) {
	table := New()
	id := protocol.NewMessageID()
	require.NoError(t, table.TrackID(id, ConnectionMonitor()))
	assert.Error(t, table.TrackID(id, BanResult("x")))

	route, ok := table.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, RouteConnectionMonitor, route.Kind, "the first registration wins")
}

func TestTable_ForgetAndDrain(t *testing.T) {
	table := New()
	a := table.Track(ConnectionMonitor())
	table.Track(PingLatency(time.Now()))
	table.Forget(a)
	assert.Equal(t, 1, table.Len())

	drained := table.Drain()
	assert.Len(t, drained, 1)
	assert.Zero(t, table.Len())
}

func TestTable_ConcurrentResolveExactlyOnce(t *testing.T) {
	table := New()
	id := table.Track(BanResult("eve"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	hits := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := table.Resolve(id); ok {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, hits)
}

// Property: every tracked id resolves exactly once, whatever the resolution order.
func TestTable_ExactlyOnce_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := New()
		n := rapid.IntRange(1, 50).Draw(t, "n")
		ids := make([]protocol.MessageID, n)
		for i := range ids {
			ids[i] = table.Track(BanResult("user"))
		}

		order := rapid.Permutation(ids).Draw(t, "order")
		for _, id := range order {
			if _, ok := table.Resolve(id); !ok {
				t.Fatalf("id %s did not resolve", id)
			}
			if _, ok := table.Resolve(id); ok {
				t.Fatalf("id %s resolved twice", id)
			}
		}
		if table.Len() != 0 {
			t.Fatalf("%d ids left outstanding", table.Len())
		}
	})
}
