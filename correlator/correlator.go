// Package correlator remembers what to do with the response to each request
// sent on a multiplexed connection.
package correlator

import (
	"fmt"
	"sync"
	"time"

	"github.com/Mmx233/Courier/protocol"
)

// RouteKind is the closed set of things a response can be routed to.
type RouteKind int

const (
	RoutePingLatency RouteKind = iota + 1
	RouteBanResult
	RouteConnectionMonitor
)

func (k RouteKind) String() string {
	switch k {
	case RoutePingLatency:
		return "ping_latency"
	case RouteBanResult:
		return "ban_result"
	case RouteConnectionMonitor:
		return "connection_monitor"
	default:
		return "unknown"
	}
}

// Route says what to do once the response for a request arrives.
// Only the fields relevant to Kind are set.
type Route struct {
	Kind     RouteKind
	SentAt   time.Time // RoutePingLatency
	Username string    // RouteBanResult
}

// PingLatency routes a PingResponse into a latency measurement.
func PingLatency(sentAt time.Time) Route {
	return Route{Kind: RoutePingLatency, SentAt: sentAt}
}

// BanResult routes a UserBanResponse to the chat view of the banning user.
func BanResult(username string) Route {
	return Route{Kind: RouteBanResult, Username: username}
}

// ConnectionMonitor routes a ConnectionMonitorResponse to the monitor view.
func ConnectionMonitor() Route {
	return Route{Kind: RouteConnectionMonitor}
}

// Table maps outstanding message ids to their routes.
type Table struct {
	mu      sync.Mutex
	pending map[protocol.MessageID]Route
}

// New creates an empty table.
func New() *Table {
	return &Table{pending: make(map[protocol.MessageID]Route)}
}

// Track stamps a fresh id for an outbound request and remembers its route.
func (t *Table) Track(route Route) protocol.MessageID {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		id := protocol.NewMessageID()
		if _, exists := t.pending[id]; exists {
			continue
		}
		t.pending[id] = route
		return id
	}
}

// TrackID registers a caller supplied id. An id may only be outstanding once.
func (t *Table) TrackID(id protocol.MessageID, route Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return fmt.Errorf("message id %s already outstanding", id)
	}
	t.pending[id] = route
	return nil
}

// Resolve removes and returns the route for id. The second result is false for
// unsolicited messages and for duplicates of an already resolved response.
func (t *Table) Resolve(id protocol.MessageID) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	route, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return route, ok
}

// Forget drops an id whose request never made it onto the wire.
func (t *Table) Forget(id protocol.MessageID) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Drain removes every outstanding route, used when the connection goes away.
func (t *Table) Drain() map[protocol.MessageID]Route {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := t.pending
	t.pending = make(map[protocol.MessageID]Route)
	return drained
}
