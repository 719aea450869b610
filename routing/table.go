// Package routing holds the mesh routing table: which routers currently
// advertise reachability to which identities.
package routing

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/opd-ai/radon/crypto"
)

// route is one router listed for a destination together with the peers
// whose announcements put it there.
type route struct {
	router  crypto.PublicKey
	sources mapset.Set[crypto.PublicKey]
}

// Table maps a destination identity to the ordered list of routers that
// can reach it. A destination with no routers is absent.
//
// Every listed router remembers which sources contributed it: the local
// identity for routes it holds itself, or the upstream router whose
// announcement or table push carried it. Entries naming the local
// identity as router belong to the local identity alone; other sources
// can neither add nor retract them.
//
// Table is safe for concurrent use. Callers that need a read followed by
// dependent writes (such as a mutation followed by propagation) must
// serialize that sequence themselves.
type Table struct {
	self   crypto.PublicKey
	mu     sync.RWMutex
	routes map[crypto.PublicKey][]*route
}

// NewTable creates an empty routing table owned by self.
func NewTable(self crypto.PublicKey) *Table {
	return &Table{
		self:   self,
		routes: make(map[crypto.PublicKey][]*route),
	}
}

// Self returns the identity that owns the table.
func (t *Table) Self() crypto.PublicKey {
	return t.self
}

// foreignClaim reports whether source is asserting something about the
// local identity's own routes.
func (t *Table) foreignClaim(source, router crypto.PublicKey) bool {
	return router == t.self && source != t.self
}

// Add records that source announced router for client. It reports whether
// router is newly listed for client.
func (t *Table) Add(source, client, router crypto.PublicKey) bool {
	if t.foreignClaim(source, router) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.add(source, client, router)
}

func (t *Table) add(source, client, router crypto.PublicKey) bool {
	routes := t.routes[client]
	if i := indexOf(routes, router); i >= 0 {
		routes[i].sources.Add(source)
		return false
	}

	t.routes[client] = append(routes, &route{
		router:  router,
		sources: mapset.NewThreadUnsafeSet(source),
	})
	return true
}

// Remove retracts router from the entry for client regardless of which
// sources listed it. Retractions of the local identity's routes are
// honored only from the local identity. It reports whether the table
// changed.
func (t *Table) Remove(source, client, router crypto.PublicKey) bool {
	if t.foreignClaim(source, router) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	routes := t.routes[client]
	i := indexOf(routes, router)
	if i < 0 {
		return false
	}

	t.store(client, append(routes[:i:i], routes[i+1:]...))
	return true
}

// Merge applies a full-table push from source. For every destination in
// routes, whatever source contributed earlier is replaced by the pushed
// list; contributions from other sources and destinations absent from
// the push are left alone. Duplicate routers in a pushed list collapse,
// keeping first occurrence order.
func (t *Table) Merge(source crypto.PublicKey, routes map[crypto.PublicKey][]crypto.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for client, routers := range routes {
		kept := make([]*route, 0, len(t.routes[client]))
		for _, r := range t.routes[client] {
			r.sources.Remove(source)
			if r.sources.Cardinality() > 0 {
				kept = append(kept, r)
			}
		}
		t.store(client, kept)

		for _, router := range routers {
			if !t.foreignClaim(source, router) {
				t.add(source, client, router)
			}
		}
	}
}

// store replaces the entry for client, deleting it when empty. Callers
// hold t.mu.
func (t *Table) store(client crypto.PublicKey, routes []*route) {
	if len(routes) == 0 {
		delete(t.routes, client)
		return
	}
	t.routes[client] = routes
}

// Routers returns a copy of the routers advertising client.
func (t *Table) Routers(client crypto.PublicKey) []crypto.PublicKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return routerList(t.routes[client])
}

// Has reports whether router is listed for client.
func (t *Table) Has(client, router crypto.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return indexOf(t.routes[client], router) >= 0
}

// Snapshot returns a deep copy of the whole table.
func (t *Table) Snapshot() map[crypto.PublicKey][]crypto.PublicKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[crypto.PublicKey][]crypto.PublicKey, len(t.routes))
	for client, routes := range t.routes {
		out[client] = routerList(routes)
	}
	return out
}

// Destinations returns every known destination in canonical text order.
func (t *Table) Destinations() []crypto.PublicKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]crypto.PublicKey, 0, len(t.routes))
	for client := range t.routes {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Len returns the number of reachable destinations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.routes)
}

func routerList(routes []*route) []crypto.PublicKey {
	if len(routes) == 0 {
		return nil
	}
	out := make([]crypto.PublicKey, len(routes))
	for i, r := range routes {
		out[i] = r.router
	}
	return out
}

func indexOf(routes []*route, router crypto.PublicKey) int {
	for i, r := range routes {
		if r.router == router {
			return i
		}
	}
	return -1
}
