// Package routing implements the connector's longest-prefix routing table.
//
// The table is read-mostly: packet forwarding does a Lookup per packet
// while updates arrive rarely (operator config or follow-graph gossip).
// Readers take an atomic pointer to an immutable snapshot; the single
// writer rebuilds and publishes a new snapshot under a mutex. Lookups
// never block on updates.
package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/meshpay/connector/internal/packet"
)

// Source identifies where a route came from. Static routes dominate
// follow-graph routes at the same prefix.
type Source int

const (
	SourceStatic Source = iota
	SourceFollowGraph
)

func (s Source) String() string {
	switch s {
	case SourceStatic:
		return "static"
	case SourceFollowGraph:
		return "follow-graph"
	default:
		return "unknown"
	}
}

// Route maps an address prefix to the peer that packets for that prefix
// are forwarded to.
type Route struct {
	Prefix   packet.Address
	NextHop  string
	Priority int
	Source   Source
}

type routeKey struct {
	prefix packet.Address
	source Source
}

type entry struct {
	Route
	seq uint64 // insertion order, ties broken deterministically
}

// snapshot is the immutable view readers resolve lookups against.
type snapshot struct {
	// entries sorted by: more segments first, then static before
	// follow-graph, then insertion order. Lookup scans in order and
	// returns the first prefix match, which by construction is the
	// longest-prefix winner under the tie-break policy.
	entries []entry
}

// Table is the routing table. Zero value is not usable; use NewTable.
type Table struct {
	mu      sync.Mutex // serializes writers
	routes  map[routeKey]entry
	nextSeq uint64
	snap    atomic.Pointer[snapshot]
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	t := &Table{routes: make(map[routeKey]entry)}
	t.snap.Store(&snapshot{})
	return t
}

// Insert adds or replaces the route for (prefix, source). Replacing keeps
// the original insertion order so lookups stay deterministic across
// reconfigurations.
func (t *Table) Insert(r Route) error {
	if !r.Prefix.IsValid() {
		return fmt.Errorf("insert route: invalid prefix %q", r.Prefix)
	}
	if r.NextHop == "" {
		return fmt.Errorf("insert route %q: empty next hop", r.Prefix)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := routeKey{prefix: r.Prefix, source: r.Source}
	seq := t.nextSeq
	if prev, ok := t.routes[key]; ok {
		seq = prev.seq
	} else {
		t.nextSeq++
	}
	t.routes[key] = entry{Route: r, seq: seq}
	t.publishLocked()
	return nil
}

// Remove deletes the route for (prefix, source). Removing a route that
// does not exist is a no-op.
func (t *Table) Remove(prefix packet.Address, source Source) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.routes, routeKey{prefix: prefix, source: source})
	t.publishLocked()
}

// ReplaceSource atomically swaps every route of the given source for the
// provided set. The follow-graph router uses this to publish a rebuilt
// contribution without readers observing a half-applied update.
func (t *Table) ReplaceSource(source Source, routes []Route) error {
	for _, r := range routes {
		if !r.Prefix.IsValid() {
			return fmt.Errorf("replace %s routes: invalid prefix %q", source, r.Prefix)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.routes {
		if key.source == source {
			delete(t.routes, key)
		}
	}
	for _, r := range routes {
		r.Source = source
		t.routes[routeKey{prefix: r.Prefix, source: source}] = entry{Route: r, seq: t.nextSeq}
		t.nextSeq++
	}
	t.publishLocked()
	return nil
}

// publishLocked rebuilds the snapshot from the route map. Caller holds mu.
func (t *Table) publishLocked() {
	entries := make([]entry, 0, len(t.routes))
	for _, e := range t.routes {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		li, lj := len(entries[i].Prefix.Segments()), len(entries[j].Prefix.Segments())
		if li != lj {
			return li > lj
		}
		if entries[i].Source != entries[j].Source {
			return entries[i].Source < entries[j].Source
		}
		return entries[i].seq < entries[j].seq
	})
	t.snap.Store(&snapshot{entries: entries})
}

// Lookup returns the next hop of the route whose prefix is the longest
// prefix of address, with ties broken by source (static first) and then
// insertion order. The boolean is false when no route matches. There is
// no implicit default route.
func (t *Table) Lookup(address packet.Address) (string, bool) {
	snap := t.snap.Load()
	for _, e := range snap.entries {
		if address.HasPrefix(e.Prefix) {
			return e.NextHop, true
		}
	}
	return "", false
}

// Routes returns a copy of all current routes in lookup order.
func (t *Table) Routes() []Route {
	snap := t.snap.Load()
	out := make([]Route, len(snap.entries))
	for i, e := range snap.entries {
		out[i] = e.Route
	}
	return out
}

// Len returns the number of installed routes.
func (t *Table) Len() int {
	return len(t.snap.Load().entries)
}

// Topology declares, per node, which peers that node has an outbound
// link to. It is the operator's static view of the mesh used for
// configuration-time validation.
type Topology map[string][]string

// ValidateReachability confirms that every route's next hop is a declared
// peer of localNode. Unknown next hops produce warnings; next hops naming
// nodes absent from the topology entirely produce errors. The table is
// left untouched either way.
func (t *Table) ValidateReachability(localNode string, topo Topology) (warnings, errs []string) {
	peers := make(map[string]bool)
	for _, p := range topo[localNode] {
		peers[p] = true
	}

	for _, r := range t.Routes() {
		if peers[r.NextHop] {
			continue
		}
		if _, known := topo[r.NextHop]; !known {
			errs = append(errs, fmt.Sprintf("route %s: next hop %s is not a node in the topology", r.Prefix, r.NextHop))
			continue
		}
		warnings = append(warnings, fmt.Sprintf("route %s: next hop %s is not a declared peer of %s", r.Prefix, r.NextHop, localNode))
	}

	for _, w := range warnings {
		slog.Warn("routing validation", "node", localNode, "issue", w)
	}
	for _, e := range errs {
		slog.Error("routing validation", "node", localNode, "issue", e)
	}
	return warnings, errs
}

// DetectDisconnected returns the nodes in the topology that declare no
// outbound peers, sorted for determinism.
func DetectDisconnected(topo Topology) []string {
	var out []string
	for node, peers := range topo {
		if len(peers) == 0 {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}
