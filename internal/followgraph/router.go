package followgraph

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/meshpay/connector/internal/packet"
	"github.com/meshpay/connector/internal/routing"
)

// CodedError couples a wire reject code with a cause so the forwarding
// layer can answer gossip-triggered failures without guessing.
type CodedError struct {
	Code packet.ErrorCode
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// Store persists accepted follow events. The router only ever keeps the
// newest event per author, so persistence is a replace, not an append.
type Store interface {
	SaveFollowEvent(author, id string, createdAt int64, raw []byte) error
	DeleteFollowEvents(author string) error
}

// Router ingests follow-list events and maintains the derived
// address-prefix to peer mapping. It publishes its full contribution to
// the routing table on every accepted event; the table's snapshot
// discipline keeps packet forwarding off the rebuild path.
type Router struct {
	mu sync.RWMutex

	// newest accepted event per author pubkey; last-writer-wins by
	// created_at, older arrivals are dropped.
	authoritative map[string]*Event

	// pubkey of a followed peer -> follow entry (latest writer wins in
	// deterministic author order during rebuild).
	byPubkey map[string]Follow

	table *routing.Table
	store Store // nil disables persistence

	persistToDatabase bool
	logger            *slog.Logger
}

// NewRouter creates a follow-graph router bound to a routing table.
// Pass persist=false for read-only or replay contexts even when a store
// is configured.
func NewRouter(table *routing.Table, store Store, persist bool) *Router {
	return &Router{
		authoritative:     make(map[string]*Event),
		byPubkey:          make(map[string]Follow),
		table:             table,
		store:             store,
		persistToDatabase: persist,
		logger:            slog.With("component", "followgraph"),
	}
}

// UpdateFromFollowEvent validates and ingests one gossip event. Events of
// any kind other than follow-list fail with wire code F99. An event older
// than the author's current authoritative event is ignored without error:
// gossip is eventually consistent and out-of-order delivery is normal.
func (r *Router) UpdateFromFollowEvent(evt *Event) error {
	if err := evt.Verify(); err != nil {
		return &CodedError{Code: packet.CodeF99ApplicationError, Err: fmt.Errorf("follow event rejected: %w", err)}
	}
	if evt.Kind != KindFollowList {
		return &CodedError{
			Code: packet.CodeF99ApplicationError,
			Err:  fmt.Errorf("follow event rejected: kind %d is not follow-list", evt.Kind),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.authoritative[evt.Pubkey]
	if ok && prev.CreatedAt >= evt.CreatedAt {
		r.logger.Debug("stale follow event ignored",
			"author", evt.Pubkey, "created_at", evt.CreatedAt, "have", prev.CreatedAt)
		return nil
	}
	r.authoritative[evt.Pubkey] = evt

	if r.store != nil && r.persistToDatabase {
		raw, err := json.Marshal(evt)
		if err == nil {
			if err := r.store.DeleteFollowEvents(evt.Pubkey); err != nil {
				r.logger.Warn("prune replaced follow events failed", "author", evt.Pubkey, "error", err)
			}
			if err := r.store.SaveFollowEvent(evt.Pubkey, evt.ID, evt.CreatedAt, raw); err != nil {
				r.logger.Warn("persist follow event failed", "author", evt.Pubkey, "error", err)
			}
		}
	}

	r.rebuildLocked()
	return nil
}

// rebuildLocked recomputes the derived mapping and republishes the
// follow-graph routes. Authors fold in sorted key order so colliding
// pubkeys or prefixes resolve identically on every node. Caller holds mu.
func (r *Router) rebuildLocked() {
	byPubkey := make(map[string]Follow)
	var routes []routing.Route

	authors := make([]string, 0, len(r.authoritative))
	for a := range r.authoritative {
		authors = append(authors, a)
	}
	sort.Strings(authors)

	for _, a := range authors {
		for _, f := range r.authoritative[a].Follows() {
			byPubkey[f.Pubkey] = f
			routes = append(routes, routing.Route{
				Prefix:  f.Address,
				NextHop: f.PeerID,
				Source:  routing.SourceFollowGraph,
			})
		}
	}

	r.byPubkey = byPubkey
	if err := r.table.ReplaceSource(routing.SourceFollowGraph, routes); err != nil {
		r.logger.Error("publish follow-graph routes failed", "error", err)
	}
}

// GetNextHop resolves an address through the derived mapping only
// (ignoring static routes).
func (r *Router) GetNextHop(address packet.Address) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Longest prefix wins; equal lengths tie-break on pubkey so the
	// answer does not depend on map iteration order.
	var best Follow
	var bestPk string
	found := false
	for pk, f := range r.byPubkey {
		if !address.HasPrefix(f.Address) {
			continue
		}
		if !found || len(f.Address) > len(best.Address) ||
			(len(f.Address) == len(best.Address) && pk < bestPk) {
			best, bestPk, found = f, pk, true
		}
	}
	if !found {
		return "", false
	}
	return best.PeerID, true
}

// GetFollowByPubkey returns the follow entry for a peer public key.
func (r *Router) GetFollowByPubkey(pubkey string) (Follow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byPubkey[pubkey]
	return f, ok
}

// AuthorCount returns how many authors currently contribute to the graph.
func (r *Router) AuthorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.authoritative)
}
