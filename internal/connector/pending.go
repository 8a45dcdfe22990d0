package connector

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/meshpay/connector/internal/packet"
)

const pendingShardCount = 16

// PendingState is the lifecycle of an in-flight forwarded prepare.
// Transitions are monotonic: Sent moves to exactly one terminal state.
type PendingState uint8

const (
	PendingSent PendingState = iota + 1
	PendingFulfilled
	PendingRejected
	PendingTimedOut
)

// PendingPrepare correlates an outbound prepare with the eventual
// response from the downstream peer.
type PendingPrepare struct {
	ID             string
	UpstreamPeer   string
	DownstreamPeer string
	Amount         uint64
	Condition      [packet.ConditionSize]byte
	Deadline       time.Time
	SentAt         time.Time

	state PendingState
}

type pendingShard struct {
	mu      sync.Mutex
	entries map[string]*PendingPrepare
}

// pendingMap shards in-flight entries by downstream peer so hot links
// do not contend on one lock.
type pendingMap struct {
	shards [pendingShardCount]pendingShard
}

func newPendingMap() *pendingMap {
	pm := &pendingMap{}
	for i := range pm.shards {
		pm.shards[i].entries = make(map[string]*PendingPrepare)
	}
	return pm
}

func (pm *pendingMap) shard(downstreamPeer string) *pendingShard {
	h := fnv.New32a()
	h.Write([]byte(downstreamPeer))
	return &pm.shards[h.Sum32()%pendingShardCount]
}

// Insert records a new in-flight prepare. A second entry with the same
// id on the same link is refused.
func (pm *pendingMap) Insert(e *PendingPrepare) bool {
	s := pm.shard(e.DownstreamPeer)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return false
	}
	e.state = PendingSent
	s.entries[e.ID] = e
	return true
}

// Resolve transitions the entry for (downstreamPeer, id) to a terminal
// state and removes it. Returns false when there is no live entry, which
// means the response is late, duplicated, or from the wrong peer.
func (pm *pendingMap) Resolve(downstreamPeer, id string, to PendingState) (*PendingPrepare, bool) {
	s := pm.shard(downstreamPeer)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.DownstreamPeer != downstreamPeer || e.state != PendingSent {
		return nil, false
	}
	e.state = to
	delete(s.entries, id)
	return e, true
}

// Expire removes and returns every entry past its deadline at now.
func (pm *pendingMap) Expire(now time.Time) []*PendingPrepare {
	var out []*PendingPrepare
	for i := range pm.shards {
		s := &pm.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if !now.Before(e.Deadline) {
				e.state = PendingTimedOut
				delete(s.entries, id)
				out = append(out, e)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// DrainPeer removes every entry awaiting a response from the given
// downstream peer. Used when a link drops.
func (pm *pendingMap) DrainPeer(downstreamPeer string) []*PendingPrepare {
	s := pm.shard(downstreamPeer)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PendingPrepare
	for id, e := range s.entries {
		if e.DownstreamPeer == downstreamPeer {
			e.state = PendingRejected
			delete(s.entries, id)
			out = append(out, e)
		}
	}
	return out
}

// DrainAll removes every remaining entry. Used at shutdown.
func (pm *pendingMap) DrainAll() []*PendingPrepare {
	var out []*PendingPrepare
	for i := range pm.shards {
		s := &pm.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			e.state = PendingRejected
			delete(s.entries, id)
			out = append(out, e)
		}
		s.mu.Unlock()
	}
	return out
}

// Len returns the number of in-flight entries.
func (pm *pendingMap) Len() int {
	n := 0
	for i := range pm.shards {
		s := &pm.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
