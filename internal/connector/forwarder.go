package connector

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/events"
	"github.com/meshpay/connector/internal/ledger"
	"github.com/meshpay/connector/internal/packet"
	"github.com/meshpay/connector/internal/routing"
	"github.com/meshpay/connector/internal/telemetry"
)

// deadlineTick is how often the deadline monitor scans for expired
// in-flight prepares.
const deadlineTick = 50 * time.Millisecond

// LinkSender is the outbound half of a peer link.
type LinkSender interface {
	SendPrepare(p *packet.Prepare) error
	SendFulfill(f *packet.Fulfill) error
	SendReject(r *packet.Reject) error
}

type peerEntry struct {
	link  LinkSender
	token string
}

// Forwarder is the packet state machine: it takes prepares from peer
// links, delivers local ones to the handler adapter, forwards the rest
// along the routing table, and correlates each forwarded prepare with
// the fulfill or reject that comes back.
type Forwarder struct {
	nodeAddr      packet.Address
	localPrefixes []packet.Address
	table         *routing.Table
	ledger        *ledger.Ledger
	adapter       *HandlerAdapter
	emitter       events.Emitter
	clock         clock.Clock
	logger        *log.Logger

	mu    sync.RWMutex
	peers map[string]peerEntry

	pending   *pendingMap
	accepting atomic.Bool

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewForwarder builds the engine. emitter may be nil.
func NewForwarder(nodeAddr packet.Address, localPrefixes []packet.Address, table *routing.Table, lg *ledger.Ledger, adapter *HandlerAdapter, emitter events.Emitter, clk clock.Clock) *Forwarder {
	f := &Forwarder{
		nodeAddr:      nodeAddr,
		localPrefixes: localPrefixes,
		table:         table,
		ledger:        lg,
		adapter:       adapter,
		emitter:       emitter,
		clock:         clk,
		logger:        log.New(log.Writer(), "[Forwarder] ", log.LstdFlags),
		peers:         make(map[string]peerEntry),
		pending:       newPendingMap(),
		stop:          make(chan struct{}),
	}
	f.accepting.Store(true)
	return f
}

// Start launches the deadline monitor.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.deadlineLoop()
}

// RegisterPeer attaches an authenticated link for a peer and the token
// its bilateral account settles in.
func (f *Forwarder) RegisterPeer(peerID, token string, link LinkSender) {
	f.mu.Lock()
	f.peers[peerID] = peerEntry{link: link, token: token}
	f.mu.Unlock()
	f.logger.Printf("peer %s registered", peerID)
}

// UnregisterPeer detaches a dropped link and synthesizes T01 rejects
// for every prepare still awaiting that peer's response.
func (f *Forwarder) UnregisterPeer(peerID string) {
	f.mu.Lock()
	delete(f.peers, peerID)
	f.mu.Unlock()

	orphans := f.pending.DrainPeer(peerID)
	metricPendingPrepares.Set(float64(f.pending.Len()))
	for _, e := range orphans {
		f.rejectUpstream(e.UpstreamPeer, e.ID, packet.CodeT01PeerUnreachable, "Downstream peer disconnected")
	}
	if len(orphans) > 0 {
		f.logger.Printf("peer %s dropped with %d packets in flight", peerID, len(orphans))
	}
}

func (f *Forwarder) peer(peerID string) (peerEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.peers[peerID]
	return e, ok
}

// HandlePrepare runs one inbound prepare through the forwarding steps.
func (f *Forwarder) HandlePrepare(fromPeer string, p *packet.Prepare) {
	metricPacketsReceived.WithLabelValues("PREPARE").Inc()
	f.emit(telemetry.TypePacketReceived, map[string]interface{}{
		"packetId": p.ID, "peerId": fromPeer, "destination": string(p.Destination), "amount": p.Amount,
	})

	if !f.accepting.Load() {
		f.rejectUpstream(fromPeer, p.ID, packet.CodeT00InternalError, "Node is shutting down")
		return
	}

	now := f.clock.Now()
	if p.Expired(now) {
		f.rejectUpstream(fromPeer, p.ID, packet.CodeR00TransferTimedOut, "Payment has expired")
		return
	}

	upstream, ok := f.peer(fromPeer)
	if !ok {
		f.logger.Printf("prepare %s from unregistered peer %s, dropping", p.ID, fromPeer)
		return
	}
	if err := f.ledger.CheckPacketAmount(fromPeer, upstream.token, int64(p.Amount)); err != nil {
		f.logger.Printf("prepare %s refused: %v", p.ID, err)
		f.rejectUpstream(fromPeer, p.ID, packet.CodeF03InvalidAmount, "Amount exceeds link maximum")
		return
	}

	if f.isLocal(p.Destination) {
		f.deliverLocal(fromPeer, upstream.token, p)
		return
	}
	f.forward(fromPeer, p)
}

func (f *Forwarder) isLocal(dest packet.Address) bool {
	for _, prefix := range f.localPrefixes {
		if dest.HasPrefix(prefix) {
			return true
		}
	}
	return false
}

// deliverLocal hands the prepare to the business layer off the link's
// read loop, then answers upstream.
func (f *Forwarder) deliverLocal(fromPeer, token string, p *packet.Prepare) {
	metricPacketsDelivered.Inc()
	go func() {
		fulfill, reject := f.adapter.Deliver(p)
		if reject != nil {
			f.sendReject(fromPeer, reject)
			return
		}

		if err := f.ledger.CommitIncoming(fromPeer, token, int64(p.Amount)); err != nil {
			f.logger.Printf("ledger commit for %s failed: %v", p.ID, err)
		}
		if up, ok := f.peer(fromPeer); ok {
			if err := up.link.SendFulfill(fulfill); err != nil {
				f.logger.Printf("fulfill %s to %s failed: %v", p.ID, fromPeer, err)
				return
			}
		}
		f.emit(telemetry.TypePacketSent, map[string]interface{}{
			"packetId": p.ID, "peerId": fromPeer, "type": "FULFILL",
		})
	}()
}

// forward resolves the next hop and sends the prepare downstream with
// the same id and condition.
func (f *Forwarder) forward(fromPeer string, p *packet.Prepare) {
	nextHop, ok := f.table.Lookup(p.Destination)
	if !ok {
		f.rejectUpstream(fromPeer, p.ID, packet.CodeF02Unreachable, "No route to destination")
		return
	}
	if nextHop == fromPeer {
		// Forwarding straight back where it came from is a loop.
		f.rejectUpstream(fromPeer, p.ID, packet.CodeF02Unreachable, "Routing loop detected")
		return
	}

	downstream, ok := f.peer(nextHop)
	if !ok {
		f.rejectUpstream(fromPeer, p.ID, packet.CodeT01PeerUnreachable, "Next hop not connected")
		return
	}

	if err := f.ledger.CheckCapacity(nextHop, downstream.token, int64(p.Amount)); err != nil {
		f.logger.Printf("prepare %s refused: %v", p.ID, err)
		f.rejectUpstream(fromPeer, p.ID, packet.CodeT04InsufficientLiquidity, "Insufficient liquidity on next hop")
		return
	}

	entry := &PendingPrepare{
		ID:             p.ID,
		UpstreamPeer:   fromPeer,
		DownstreamPeer: nextHop,
		Amount:         p.Amount,
		Condition:      p.ExecutionCondition,
		Deadline:       p.ExpiresAt,
		SentAt:         f.clock.Now(),
	}
	if !f.pending.Insert(entry) {
		f.rejectUpstream(fromPeer, p.ID, packet.CodeF00BadRequest, "Duplicate packet id")
		return
	}
	metricPendingPrepares.Set(float64(f.pending.Len()))

	if err := downstream.link.SendPrepare(p); err != nil {
		f.logger.Printf("forward %s to %s failed: %v", p.ID, nextHop, err)
		f.pending.Resolve(nextHop, p.ID, PendingRejected)
		metricPendingPrepares.Set(float64(f.pending.Len()))
		f.rejectUpstream(fromPeer, p.ID, packet.CodeT01PeerUnreachable, "Next hop unreachable")
		return
	}

	metricPacketsForwarded.Inc()
	f.emit(telemetry.TypePacketSent, map[string]interface{}{
		"packetId": p.ID, "peerId": nextHop, "destination": string(p.Destination), "amount": p.Amount,
	})
}

// HandleFulfill correlates a downstream fulfill with its pending
// prepare, verifies the preimage, commits the hop, and relays upstream.
func (f *Forwarder) HandleFulfill(fromPeer string, fl *packet.Fulfill) {
	metricPacketsReceived.WithLabelValues("FULFILL").Inc()

	entry, ok := f.pending.Resolve(fromPeer, fl.ID, PendingFulfilled)
	if !ok {
		f.logger.Printf("late or unknown fulfill %s from %s, discarding", fl.ID, fromPeer)
		return
	}
	metricPendingPrepares.Set(float64(f.pending.Len()))
	metricFulfillLatency.Observe(f.clock.Now().Sub(entry.SentAt).Seconds())

	if !packet.VerifyFulfillment(fl.Fulfillment, entry.Condition) {
		f.logger.Printf("fulfill %s from %s does not match condition", fl.ID, fromPeer)
		f.rejectUpstream(entry.UpstreamPeer, fl.ID, packet.CodeF99ApplicationError, "Fulfillment does not match condition")
		return
	}

	up, upOK := f.peer(entry.UpstreamPeer)
	down, downOK := f.peer(entry.DownstreamPeer)
	if upOK && downOK {
		amount := int64(entry.Amount)
		if err := f.ledger.CommitHop(entry.UpstreamPeer, up.token, amount, entry.DownstreamPeer, down.token, amount); err != nil {
			f.logger.Printf("ledger commit for %s failed: %v", fl.ID, err)
		}
	}

	if !upOK {
		f.logger.Printf("fulfill %s has no upstream link %s", fl.ID, entry.UpstreamPeer)
		return
	}
	if err := up.link.SendFulfill(fl); err != nil {
		f.logger.Printf("fulfill %s to %s failed: %v", fl.ID, entry.UpstreamPeer, err)
		return
	}
	f.emit(telemetry.TypePacketSent, map[string]interface{}{
		"packetId": fl.ID, "peerId": entry.UpstreamPeer, "type": "FULFILL",
	})
}

// HandleReject relays a downstream reject upstream. A reject without a
// usable origin is restamped with this node's address.
func (f *Forwarder) HandleReject(fromPeer string, r *packet.Reject) {
	metricPacketsReceived.WithLabelValues("REJECT").Inc()

	entry, ok := f.pending.Resolve(fromPeer, r.ID, PendingRejected)
	if !ok {
		f.logger.Printf("late or unknown reject %s from %s, discarding", r.ID, fromPeer)
		return
	}
	metricPendingPrepares.Set(float64(f.pending.Len()))

	if !r.TriggeredBy.IsValid() {
		r.TriggeredBy = f.nodeAddr
	}
	f.sendReject(entry.UpstreamPeer, r)
}

// rejectUpstream synthesizes a reject originating at this node.
func (f *Forwarder) rejectUpstream(peerID, id string, code packet.ErrorCode, message string) {
	r, err := packet.NewReject(id, code, message, f.nodeAddr, nil)
	if err != nil {
		f.logger.Printf("reject construction for %s failed: %v", id, err)
		return
	}
	f.sendReject(peerID, r)
}

func (f *Forwarder) sendReject(peerID string, r *packet.Reject) {
	metricRejectsSent.WithLabelValues(string(r.Code)).Inc()

	peer, ok := f.peer(peerID)
	if !ok {
		f.logger.Printf("reject %s has no upstream link %s", r.ID, peerID)
		return
	}
	if err := peer.link.SendReject(r); err != nil {
		f.logger.Printf("reject %s to %s failed: %v", r.ID, peerID, err)
		return
	}
	f.emit(telemetry.TypePacketSent, map[string]interface{}{
		"packetId": r.ID, "peerId": peerID, "type": "REJECT", "code": string(r.Code),
	})
}

// deadlineLoop fires R00 upstream for every forwarded prepare whose
// deadline passes without a response.
func (f *Forwarder) deadlineLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(deadlineTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired := f.pending.Expire(f.clock.Now())
			if len(expired) == 0 {
				continue
			}
			metricPendingPrepares.Set(float64(f.pending.Len()))
			for _, e := range expired {
				f.logger.Printf("prepare %s to %s timed out", e.ID, e.DownstreamPeer)
				f.rejectUpstream(e.UpstreamPeer, e.ID, packet.CodeR00TransferTimedOut, "Transfer timed out")
			}
		case <-f.stop:
			return
		}
	}
}

// PendingCount reports the number of in-flight forwarded prepares.
func (f *Forwarder) PendingCount() int {
	return f.pending.Len()
}

// Shutdown stops intake, waits up to grace for in-flight prepares to
// resolve, then synthesizes T01 rejects for the remainder and stops the
// deadline monitor.
func (f *Forwarder) Shutdown(grace time.Duration) {
	f.accepting.Store(false)

	deadline := time.Now().Add(grace)
	for f.pending.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(deadlineTick)
	}

	remaining := f.pending.DrainAll()
	metricPendingPrepares.Set(0)
	for _, e := range remaining {
		f.rejectUpstream(e.UpstreamPeer, e.ID, packet.CodeT01PeerUnreachable, "Node shutting down")
	}
	if len(remaining) > 0 {
		f.logger.Printf("shutdown with %d unresolved packets", len(remaining))
	}

	f.once.Do(func() { close(f.stop) })
	f.wg.Wait()
}

func (f *Forwarder) emit(msgType telemetry.MessageType, data map[string]interface{}) {
	if f.emitter != nil {
		f.emitter.Emit(msgType, data)
	}
}
