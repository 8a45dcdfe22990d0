// Package ledger tracks bilateral balances with each peer and drives
// settlement when the amount owed crosses the configured threshold.
//
// Each (peer, token) pair is one account with its own lock. Balance is
// the net amount this node owes the peer: forwarding a fulfilled packet
// to a downstream peer increases what we owe them, while a fulfilled
// packet received from an upstream peer decreases what we owe (they now
// owe us). Settlement pays the peer down to zero.
package ledger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/events"
	"github.com/meshpay/connector/internal/store"
	"github.com/meshpay/connector/internal/telemetry"
)

// settlementChain identifies the settlement rail in balance_history
// rows. Peer accounts settle on the mesh itself, not an external chain.
const settlementChain = "mesh"

// SettlementState is the per-account settlement lifecycle.
type SettlementState string

const (
	StateIdle      SettlementState = "IDLE"
	StateTriggered SettlementState = "TRIGGERED"
	StateSettling  SettlementState = "SETTLING"
)

// SettlementExecutor performs the actual value transfer to a peer.
// Implementations are expected to be slow (on-chain or external rails);
// the ledger never calls them while holding an account lock.
type SettlementExecutor interface {
	ExecuteSettlement(peerID, tokenID string, amount int64) error
}

// AccountConfig is the per-peer account policy from the topology file.
type AccountConfig struct {
	CreditLimit         int64 // max we will owe the peer; 0 = unlimited
	SettlementThreshold int64 // owed amount that triggers settlement; 0 = never
	MaxPacketAmount     int64 // per-packet cap; 0 = unlimited
}

type account struct {
	mu      sync.Mutex
	peerID  string
	tokenID string
	cfg     AccountConfig

	balance      int64 // net owed to peer
	state        SettlementState
	pendingCheck bool  // threshold crossed while not Idle
	settleAmount int64 // amount captured at trigger time
}

type accountKey struct {
	peerID  string
	tokenID string
}

// Ledger holds all bilateral accounts plus the connector's fee income.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[accountKey]*account

	feeMu     sync.Mutex
	feeIncome map[string]int64 // token -> accumulated spread

	executor SettlementExecutor
	emitter  events.Emitter
	store    store.EventStore // nil = no balance-history persistence
	clock    clock.Clock
	logger   *log.Logger
}

// New creates a ledger. executor, emitter, and st may each be nil; a nil
// executor disables settlement execution (thresholds still emit events).
func New(executor SettlementExecutor, emitter events.Emitter, st store.EventStore, clk clock.Clock) *Ledger {
	return &Ledger{
		accounts:  make(map[accountKey]*account),
		feeIncome: make(map[string]int64),
		executor:  executor,
		emitter:   emitter,
		store:     st,
		clock:     clk,
		logger:    log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// RegisterAccount declares a bilateral account. Re-registering replaces
// the policy but keeps the running balance.
func (l *Ledger) RegisterAccount(peerID, tokenID string, cfg AccountConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := accountKey{peerID, tokenID}
	if acct, ok := l.accounts[k]; ok {
		acct.mu.Lock()
		acct.cfg = cfg
		acct.mu.Unlock()
		return
	}
	l.accounts[k] = &account{
		peerID:  peerID,
		tokenID: tokenID,
		cfg:     cfg,
		state:   StateIdle,
	}
}

func (l *Ledger) account(peerID, tokenID string) (*account, error) {
	l.mu.RLock()
	acct, ok := l.accounts[accountKey{peerID, tokenID}]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no account for peer %s token %s", peerID, tokenID)
	}
	return acct, nil
}

// CheckPacketAmount enforces only the per-packet cap for a peer. Used
// on the inbound side where no credit is being extended yet.
func (l *Ledger) CheckPacketAmount(peerID, tokenID string, amount int64) error {
	acct, err := l.account(peerID, tokenID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.cfg.MaxPacketAmount > 0 && amount > acct.cfg.MaxPacketAmount {
		return fmt.Errorf("amount %d exceeds max packet amount %d for peer %s", amount, acct.cfg.MaxPacketAmount, peerID)
	}
	return nil
}

// CheckCapacity reports whether forwarding amount to the peer stays
// within the per-packet cap and the credit limit. Used before a prepare
// is sent downstream.
func (l *Ledger) CheckCapacity(peerID, tokenID string, amount int64) error {
	acct, err := l.account(peerID, tokenID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.cfg.MaxPacketAmount > 0 && amount > acct.cfg.MaxPacketAmount {
		return fmt.Errorf("amount %d exceeds max packet amount %d for peer %s", amount, acct.cfg.MaxPacketAmount, peerID)
	}
	if acct.cfg.CreditLimit > 0 && acct.balance+amount > acct.cfg.CreditLimit {
		return fmt.Errorf("amount %d would exceed credit limit %d for peer %s (owed %d)", amount, acct.cfg.CreditLimit, peerID, acct.balance)
	}
	return nil
}

// CommitHop records a fulfilled forwarded packet: the upstream peer now
// owes us inAmount and we owe the downstream peer outAmount, each in
// that peer's settlement token. The spread is connector fee income in
// the upstream token. Both accounts are locked in lexicographic peer
// order so concurrent hops over the same pair cannot deadlock.
func (l *Ledger) CommitHop(upstreamPeer, upToken string, inAmount int64, downstreamPeer, downToken string, outAmount int64) error {
	up, err := l.account(upstreamPeer, upToken)
	if err != nil {
		return err
	}
	down, err := l.account(downstreamPeer, downToken)
	if err != nil {
		return err
	}

	if up == down {
		return fmt.Errorf("hop from peer %s back to itself", upstreamPeer)
	}

	first, second := up, down
	if down.peerID < up.peerID || (down.peerID == up.peerID && down.tokenID < up.tokenID) {
		first, second = down, up
	}
	first.mu.Lock()
	second.mu.Lock()

	up.balance -= inAmount
	down.balance += outAmount
	upBalance, downBalance := up.balance, down.balance
	settleUp := l.checkThresholdLocked(up)
	settleDown := l.checkThresholdLocked(down)

	second.mu.Unlock()
	first.mu.Unlock()

	if fee := inAmount - outAmount; fee != 0 && upToken == downToken {
		l.feeMu.Lock()
		l.feeIncome[upToken] += fee
		l.feeMu.Unlock()
	}

	l.emitBalance(upstreamPeer, upToken, upBalance)
	l.emitBalance(downstreamPeer, downToken, downBalance)
	l.maybeSettle(up, settleUp)
	l.maybeSettle(down, settleDown)
	return nil
}

// CommitIncoming records a fulfilled packet delivered locally: the
// upstream peer owes us the amount.
func (l *Ledger) CommitIncoming(upstreamPeer, tokenID string, amount int64) error {
	return l.adjust(upstreamPeer, tokenID, -amount)
}

// CommitOutgoing records a fulfilled locally-originated packet: we owe
// the downstream peer the amount.
func (l *Ledger) CommitOutgoing(downstreamPeer, tokenID string, amount int64) error {
	return l.adjust(downstreamPeer, tokenID, amount)
}

func (l *Ledger) adjust(peerID, tokenID string, delta int64) error {
	acct, err := l.account(peerID, tokenID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	acct.balance += delta
	balance := acct.balance
	settle := l.checkThresholdLocked(acct)
	acct.mu.Unlock()

	l.emitBalance(peerID, tokenID, balance)
	l.maybeSettle(acct, settle)
	return nil
}

// checkThresholdLocked evaluates the settlement threshold under the
// account lock. In Idle a crossing moves the account to Triggered and
// returns true; while busy it only marks the pending flag.
func (l *Ledger) checkThresholdLocked(acct *account) bool {
	net := acct.balance
	if net < 0 {
		net = -net
	}
	if acct.cfg.SettlementThreshold <= 0 || net < acct.cfg.SettlementThreshold {
		return false
	}
	if acct.state != StateIdle {
		acct.pendingCheck = true
		return false
	}
	acct.state = StateTriggered
	acct.settleAmount = acct.balance
	return true
}

func (l *Ledger) maybeSettle(acct *account, triggered bool) {
	if !triggered {
		return
	}

	acct.mu.Lock()
	amount := acct.settleAmount
	acct.mu.Unlock()

	l.logger.Printf("settlement triggered: peer=%s token=%s amount=%d", acct.peerID, acct.tokenID, amount)
	if l.emitter != nil {
		l.emitter.Emit(telemetry.TypeSettlementTriggered, map[string]interface{}{
			"peerId":  acct.peerID,
			"tokenId": acct.tokenID,
			"amount":  amount,
		})
	}

	go l.settle(acct, amount)
}

func (l *Ledger) settle(acct *account, amount int64) {
	acct.mu.Lock()
	acct.state = StateSettling
	acct.mu.Unlock()

	var err error
	if l.executor != nil {
		err = l.executor.ExecuteSettlement(acct.peerID, acct.tokenID, amount)
	}

	acct.mu.Lock()
	if err != nil {
		// Balance stands; the next mutation re-evaluates the threshold.
		acct.state = StateIdle
		acct.pendingCheck = false
		acct.mu.Unlock()
		l.logger.Printf("settlement failed: peer=%s token=%s amount=%d err=%v", acct.peerID, acct.tokenID, amount, err)
		if l.emitter != nil {
			l.emitter.Emit(telemetry.TypeSettlementCompleted, map[string]interface{}{
				"peerId":        acct.peerID,
				"tokenId":       acct.tokenID,
				"success":       false,
				"settledAmount": int64(0),
			})
		}
		return
	}

	acct.balance -= amount
	acct.state = StateIdle
	balance := acct.balance
	acct.mu.Unlock()

	l.logger.Printf("settlement completed: peer=%s token=%s amount=%d balance=%d", acct.peerID, acct.tokenID, amount, balance)
	if l.emitter != nil {
		l.emitter.Emit(telemetry.TypeSettlementCompleted, map[string]interface{}{
			"peerId":        acct.peerID,
			"tokenId":       acct.tokenID,
			"success":       true,
			"settledAmount": amount,
			"balance":       fmt.Sprintf("%d", balance),
		})
	}
	if l.store != nil {
		rec := balanceRecord(acct.peerID, acct.tokenID, balance, l.clock.Now())
		if serr := l.store.AppendBalanceHistory(rec); serr != nil {
			l.logger.Printf("balance history append failed: %v", serr)
		}
	}
	l.emitBalance(acct.peerID, acct.tokenID, balance)
	l.recheck(acct)
}

// recheck re-evaluates the threshold after a settlement attempt when a
// crossing happened while the account was busy.
func (l *Ledger) recheck(acct *account) {
	acct.mu.Lock()
	if !acct.pendingCheck {
		acct.mu.Unlock()
		return
	}
	acct.pendingCheck = false
	settle := l.checkThresholdLocked(acct)
	acct.mu.Unlock()

	l.maybeSettle(acct, settle)
}

func (l *Ledger) emitBalance(peerID, tokenID string, balance int64) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(telemetry.TypeAccountBalance, map[string]interface{}{
		"peerId":  peerID,
		"tokenId": tokenID,
		"balance": fmt.Sprintf("%d", balance),
	})
}

// Balance returns the net amount owed to the peer.
func (l *Ledger) Balance(peerID, tokenID string) (int64, error) {
	acct, err := l.account(peerID, tokenID)
	if err != nil {
		return 0, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

// State returns the account's settlement state.
func (l *Ledger) State(peerID, tokenID string) (SettlementState, error) {
	acct, err := l.account(peerID, tokenID)
	if err != nil {
		return "", err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.state, nil
}

// FeeIncome returns the accumulated forwarding spread for a token.
func (l *Ledger) FeeIncome(tokenID string) int64 {
	l.feeMu.Lock()
	defer l.feeMu.Unlock()
	return l.feeIncome[tokenID]
}

// Snapshot returns the current balance of every account. Used by the
// health endpoint and shutdown logging.
func (l *Ledger) Snapshot() []store.BalanceRecord {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accounts = append(accounts, acct)
	}
	l.mu.RUnlock()

	now := l.clock.Now()
	out := make([]store.BalanceRecord, 0, len(accounts))
	for _, acct := range accounts {
		acct.mu.Lock()
		out = append(out, balanceRecord(acct.peerID, acct.tokenID, acct.balance, now))
		acct.mu.Unlock()
	}
	return out
}

// balanceRecord maps an account onto a balance_history row: the peer is
// the counterparty agent and the settlement token is the asset column.
func balanceRecord(peerID, tokenID string, balance int64, ts time.Time) store.BalanceRecord {
	return store.BalanceRecord{
		AgentID:   peerID,
		Chain:     settlementChain,
		Token:     tokenID,
		Balance:   fmt.Sprintf("%d", balance),
		Timestamp: ts,
	}
}
