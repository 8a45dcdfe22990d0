package security

import (
	"math"
	"sync"
	"time"

	"github.com/meshpay/connector/internal/clock"
)

const (
	// DefaultRapidFundingThreshold flags an agent with this many funding
	// requests within the last hour.
	DefaultRapidFundingThreshold = 5

	// DefaultDeviationFactor is the k in |amount − μ| > k·σ.
	DefaultDeviationFactor = 3.0

	// minSamplesForOutlier is the history size required before amount
	// deviation is meaningful.
	minSamplesForOutlier = 10
)

type txRecord struct {
	amount float64
	at     time.Time
}

type agentHistory struct {
	fundingRequests []time.Time
	transactions    map[string][]txRecord // token -> amounts
}

// SuspicionDetector tracks per-agent funding and transaction history and
// flags rapid funding bursts and statistical outlier amounts.
type SuspicionDetector struct {
	mu     sync.Mutex
	agents map[string]*agentHistory

	clock           clock.Clock
	rapidThreshold  int
	deviationFactor float64
}

// NewSuspicionDetector creates a detector with default thresholds.
func NewSuspicionDetector(clk clock.Clock) *SuspicionDetector {
	return &SuspicionDetector{
		agents:          make(map[string]*agentHistory),
		clock:           clk,
		rapidThreshold:  DefaultRapidFundingThreshold,
		deviationFactor: DefaultDeviationFactor,
	}
}

// SetThresholds overrides the rapid-funding count and deviation factor.
// Zero values keep the current setting.
func (sd *SuspicionDetector) SetThresholds(rapidFunding int, deviationFactor float64) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if rapidFunding > 0 {
		sd.rapidThreshold = rapidFunding
	}
	if deviationFactor > 0 {
		sd.deviationFactor = deviationFactor
	}
}

func (sd *SuspicionDetector) history(agentID string) *agentHistory {
	h, ok := sd.agents[agentID]
	if !ok {
		h = &agentHistory{transactions: make(map[string][]txRecord)}
		sd.agents[agentID] = h
	}
	return h
}

// RecordFundingRequest appends a funding request to the agent's history.
func (sd *SuspicionDetector) RecordFundingRequest(agentID string) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	h := sd.history(agentID)
	h.fundingRequests = append(h.fundingRequests, sd.clock.Now())
}

// RecordTransaction appends a transaction amount to the agent's per-token
// history.
func (sd *SuspicionDetector) RecordTransaction(agentID string, amount float64, token string) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	h := sd.history(agentID)
	h.transactions[token] = append(h.transactions[token], txRecord{amount: amount, at: sd.clock.Now()})
}

// DetectRapidFunding reports whether the agent has made at least the
// threshold number of funding requests within the last hour.
func (sd *SuspicionDetector) DetectRapidFunding(agentID string) bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	h, ok := sd.agents[agentID]
	if !ok {
		return false
	}

	cutoff := sd.clock.Now().Add(-time.Hour)
	recent := 0
	for _, at := range h.fundingRequests {
		if at.After(cutoff) {
			recent++
		}
	}
	return recent >= sd.rapidThreshold
}

// DetectUnusualTransactions reports whether amount is an outlier for
// (agentID, token). A token never seen for this agent is suspicious by
// definition. With fewer than 10 prior samples there is no baseline and
// the answer is false; otherwise the amount is flagged when it deviates
// from the historical mean by more than k standard deviations.
func (sd *SuspicionDetector) DetectUnusualTransactions(agentID string, amount float64, token string) bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	h, ok := sd.agents[agentID]
	if !ok {
		return true
	}
	records, ok := h.transactions[token]
	if !ok || len(records) == 0 {
		return true
	}
	if len(records) < minSamplesForOutlier {
		return false
	}

	var sum float64
	for _, rec := range records {
		sum += rec.amount
	}
	mean := sum / float64(len(records))

	var variance float64
	for _, rec := range records {
		d := rec.amount - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(records)))

	return math.Abs(amount-mean) > sd.deviationFactor*stddev
}
