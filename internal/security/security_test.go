package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/store"
)

func newMock() *clock.MockClock {
	return clock.NewMock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
}

func TestRateLimiterExhaustionAndRecovery(t *testing.T) {
	clk := newMock()
	rl := NewRateLimiter(clk)
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		require.True(t, rl.CheckRateLimit("wallet_creation", "agent-1"), "call %d", i+1)
	}
	assert.False(t, rl.CheckRateLimit("wallet_creation", "agent-1"), "101st call must fail")
	assert.Equal(t, 100, rl.GetOperationCount("wallet_creation", "agent-1"))

	// A refused call must not extend the window.
	clk.Advance(time.Hour + time.Second)
	assert.True(t, rl.CheckRateLimit("wallet_creation", "agent-1"))
	assert.Equal(t, 1, rl.GetOperationCount("wallet_creation", "agent-1"))
}

func TestRateLimiterPerOperationLimits(t *testing.T) {
	clk := newMock()
	rl := NewRateLimiter(clk)
	defer rl.Stop()

	for i := 0; i < 50; i++ {
		require.True(t, rl.CheckRateLimit("funding_request", "agent-1"))
	}
	assert.False(t, rl.CheckRateLimit("funding_request", "agent-1"))

	// Unknown operations default to 100.
	assert.Equal(t, 100, LimitFor("never_seen_before"))
	assert.Equal(t, 50, LimitFor("funding_request"))
}

func TestRateLimiterIdentifierIsolation(t *testing.T) {
	clk := newMock()
	rl := NewRateLimiter(clk)
	defer rl.Stop()

	for i := 0; i < 50; i++ {
		require.True(t, rl.CheckRateLimit("funding_request", "agent-1"))
	}
	assert.False(t, rl.CheckRateLimit("funding_request", "agent-1"))

	// A different identifier has its own window.
	assert.True(t, rl.CheckRateLimit("funding_request", "agent-2"))

	// And so does a different operation for the same identifier.
	assert.True(t, rl.CheckRateLimit("wallet_creation", "agent-1"))
}

func TestRateLimiterWindowInvariant(t *testing.T) {
	clk := newMock()
	rl := NewRateLimiter(clk)
	defer rl.Stop()

	rl.RecordOperation("op", "id")
	rl.RecordOperation("op", "id")
	clk.Advance(30 * time.Minute)
	rl.RecordOperation("op", "id")
	assert.Equal(t, 3, rl.GetOperationCount("op", "id"))

	// The first two fall out after another 31 minutes.
	clk.Advance(31 * time.Minute)
	assert.Equal(t, 1, rl.GetOperationCount("op", "id"))

	clk.Advance(time.Hour)
	assert.Equal(t, 0, rl.GetOperationCount("op", "id"))
}

func TestRateLimitError(t *testing.T) {
	err := &RateLimitError{Operation: "wallet_creation", Limit: 100}
	assert.Contains(t, err.Error(), "RateLimitExceeded")
	assert.Contains(t, err.Error(), "wallet_creation")
}

func TestDetectRapidFunding(t *testing.T) {
	clk := newMock()
	sd := NewSuspicionDetector(clk)

	for i := 0; i < 4; i++ {
		sd.RecordFundingRequest("agent-1")
	}
	assert.False(t, sd.DetectRapidFunding("agent-1"))

	sd.RecordFundingRequest("agent-1")
	assert.True(t, sd.DetectRapidFunding("agent-1"))

	// Requests age out of the one-hour window.
	clk.Advance(61 * time.Minute)
	assert.False(t, sd.DetectRapidFunding("agent-1"))

	assert.False(t, sd.DetectRapidFunding("never-seen"))
}

func TestDetectUnusualTransactions(t *testing.T) {
	clk := newMock()
	sd := NewSuspicionDetector(clk)

	// Unknown agent or token: suspicious by definition.
	assert.True(t, sd.DetectUnusualTransactions("agent-1", 100, "USDC"))

	// Fewer than 10 samples: no baseline, never flagged.
	for i := 0; i < 9; i++ {
		sd.RecordTransaction("agent-1", 100, "USDC")
	}
	assert.False(t, sd.DetectUnusualTransactions("agent-1", 1e9, "USDC"))

	// With 10+ samples around 100, a huge amount is an outlier and a
	// nearby amount is not.
	sd.RecordTransaction("agent-1", 110, "USDC")
	assert.True(t, sd.DetectUnusualTransactions("agent-1", 10000, "USDC"))
	assert.False(t, sd.DetectUnusualTransactions("agent-1", 103, "USDC"))

	// Token isolation: plenty of USDC history says nothing about XRP.
	assert.True(t, sd.DetectUnusualTransactions("agent-1", 100, "XRP"))
}

func TestAuditLogWriteReadRoundTrip(t *testing.T) {
	clk := newMock()
	st := store.NewMemoryStore()
	al := NewAuditLogger(st, clk)

	require.NoError(t, al.Log("wallet_creation", "agent-1",
		map[string]interface{}{"chain": "evm"}, ResultSuccess, "10.0.0.1", "meshpay-cli/1.0"))
	clk.Advance(time.Second)
	require.NoError(t, al.Log("wallet_creation", "agent-1", nil, ResultFailure, "", ""))

	recs, err := al.Query("agent-1", "wallet_creation", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first and fields intact.
	assert.Equal(t, ResultFailure, recs[0].Result)
	assert.Equal(t, ResultSuccess, recs[1].Result)
	assert.Equal(t, "10.0.0.1", recs[1].IP)
	assert.Contains(t, recs[1].DetailsJSON, "evm")

	require.NoError(t, al.Clear())
	recs, err = al.Query("", "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAuditLoggerWithoutStore(t *testing.T) {
	al := NewAuditLogger(nil, newMock())
	assert.NoError(t, al.Log("funding_request", "agent-1", nil, "", "", ""))
	recs, err := al.Query("agent-1", "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, recs)
}
