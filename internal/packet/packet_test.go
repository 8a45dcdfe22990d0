package packet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	valid := []string{
		"g",
		"g.workflow",
		"g.workflow.resize.watermark",
		"g.workflow.resize.resize", // repeated segments are allowed
	}
	for _, raw := range valid {
		addr, err := ParseAddress(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, Address(raw), addr)
	}

	invalid := []string{
		"",
		".g.workflow",
		"g.workflow.",
		"g..workflow",
		".",
	}
	for _, raw := range invalid {
		_, err := ParseAddress(raw)
		assert.Error(t, err, raw)
	}
}

func TestAddressHasPrefix(t *testing.T) {
	addr := Address("g.workflow.resize")

	assert.True(t, addr.HasPrefix("g"))
	assert.True(t, addr.HasPrefix("g.workflow"))
	assert.True(t, addr.HasPrefix("g.workflow.resize"))

	// Prefix match is by segment boundary, not string prefix.
	assert.False(t, addr.HasPrefix("g.work"))
	assert.False(t, addr.HasPrefix("g.workflow.res"))
	assert.False(t, addr.HasPrefix("g.workflow.resize.watermark"))
}

func TestConditionFulfillmentRoundTrip(t *testing.T) {
	preimage := [ConditionSize]byte{}
	copy(preimage[:], "x")

	condition := Condition(preimage[:])
	assert.True(t, VerifyFulfillment(preimage, condition))

	var wrong [ConditionSize]byte
	copy(wrong[:], "y")
	assert.False(t, VerifyFulfillment(wrong, condition))
}

func TestEmptyDataCondition(t *testing.T) {
	// SHA-256 of empty bytes is a valid condition; an all-zero preimage
	// of the empty fulfillment must still verify.
	var empty [ConditionSize]byte
	condition := Condition(empty[:])
	assert.True(t, VerifyFulfillment(empty, condition))
}

func TestNewPrepareRejectsBadAddress(t *testing.T) {
	var cond [ConditionSize]byte
	_, err := NewPrepare("p1", "g..bad", 100, cond, time.Now().Add(time.Minute), nil)
	assert.Error(t, err)

	_, err = NewPrepare("p1", ".leading", 100, cond, time.Now().Add(time.Minute), nil)
	assert.Error(t, err)
}

func TestNewRejectDefaults(t *testing.T) {
	// Unknown codes collapse to F99.
	rej, err := NewReject("p1", ErrorCode("Z42"), "", "g.node.a", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeF99ApplicationError, rej.Code)
	assert.NotEmpty(t, rej.Message)

	// Reject factory validates triggeredBy like the prepare factory.
	_, err = NewReject("p1", CodeF02Unreachable, "", "bad.", nil)
	assert.Error(t, err)
}

func TestErrorCodeClasses(t *testing.T) {
	assert.True(t, CodeF02Unreachable.IsFinal())
	assert.True(t, CodeT04InsufficientLiquidity.IsTemporary())
	assert.True(t, CodeR00TransferTimedOut.IsRelative())
	assert.False(t, CodeR00TransferTimedOut.IsFinal())

	for _, c := range []ErrorCode{
		CodeF00BadRequest, CodeF02Unreachable, CodeF03InvalidAmount,
		CodeF06UnexpectedPayment, CodeF99ApplicationError,
		CodeT00InternalError, CodeT01PeerUnreachable,
		CodeT04InsufficientLiquidity, CodeR00TransferTimedOut,
	} {
		assert.True(t, c.IsKnown(), string(c))
	}
	assert.False(t, ErrorCode("X00").IsKnown())
}

func TestPrepareExpired(t *testing.T) {
	now := time.Now()
	p := &Prepare{ID: "p1", ExpiresAt: now}

	assert.True(t, p.Expired(now))
	assert.True(t, p.Expired(now.Add(time.Second)))
	assert.False(t, p.Expired(now.Add(-time.Second)))
}
