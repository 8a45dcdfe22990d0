package connector

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/packet"
)

func newAdapter(t *testing.T, handler PaymentHandler) (*HandlerAdapter, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	addr, err := packet.ParseAddress("g.node-a")
	require.NoError(t, err)
	return NewHandlerAdapter(addr, handler, clk), clk
}

func localPrepare(t *testing.T, clk *clock.MockClock, data []byte, ttl time.Duration) *packet.Prepare {
	t.Helper()
	dest, err := packet.ParseAddress("g.local.pay")
	require.NoError(t, err)
	fulfillment := packet.Condition(data)
	p, err := packet.NewPrepare("pay-1", dest, 500, packet.Condition(fulfillment[:]), clk.Now().Add(ttl), data)
	require.NoError(t, err)
	return p
}

func TestDeliverAcceptDerivesFulfillment(t *testing.T) {
	var seen PaymentRequest
	adapter, clk := newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
		seen = req
		return PaymentResponse{Accept: true}, nil
	})

	data := []byte("invoice-42")
	p := localPrepare(t, clk, data, 30*time.Second)

	fulfill, reject := adapter.Deliver(p)
	require.Nil(t, reject)
	require.NotNil(t, fulfill)

	// The preimage is the hash of the packet data, so it matches the
	// data-bound condition.
	assert.Equal(t, packet.Condition(data), fulfill.Fulfillment)
	assert.True(t, packet.VerifyFulfillment(fulfill.Fulfillment, p.ExecutionCondition))

	// The handler never sees the condition or the source peer.
	assert.Equal(t, "pay-1", seen.PaymentID)
	assert.Equal(t, uint64(500), seen.Amount)
	assert.Equal(t, data, seen.Data)
}

func TestDeliverExpiredSkipsHandler(t *testing.T) {
	invoked := false
	adapter, clk := newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
		invoked = true
		return PaymentResponse{Accept: true}, nil
	})

	p := localPrepare(t, clk, []byte("x"), time.Second)
	clk.Advance(2 * time.Second)

	fulfill, reject := adapter.Deliver(p)
	assert.Nil(t, fulfill)
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeR00TransferTimedOut, reject.Code)
	assert.Equal(t, "Payment has expired", reject.Message)
	assert.False(t, invoked)
}

func TestDeliverRejectReasonMapping(t *testing.T) {
	cases := map[string]packet.ErrorCode{
		"insufficient_funds": packet.CodeT04InsufficientLiquidity,
		"expired":            packet.CodeR00TransferTimedOut,
		"invalid_request":    packet.CodeF00BadRequest,
		"invalid_amount":     packet.CodeF03InvalidAmount,
		"unexpected_payment": packet.CodeF06UnexpectedPayment,
		"application_error":  packet.CodeF99ApplicationError,
		"internal_error":     packet.CodeT00InternalError,
		"timeout":            packet.CodeT00InternalError,
		"no_such_reason":     packet.CodeF99ApplicationError,
		"":                   packet.CodeF99ApplicationError,
	}

	for reason, want := range cases {
		reason, want := reason, want
		adapter, clk := newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
			return PaymentResponse{Accept: false, RejectReason: reason}, nil
		})
		_, reject := adapter.Deliver(localPrepare(t, clk, []byte("x"), 30*time.Second))
		require.NotNil(t, reject, "reason %q", reason)
		assert.Equal(t, want, reject.Code, "reason %q", reason)
		assert.Equal(t, "Payment rejected", reject.Message)
		assert.Equal(t, packet.Address("g.node-a"), reject.TriggeredBy)
	}
}

func TestDeliverHandlerErrorAndPanic(t *testing.T) {
	adapter, clk := newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
		return PaymentResponse{}, errors.New("database down")
	})
	_, reject := adapter.Deliver(localPrepare(t, clk, []byte("x"), 30*time.Second))
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeT00InternalError, reject.Code)
	assert.Equal(t, "Internal error processing payment", reject.Message)

	adapter, clk = newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
		panic("boom")
	})
	_, reject = adapter.Deliver(localPrepare(t, clk, []byte("x"), 30*time.Second))
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeT00InternalError, reject.Code)
}

func TestDeliverResponseDataValidation(t *testing.T) {
	// Valid base64url data passes through decoded.
	adapter, clk := newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
		return PaymentResponse{Accept: true, Data: clock.EncodeBytes([]byte("receipt"))}, nil
	})
	fulfill, _ := adapter.Deliver(localPrepare(t, clk, []byte("x"), 30*time.Second))
	require.NotNil(t, fulfill)
	assert.Equal(t, []byte("receipt"), fulfill.Data)

	// Not base64url: stripped, payment still succeeds.
	adapter, clk = newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
		return PaymentResponse{Accept: true, Data: "!!!not-base64!!!"}, nil
	})
	fulfill, _ = adapter.Deliver(localPrepare(t, clk, []byte("x"), 30*time.Second))
	require.NotNil(t, fulfill)
	assert.Nil(t, fulfill.Data)

	// Over 32768 bytes decoded: stripped.
	big := clock.EncodeBytes([]byte(strings.Repeat("a", maxResponseData+1)))
	adapter, clk = newAdapter(t, func(req PaymentRequest) (PaymentResponse, error) {
		return PaymentResponse{Accept: true, Data: big}, nil
	})
	fulfill, _ = adapter.Deliver(localPrepare(t, clk, []byte("x"), 30*time.Second))
	require.NotNil(t, fulfill)
	assert.Nil(t, fulfill.Data)
}

func TestDeliverNoHandlerRegistered(t *testing.T) {
	adapter, clk := newAdapter(t, nil)
	_, reject := adapter.Deliver(localPrepare(t, clk, []byte("x"), 30*time.Second))
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeF06UnexpectedPayment, reject.Code)
}
