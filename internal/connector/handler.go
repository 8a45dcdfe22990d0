// Package connector contains the node's packet pipeline: the payment
// handler adapter for locally terminated packets and the forwarding
// engine for everything else.
package connector

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/packet"
)

// maxResponseData caps handler response data after base64url decoding.
const maxResponseData = 32768

// PaymentRequest is what the business layer sees for an inbound payment.
// It deliberately omits the execution condition and the source peer so
// the handler can neither forge cryptographic proofs nor make routing
// decisions.
type PaymentRequest struct {
	PaymentID   string
	Destination packet.Address
	Amount      uint64
	ExpiresAt   time.Time
	Data        []byte
}

// PaymentResponse is the handler's decision. Data, when set, must be
// unpadded base64url and at most 32768 bytes after decoding; anything
// else is stripped with a warning.
type PaymentResponse struct {
	Accept       bool
	RejectReason string
	Data         string
}

// PaymentHandler is the business-layer callback.
type PaymentHandler func(req PaymentRequest) (PaymentResponse, error)

// rejectReasonCodes maps business reject reasons to wire codes. Unknown
// reasons degrade to F99.
var rejectReasonCodes = map[string]packet.ErrorCode{
	"insufficient_funds": packet.CodeT04InsufficientLiquidity,
	"expired":            packet.CodeR00TransferTimedOut,
	"invalid_request":    packet.CodeF00BadRequest,
	"invalid_amount":     packet.CodeF03InvalidAmount,
	"unexpected_payment": packet.CodeF06UnexpectedPayment,
	"application_error":  packet.CodeF99ApplicationError,
	"internal_error":     packet.CodeT00InternalError,
	"timeout":            packet.CodeT00InternalError,
}

// HandlerAdapter invokes the payment handler for locally terminated
// prepares and translates the outcome back into Fulfill/Reject.
type HandlerAdapter struct {
	nodeAddr packet.Address
	handler  PaymentHandler
	clock    clock.Clock
	logger   *slog.Logger
}

// NewHandlerAdapter wraps a payment handler. handler may be nil, in
// which case every local payment rejects F06.
func NewHandlerAdapter(nodeAddr packet.Address, handler PaymentHandler, clk clock.Clock) *HandlerAdapter {
	return &HandlerAdapter{
		nodeAddr: nodeAddr,
		handler:  handler,
		clock:    clk,
		logger:   slog.With("component", "handler-adapter"),
	}
}

// Deliver runs one prepare through the handler. Exactly one of the
// returns is non-nil.
func (a *HandlerAdapter) Deliver(p *packet.Prepare) (*packet.Fulfill, *packet.Reject) {
	if p.Expired(a.clock.Now()) {
		return nil, a.reject(p.ID, packet.CodeR00TransferTimedOut, "Payment has expired", nil)
	}

	if a.handler == nil {
		return nil, a.reject(p.ID, packet.CodeF06UnexpectedPayment, "No payment handler registered", nil)
	}

	resp, err := a.invoke(PaymentRequest{
		PaymentID:   p.ID,
		Destination: p.Destination,
		Amount:      p.Amount,
		ExpiresAt:   p.ExpiresAt,
		Data:        p.Data,
	})
	if err != nil {
		a.logger.Error("payment handler failed", "payment", p.ID, "error", err)
		return nil, a.reject(p.ID, packet.CodeT00InternalError, "Internal error processing payment", nil)
	}

	data := a.validateResponseData(p.ID, resp.Data)

	if resp.Accept {
		return &packet.Fulfill{
			ID:          p.ID,
			Fulfillment: packet.Condition(p.Data),
			Data:        data,
		}, nil
	}

	code, known := rejectReasonCodes[resp.RejectReason]
	if !known {
		if resp.RejectReason != "" {
			a.logger.Warn("unknown reject reason", "payment", p.ID, "reason", resp.RejectReason)
		}
		code = packet.CodeF99ApplicationError
	}
	return nil, a.reject(p.ID, code, "Payment rejected", data)
}

// invoke shields the pipeline from handler panics.
func (a *HandlerAdapter) invoke(req PaymentRequest) (resp PaymentResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return a.handler(req)
}

// validateResponseData decodes the handler's base64url response data.
// Undecodable or oversized data is stripped, not fatal.
func (a *HandlerAdapter) validateResponseData(paymentID, data string) []byte {
	if data == "" {
		return nil
	}
	raw, err := clock.DecodeBytes(data)
	if err != nil {
		a.logger.Warn("handler response data is not base64url, stripping", "payment", paymentID, "error", err)
		return nil
	}
	if len(raw) > maxResponseData {
		a.logger.Warn("handler response data too large, stripping", "payment", paymentID, "bytes", len(raw))
		return nil
	}
	return raw
}

func (a *HandlerAdapter) reject(id string, code packet.ErrorCode, message string, data []byte) *packet.Reject {
	r, err := packet.NewReject(id, code, message, a.nodeAddr, data)
	if err != nil {
		// The node address is validated at startup; this cannot happen
		// outside of tests with a broken fixture.
		a.logger.Error("reject construction failed", "payment", id, "error", err)
		r = &packet.Reject{ID: id, Code: packet.CodeF99ApplicationError, Message: message, TriggeredBy: a.nodeAddr}
	}
	return r
}
