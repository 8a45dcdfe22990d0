// Package packet defines the three-shape settlement packet model:
// Prepare carries a conditional transfer toward a destination, Fulfill
// releases it with the 32-byte preimage of the execution condition, and
// Reject carries a coded error back to the upstream peer.
package packet

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"
)

// ConditionSize is the byte length of an execution condition and of the
// fulfillment preimage that must hash to it.
const ConditionSize = 32

// Type tags the packet variant on the wire.
type Type uint8

const (
	TypePrepare Type = iota + 1
	TypeFulfill
	TypeReject
)

func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "PREPARE"
	case TypeFulfill:
		return "FULFILL"
	case TypeReject:
		return "REJECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Prepare is a conditional transfer request. The transfer commits only if
// a Fulfill whose preimage hashes to ExecutionCondition arrives before
// ExpiresAt.
type Prepare struct {
	ID                 string
	Destination        Address
	Amount             uint64
	ExecutionCondition [ConditionSize]byte
	ExpiresAt          time.Time
	Data               []byte
}

// Fulfill releases the transfer identified by ID.
type Fulfill struct {
	ID          string
	Fulfillment [ConditionSize]byte
	Data        []byte
}

// Reject refuses the transfer identified by ID. TriggeredBy names the
// node that originated the rejection so operators can localize faults.
type Reject struct {
	ID          string
	Code        ErrorCode
	Message     string
	TriggeredBy Address
	Data        []byte
}

// NewPrepare validates the destination address and builds a Prepare.
func NewPrepare(id string, destination Address, amount uint64, condition [ConditionSize]byte, expiresAt time.Time, data []byte) (*Prepare, error) {
	if !destination.IsValid() {
		return nil, fmt.Errorf("prepare %s: invalid destination %q", id, destination)
	}
	return &Prepare{
		ID:                 id,
		Destination:        destination,
		Amount:             amount,
		ExecutionCondition: condition,
		ExpiresAt:          expiresAt,
		Data:               data,
	}, nil
}

// NewReject validates the triggeredBy address and builds a Reject. An
// unknown code is replaced by F99 rather than propagated.
func NewReject(id string, code ErrorCode, message string, triggeredBy Address, data []byte) (*Reject, error) {
	if !triggeredBy.IsValid() {
		return nil, fmt.Errorf("reject %s: invalid triggeredBy %q", id, triggeredBy)
	}
	if !code.IsKnown() {
		code = CodeF99ApplicationError
	}
	if message == "" {
		message = code.Name()
	}
	return &Reject{
		ID:          id,
		Code:        code,
		Message:     message,
		TriggeredBy: triggeredBy,
		Data:        data,
	}, nil
}

// Condition computes the SHA-256 execution condition for a preimage.
func Condition(preimage []byte) [ConditionSize]byte {
	return sha256.Sum256(preimage)
}

// VerifyFulfillment reports whether fulfillment hashes to condition.
// The comparison is constant-time.
func VerifyFulfillment(fulfillment, condition [ConditionSize]byte) bool {
	digest := sha256.Sum256(fulfillment[:])
	return subtle.ConstantTimeCompare(digest[:], condition[:]) == 1
}

// Expired reports whether the prepare is past its deadline at now.
func (p *Prepare) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
