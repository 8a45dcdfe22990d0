package packet

// ErrorCode is a three-character wire reject code. The first character
// classifies the failure: F (final, do not retry), T (temporary, retry
// later), R (relative, depends on the timeout budget of the caller).
type ErrorCode string

const (
	// Final errors.
	CodeF00BadRequest        ErrorCode = "F00"
	CodeF01InvalidPacket     ErrorCode = "F01"
	CodeF02Unreachable       ErrorCode = "F02"
	CodeF03InvalidAmount     ErrorCode = "F03"
	CodeF05WrongCondition    ErrorCode = "F05"
	CodeF06UnexpectedPayment ErrorCode = "F06"
	CodeF07CannotReceive     ErrorCode = "F07"
	CodeF08AmountTooLarge    ErrorCode = "F08"
	CodeF99ApplicationError  ErrorCode = "F99"

	// Temporary errors.
	CodeT00InternalError         ErrorCode = "T00"
	CodeT01PeerUnreachable       ErrorCode = "T01"
	CodeT02PeerBusy              ErrorCode = "T02"
	CodeT03ConnectorBusy         ErrorCode = "T03"
	CodeT04InsufficientLiquidity ErrorCode = "T04"
	CodeT05RateLimited           ErrorCode = "T05"

	// Relative errors.
	CodeR00TransferTimedOut ErrorCode = "R00"
	CodeR01InsufficientSrc  ErrorCode = "R01"
)

var knownCodes = map[ErrorCode]string{
	CodeF00BadRequest:            "bad request",
	CodeF01InvalidPacket:         "invalid packet",
	CodeF02Unreachable:           "unreachable",
	CodeF03InvalidAmount:         "invalid amount",
	CodeF05WrongCondition:        "wrong condition",
	CodeF06UnexpectedPayment:     "unexpected payment",
	CodeF07CannotReceive:         "cannot receive",
	CodeF08AmountTooLarge:        "amount too large",
	CodeF99ApplicationError:      "application error",
	CodeT00InternalError:         "internal error",
	CodeT01PeerUnreachable:       "peer unreachable",
	CodeT02PeerBusy:              "peer busy",
	CodeT03ConnectorBusy:         "connector busy",
	CodeT04InsufficientLiquidity: "insufficient liquidity",
	CodeT05RateLimited:           "rate limited",
	CodeR00TransferTimedOut:      "transfer timed out",
	CodeR01InsufficientSrc:       "insufficient source amount",
}

// IsKnown reports whether c is a member of the closed code set.
func (c ErrorCode) IsKnown() bool {
	_, ok := knownCodes[c]
	return ok
}

// Name returns the human label for a known code, or "unknown".
func (c ErrorCode) Name() string {
	if name, ok := knownCodes[c]; ok {
		return name
	}
	return "unknown"
}

// IsFinal reports whether the failure should never be retried.
func (c ErrorCode) IsFinal() bool {
	return len(c) > 0 && c[0] == 'F'
}

// IsTemporary reports whether the failure may succeed on retry.
func (c ErrorCode) IsTemporary() bool {
	return len(c) > 0 && c[0] == 'T'
}

// IsRelative reports whether the failure depends on the caller's timeout.
func (c ErrorCode) IsRelative() bool {
	return len(c) > 0 && c[0] == 'R'
}
