// Package peer implements the bilateral wire protocol between connector
// nodes: length-prefixed JSON frames over TCP, a bearer-token handshake,
// and one Link per peer with serialized writes and heartbeat liveness.
package peer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/packet"
)

// MaxFrameSize bounds a single frame; anything larger is a protocol
// violation and kills the connection.
const MaxFrameSize = 1 << 20

// Frame message types.
const (
	MsgAuth      = "AUTH"
	MsgAuthOK    = "AUTH_OK"
	MsgPrepare   = "PREPARE"
	MsgFulfill   = "FULFILL"
	MsgReject    = "REJECT"
	MsgHeartbeat = "HEARTBEAT"
)

// Frame is the wire envelope: a 4-byte big-endian length prefix followed
// by this struct as JSON. ID correlates PREPARE with its FULFILL/REJECT.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WriteFrame serializes one frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &f, nil
}

// AuthPayload opens a connection; the listener checks the token against
// the one configured for the claimed node.
type AuthPayload struct {
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

// AuthOKPayload acknowledges a successful handshake.
type AuthOKPayload struct {
	NodeID string `json:"nodeId"`
}

// PreparePayload is the wire form of a Prepare. Binary fields travel as
// unpadded base64url; the expiry as RFC 3339 with nanoseconds.
type PreparePayload struct {
	Destination        string `json:"destination"`
	Amount             uint64 `json:"amount"`
	ExecutionCondition string `json:"executionCondition"`
	ExpiresAt          string `json:"expiresAt"`
	Data               string `json:"data,omitempty"`
}

type FulfillPayload struct {
	Fulfillment string `json:"fulfillment"`
	Data        string `json:"data,omitempty"`
}

type RejectPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	TriggeredBy string `json:"triggeredBy"`
	Data        string `json:"data,omitempty"`
}

func newFrame(msgType, id string, payload interface{}) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Frame{Type: msgType, ID: id, Payload: raw}, nil
}

// EncodePrepare converts a Prepare into its wire frame.
func EncodePrepare(p *packet.Prepare) (*Frame, error) {
	return newFrame(MsgPrepare, p.ID, PreparePayload{
		Destination:        string(p.Destination),
		Amount:             p.Amount,
		ExecutionCondition: clock.EncodeBytes(p.ExecutionCondition[:]),
		ExpiresAt:          p.ExpiresAt.UTC().Format(time.RFC3339Nano),
		Data:               clock.EncodeBytes(p.Data),
	})
}

// DecodePrepare parses a PREPARE frame back into a Prepare.
func DecodePrepare(f *Frame) (*packet.Prepare, error) {
	var pl PreparePayload
	if err := json.Unmarshal(f.Payload, &pl); err != nil {
		return nil, fmt.Errorf("prepare payload: %w", err)
	}

	dest, err := packet.ParseAddress(pl.Destination)
	if err != nil {
		return nil, err
	}
	cond, err := decodeCondition(pl.ExecutionCondition)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: condition: %w", f.ID, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, pl.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: expiresAt: %w", f.ID, err)
	}
	data, err := decodeData(pl.Data)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: data: %w", f.ID, err)
	}

	return packet.NewPrepare(f.ID, dest, pl.Amount, cond, expiresAt, data)
}

// EncodeFulfill converts a Fulfill into its wire frame.
func EncodeFulfill(f *packet.Fulfill) (*Frame, error) {
	return newFrame(MsgFulfill, f.ID, FulfillPayload{
		Fulfillment: clock.EncodeBytes(f.Fulfillment[:]),
		Data:        clock.EncodeBytes(f.Data),
	})
}

// DecodeFulfill parses a FULFILL frame.
func DecodeFulfill(f *Frame) (*packet.Fulfill, error) {
	var pl FulfillPayload
	if err := json.Unmarshal(f.Payload, &pl); err != nil {
		return nil, fmt.Errorf("fulfill payload: %w", err)
	}
	preimage, err := decodeCondition(pl.Fulfillment)
	if err != nil {
		return nil, fmt.Errorf("fulfill %s: fulfillment: %w", f.ID, err)
	}
	data, err := decodeData(pl.Data)
	if err != nil {
		return nil, fmt.Errorf("fulfill %s: data: %w", f.ID, err)
	}
	return &packet.Fulfill{ID: f.ID, Fulfillment: preimage, Data: data}, nil
}

// EncodeReject converts a Reject into its wire frame.
func EncodeReject(r *packet.Reject) (*Frame, error) {
	return newFrame(MsgReject, r.ID, RejectPayload{
		Code:        string(r.Code),
		Message:     r.Message,
		TriggeredBy: string(r.TriggeredBy),
		Data:        clock.EncodeBytes(r.Data),
	})
}

// DecodeReject parses a REJECT frame. Unknown codes degrade to F99 in
// the factory rather than failing the frame.
func DecodeReject(f *Frame) (*packet.Reject, error) {
	var pl RejectPayload
	if err := json.Unmarshal(f.Payload, &pl); err != nil {
		return nil, fmt.Errorf("reject payload: %w", err)
	}
	triggeredBy, err := packet.ParseAddress(pl.TriggeredBy)
	if err != nil {
		return nil, fmt.Errorf("reject %s: %w", f.ID, err)
	}
	data, err := decodeData(pl.Data)
	if err != nil {
		return nil, fmt.Errorf("reject %s: data: %w", f.ID, err)
	}
	return packet.NewReject(f.ID, packet.ErrorCode(pl.Code), pl.Message, triggeredBy, data)
}

func decodeCondition(s string) ([packet.ConditionSize]byte, error) {
	var out [packet.ConditionSize]byte
	raw, err := clock.DecodeBytes(s)
	if err != nil {
		return out, err
	}
	if len(raw) != packet.ConditionSize {
		return out, fmt.Errorf("expected %d bytes, got %d", packet.ConditionSize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodeData(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return clock.DecodeBytes(s)
}
