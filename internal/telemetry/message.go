// Package telemetry carries node health, packet events, and account
// balances from connectors to the dashboard aggregator. The emitter side
// never lets telemetry failures reach packet processing; the server side
// fans messages out to dashboard clients with cached replay.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags a telemetry message.
type MessageType string

const (
	TypeNodeStatus          MessageType = "NODE_STATUS"
	TypePacketSent          MessageType = "PACKET_SENT"
	TypePacketReceived      MessageType = "PACKET_RECEIVED"
	TypeRouteLookup         MessageType = "ROUTE_LOOKUP"
	TypeLog                 MessageType = "LOG"
	TypeAccountBalance      MessageType = "ACCOUNT_BALANCE"
	TypeSettlementTriggered MessageType = "SETTLEMENT_TRIGGERED"
	TypeSettlementCompleted MessageType = "SETTLEMENT_COMPLETED"

	// TypeClientConnect is the first message a dashboard client sends;
	// it is a connection-role marker, not a broadcastable event.
	TypeClientConnect MessageType = "CLIENT_CONNECT"
)

var recognizedTypes = map[MessageType]bool{
	TypeNodeStatus:          true,
	TypePacketSent:          true,
	TypePacketReceived:      true,
	TypeRouteLookup:         true,
	TypeLog:                 true,
	TypeAccountBalance:      true,
	TypeSettlementTriggered: true,
	TypeSettlementCompleted: true,
}

// Message is one telemetry event. Timestamp is Unix milliseconds.
type Message struct {
	Type      MessageType            `json:"type"`
	NodeID    string                 `json:"nodeId"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New builds a message stamped at now.
func New(msgType MessageType, nodeID string, now time.Time, data map[string]interface{}) *Message {
	return &Message{
		Type:      msgType,
		NodeID:    nodeID,
		Timestamp: now.UnixMilli(),
		Data:      data,
	}
}

// Validate checks the type is recognized and the per-type required
// fields are present. Balance and settlement events must name the peer
// account they concern; balance events additionally need the value.
func (m *Message) Validate() error {
	if !recognizedTypes[m.Type] {
		return fmt.Errorf("unrecognized telemetry type %q", m.Type)
	}
	if m.NodeID == "" {
		return fmt.Errorf("telemetry %s: missing nodeId", m.Type)
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("telemetry %s: missing timestamp", m.Type)
	}

	switch m.Type {
	case TypeAccountBalance:
		if err := m.requireData("peerId", "tokenId", "balance"); err != nil {
			return err
		}
	case TypeSettlementTriggered, TypeSettlementCompleted:
		if err := m.requireData("peerId", "tokenId"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) requireData(fields ...string) error {
	for _, f := range fields {
		if _, ok := m.Data[f]; !ok {
			return fmt.Errorf("telemetry %s: missing data field %q", m.Type, f)
		}
	}
	return nil
}

// DataString fetches a string field from Data, or "".
func (m *Message) DataString(field string) string {
	if v, ok := m.Data[field].(string); ok {
		return v
	}
	return ""
}

// JSON serializes the message.
func (m *Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// BalanceState is the latest known balance for one bilateral account,
// keyed by (nodeId, peerId, tokenId). Balance is a string to preserve
// precision beyond 64 bits.
type BalanceState struct {
	NodeID    string `json:"nodeId"`
	PeerID    string `json:"peerId"`
	TokenID   string `json:"tokenId"`
	Balance   string `json:"balance"`
	UpdatedAt int64  `json:"updatedAt"`
}
