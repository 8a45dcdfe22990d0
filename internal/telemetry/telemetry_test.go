package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	valid := New(TypeNodeStatus, "node-a", now, nil)
	assert.NoError(t, valid.Validate())

	assert.Error(t, New("BOGUS", "node-a", now, nil).Validate())
	assert.Error(t, New(TypeNodeStatus, "", now, nil).Validate())

	missingTS := &Message{Type: TypeLog, NodeID: "node-a"}
	assert.Error(t, missingTS.Validate())

	bal := New(TypeAccountBalance, "node-a", now, map[string]interface{}{
		"peerId": "node-b", "tokenId": "USDC",
	})
	assert.Error(t, bal.Validate(), "balance without value")
	bal.Data["balance"] = "100"
	assert.NoError(t, bal.Validate())

	settle := New(TypeSettlementTriggered, "node-a", now, map[string]interface{}{"peerId": "node-b"})
	assert.Error(t, settle.Validate())
	settle.Data["tokenId"] = "USDC"
	assert.NoError(t, settle.Validate())
}

func TestEmitterQueueDropsOldest(t *testing.T) {
	e := NewEmitter("ws://localhost:0/ws", "node-a", nil)

	for i := 0; i < emitQueueSize+5; i++ {
		e.Enqueue(New(TypeLog, "node-a", time.Now(), map[string]interface{}{"seq": i}))
	}
	require.Len(t, e.queue, emitQueueSize)

	// The oldest five were evicted; the head is message 5.
	head := <-e.queue
	assert.Equal(t, 5, head.Data["seq"])
}

func TestEmitterDropsInvalid(t *testing.T) {
	e := NewEmitter("ws://localhost:0/ws", "node-a", nil)
	e.Enqueue(&Message{Type: "BOGUS", NodeID: "node-a", Timestamp: 1})
	assert.Empty(t, e.queue)
}

func TestBackoffDelay(t *testing.T) {
	first := backoffDelay(1)
	assert.InDelta(t, float64(reconnectMin), float64(first), float64(reconnectMin)*0.11)

	capped := backoffDelay(30)
	assert.LessOrEqual(t, capped, reconnectMax+reconnectMax/10)
	assert.GreaterOrEqual(t, capped, reconnectMax-reconnectMax/10)
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg *Message) {
	t.Helper()
	raw, err := msg.JSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readMsg(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func getJSON(url string, v interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func TestServerReplayAndBroadcast(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	now := time.Now()

	// A connector feed identifies itself with its first typed event.
	connector := dialWS(t, ts.URL)
	defer connector.Close()
	sendMsg(t, connector, New(TypeNodeStatus, "node-a", now, map[string]interface{}{"uptime": 1}))

	// Wait for the status to land in the cache.
	require.Eventually(t, func() bool {
		var health map[string]interface{}
		if err := getJSON(ts.URL+"/api/health", &health); err != nil {
			return false
		}
		return health["nodes"] == float64(1)
	}, 2*time.Second, 20*time.Millisecond)

	// A dashboard client connecting afterwards gets the cached status
	// replayed immediately.
	dash := dialWS(t, ts.URL)
	defer dash.Close()
	sendMsg(t, dash, &Message{Type: TypeClientConnect, NodeID: "dash-1", Timestamp: now.UnixMilli()})

	replayed := readMsg(t, dash)
	assert.Equal(t, TypeNodeStatus, replayed.Type)
	assert.Equal(t, "node-a", replayed.NodeID)

	// Live events reach the connected client.
	sendMsg(t, connector, New(TypeAccountBalance, "node-a", now, map[string]interface{}{
		"peerId": "node-b", "tokenId": "USDC", "balance": "1500",
	}))
	live := readMsg(t, dash)
	assert.Equal(t, TypeAccountBalance, live.Type)

	// And the REST view reflects them.
	require.Eventually(t, func() bool {
		var balances []BalanceState
		if err := getJSON(ts.URL+"/api/balances", &balances); err != nil {
			return false
		}
		return len(balances) == 1 && balances[0].Balance == "1500"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServerSettlementRing(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	connector := dialWS(t, ts.URL)
	defer connector.Close()

	now := time.Now()
	for i := 0; i < settlementRingSize+10; i++ {
		sendMsg(t, connector, New(TypeSettlementCompleted, "node-a", now, map[string]interface{}{
			"peerId": "node-b", "tokenId": "USDC", "amount": i,
		}))
	}

	require.Eventually(t, func() bool {
		var settlements []*Message
		if err := getJSON(ts.URL+"/api/settlements", &settlements); err != nil {
			return false
		}
		if len(settlements) != settlementRingSize {
			return false
		}
		// Newest first, oldest entries evicted off the tail.
		return settlements[0].Data["amount"] == float64(settlementRingSize+9) &&
			settlements[len(settlements)-1].Data["amount"] == float64(10)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServerHealthShape(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	var health map[string]interface{}
	require.NoError(t, getJSON(ts.URL+"/api/health", &health))

	nodeID, ok := health["nodeId"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, nodeID)
	assert.Equal(t, "ready", health["status"])
	assert.GreaterOrEqual(t, health["uptime"], float64(0))
	assert.Greater(t, health["timestamp"], float64(0))
}

func TestServerRejectsInvalidFeedMessages(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	connector := dialWS(t, ts.URL)
	defer connector.Close()
	sendMsg(t, connector, New(TypeNodeStatus, "node-a", time.Now(), nil))

	// Garbage and invalid messages are dropped without killing the feed.
	require.NoError(t, connector.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendMsg(t, connector, New(TypeNodeStatus, "node-b", time.Now(), nil))

	require.Eventually(t, func() bool {
		var health map[string]interface{}
		if err := getJSON(ts.URL+"/api/health", &health); err != nil {
			return false
		}
		return health["nodes"] == float64(2)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEmitterDeliversToServer(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	e := NewEmitter(wsURL, "node-a", nil)
	e.Start()
	defer e.Stop()

	for i := 0; i < 3; i++ {
		e.Emit(TypeNodeStatus, map[string]interface{}{"seq": fmt.Sprintf("%d", i)})
	}

	require.Eventually(t, func() bool {
		var health map[string]interface{}
		if err := getJSON(ts.URL+"/api/health", &health); err != nil {
			return false
		}
		return health["nodes"] == float64(1)
	}, 3*time.Second, 20*time.Millisecond)
}
