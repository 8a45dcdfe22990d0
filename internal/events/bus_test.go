package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/connector/internal/telemetry"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func TestSubscribeByType(t *testing.T) {
	bus := NewBus("node-a", fixedNow)
	statusCh := bus.Subscribe(telemetry.TypeNodeStatus)
	allCh := bus.Subscribe()

	bus.Emit(telemetry.TypeNodeStatus, map[string]interface{}{"address": "g.node-a"})
	bus.Emit(telemetry.TypeLog, map[string]interface{}{"message": "hello"})

	select {
	case msg := <-statusCh:
		assert.Equal(t, telemetry.TypeNodeStatus, msg.Type)
		assert.Equal(t, "node-a", msg.NodeID)
	default:
		t.Fatal("typed subscriber got nothing")
	}
	select {
	case <-statusCh:
		t.Fatal("typed subscriber received a non-matching type")
	default:
	}

	assert.Len(t, allCh, 2)
	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestPublishDropsInvalid(t *testing.T) {
	bus := NewBus("node-a", fixedNow)
	ch := bus.Subscribe()

	bus.Publish(&telemetry.Message{Type: "NOT_A_TYPE", NodeID: "node-a", Timestamp: 1})
	assert.Len(t, ch, 0)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus("node-a", fixedNow)
	ch := bus.Subscribe()

	for i := 0; i < 2*cap(ch); i++ {
		bus.Emit(telemetry.TypeLog, map[string]interface{}{"n": i})
	}
	// Overflow is dropped, the channel holds exactly its capacity.
	assert.Len(t, ch, cap(ch))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus("node-a", fixedNow)
	ch := bus.Subscribe(telemetry.TypeLog)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestForwardPumpsIntoSink(t *testing.T) {
	bus := NewBus("node-a", fixedNow)
	sink := &captureSink{got: make(chan *telemetry.Message, 10)}
	stop := Forward(bus, sink)

	bus.Emit(telemetry.TypeLog, map[string]interface{}{"message": "one"})

	select {
	case msg := <-sink.got:
		require.Equal(t, telemetry.TypeLog, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("sink never received the message")
	}

	stop()
	bus.Emit(telemetry.TypeLog, map[string]interface{}{"message": "two"})
	assert.Len(t, sink.got, 0)
}

type captureSink struct {
	got chan *telemetry.Message
}

func (c *captureSink) Enqueue(msg *telemetry.Message) {
	c.got <- msg
}
