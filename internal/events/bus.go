// Package events is the in-process pub/sub bus connecting the connector's
// components to the telemetry emitter. Publishing never blocks; a slow
// subscriber drops messages rather than stalling packet processing.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/meshpay/connector/internal/telemetry"
)

// Emitter is the interface components publish telemetry through. Both
// the in-memory Bus and the websocket emitter satisfy it.
type Emitter interface {
	Emit(msgType telemetry.MessageType, data map[string]interface{})
}

// Bus is an in-process pub/sub bus for telemetry messages.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[telemetry.MessageType][]chan *telemetry.Message
	allSubs     []chan *telemetry.Message
	nodeID      string
	now         func() time.Time
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a bus stamping messages with nodeID. now may be nil
// (time.Now).
func NewBus(nodeID string, now func() time.Time) *Bus {
	if now == nil {
		now = time.Now
	}
	return &Bus{
		subscribers: make(map[telemetry.MessageType][]chan *telemetry.Message),
		allSubs:     make([]chan *telemetry.Message, 0),
		nodeID:      nodeID,
		now:         now,
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel receiving messages of the given types.
// Pass no types to receive ALL messages.
func (b *Bus) Subscribe(types ...telemetry.MessageType) chan *telemetry.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *telemetry.Message, b.bufferSize)

	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *telemetry.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		filtered := make([]chan *telemetry.Message, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[t] = filtered
	}

	filtered := make([]chan *telemetry.Message, 0)
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers a message to all matching subscribers. A full
// subscriber channel drops the message.
func (b *Bus) Publish(msg *telemetry.Message) {
	if err := msg.Validate(); err != nil {
		b.logger.Printf("dropping invalid telemetry message: %v", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[msg.Type] {
		select {
		case ch <- msg:
		default:
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Emit builds a message stamped with the bus's node id and publishes it.
func (b *Bus) Emit(msgType telemetry.MessageType, data map[string]interface{}) {
	b.Publish(telemetry.New(msgType, b.nodeID, b.now(), data))
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Forward pumps every message published on the bus into sink (the
// websocket emitter). The returned func stops forwarding.
func Forward(b *Bus, sink interface{ Enqueue(msg *telemetry.Message) }) (stop func()) {
	ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			sink.Enqueue(msg)
		}
	}()
	return func() {
		b.Unsubscribe(ch)
		<-done
	}
}
