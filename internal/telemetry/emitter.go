package telemetry

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// emitQueueSize bounds the outbound buffer; when full, the oldest
	// message is dropped so fresh state wins.
	emitQueueSize = 10000

	reconnectMin = 100 * time.Millisecond
	reconnectMax = 10 * time.Second

	emitWriteWait = 10 * time.Second
)

// Emitter ships telemetry messages to the dashboard server over a
// websocket. It is fire-and-forget end to end: connection failures,
// write failures, and queue overflow are absorbed here and never
// surface to packet processing.
type Emitter struct {
	url    string
	nodeID string
	now    func() time.Time
	dialer *websocket.Dialer
	logger *log.Logger

	queue chan *Message
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewEmitter creates an emitter targeting the server's websocket URL.
// now may be nil (time.Now). Call Start to begin delivery.
func NewEmitter(url, nodeID string, now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{
		url:    url,
		nodeID: nodeID,
		now:    now,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: log.New(log.Writer(), "[Telemetry] ", log.LstdFlags),
		queue:  make(chan *Message, emitQueueSize),
		stop:   make(chan struct{}),
	}
}

// Emit builds a message stamped with the emitter's node id and queues
// it. Satisfies the event-bus Emitter interface.
func (e *Emitter) Emit(msgType MessageType, data map[string]interface{}) {
	e.Enqueue(New(msgType, e.nodeID, e.now(), data))
}

// Enqueue adds a message to the outbound queue, dropping the oldest
// entry when the queue is full. Invalid messages are dropped outright.
func (e *Emitter) Enqueue(msg *Message) {
	if err := msg.Validate(); err != nil {
		e.logger.Printf("dropping invalid message: %v", err)
		return
	}

	select {
	case e.queue <- msg:
		return
	default:
	}

	// Queue full: evict one, then retry once. A concurrent enqueue may
	// still win the slot, in which case this message is the one dropped.
	select {
	case <-e.queue:
	default:
	}
	select {
	case e.queue <- msg:
	default:
	}
}

// Start launches the connect/deliver loop.
func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop terminates delivery. Queued messages not yet written are lost.
func (e *Emitter) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Emitter) run() {
	defer e.wg.Done()

	attempt := 0
	for {
		conn, _, err := e.dialer.Dial(e.url, nil)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			e.logger.Printf("connect to %s failed (attempt %d, retry in %v): %v", e.url, attempt, delay, err)
			select {
			case <-time.After(delay):
				continue
			case <-e.stop:
				return
			}
		}

		attempt = 0
		e.logger.Printf("connected to %s", e.url)
		if !e.deliver(conn) {
			return
		}
	}
}

// deliver pumps queued messages onto one connection until it fails.
// Returns false when the emitter is stopping.
func (e *Emitter) deliver(conn *websocket.Conn) bool {
	// The reader only services control frames and connection teardown.
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()

	for {
		select {
		case msg := <-e.queue:
			raw, err := msg.JSON()
			if err != nil {
				e.logger.Printf("marshal failed, dropping %s: %v", msg.Type, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(emitWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				e.logger.Printf("write failed, reconnecting: %v", err)
				e.Enqueue(msg)
				return true
			}

		case <-readErr:
			e.logger.Printf("connection lost, reconnecting")
			return true

		case <-e.stop:
			conn.SetWriteDeadline(time.Now().Add(emitWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return false
		}
	}
}

// backoffDelay is exponential from 100ms capped at 10s, with 10% jitter
// so a fleet of reconnecting nodes does not stampede the server.
func backoffDelay(attempt int) time.Duration {
	delay := reconnectMin
	for i := 1; i < attempt && delay < reconnectMax; i++ {
		delay *= 2
	}
	if delay > reconnectMax {
		delay = reconnectMax
	}
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
	return delay + jitter
}
