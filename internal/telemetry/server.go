package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256

	// settlementRingSize caps the retained settlement event history.
	settlementRingSize = 100
)

var (
	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_messages_total",
		Help: "Telemetry messages accepted by the server",
	}, []string{"type"})

	metricRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_messages_rejected_total",
		Help: "Telemetry messages rejected as invalid",
	})

	metricClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_dashboard_clients",
		Help: "Connected dashboard clients",
	})

	metricConnectors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_connector_feeds",
		Help: "Connected connector feeds",
	})
)

var serverUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay republishes accepted events to sibling server instances and
// feeds remotely published events back in. Optional.
type Relay interface {
	Publish(ctx context.Context, raw []byte) error
	Subscribe(ctx context.Context, handler func(raw []byte)) (unsubscribe func(), err error)
}

// client is one dashboard websocket connection. All writes flow through
// the Send channel into writePump; readPump only detects disconnect.
type client struct {
	conn *websocket.Conn
	Send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

type balanceKey struct {
	nodeID  string
	peerID  string
	tokenID string
}

type inbound struct {
	msg       *Message
	raw       []byte
	fromRelay bool
}

type snapshot struct {
	statuses      []*Message
	balances      []BalanceState
	settlements   []*Message
	clients       int
	connectors    int
	relayDegraded bool
}

// Server aggregates telemetry from all connectors and fans it out to
// dashboard clients. One actor goroutine owns every piece of mutable
// state; websocket handlers and REST handlers talk to it over channels.
type Server struct {
	nodeID string
	relay  Relay
	logger *slog.Logger
	ready  atomic.Bool

	inboundCh chan inbound
	addCh     chan *client
	removeCh  chan *client
	snapCh    chan chan snapshot

	startedAt time.Time
	connCount atomic.Int64
	stop      chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
}

// NewServer creates a telemetry server. relay may be nil.
func NewServer(relay Relay) *Server {
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "telemetry-server"
	}
	return &Server{
		nodeID:    nodeID,
		relay:     relay,
		logger:    slog.With("component", "telemetry-server"),
		inboundCh: make(chan inbound, 1024),
		addCh:     make(chan *client),
		removeCh:  make(chan *client, 64),
		snapCh:    make(chan chan snapshot),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Start launches the actor loop and, when a relay is configured,
// subscribes to sibling instances.
func (s *Server) Start(ctx context.Context) error {
	go s.loop()

	if s.relay != nil {
		unsub, err := s.relay.Subscribe(ctx, func(raw []byte) {
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.logger.Warn("relay message unreadable", "error", err)
				return
			}
			select {
			case s.inboundCh <- inbound{msg: &msg, raw: raw, fromRelay: true}:
			default:
			}
		})
		if err != nil {
			return err
		}
		go func() {
			<-s.stop
			unsub()
		}()
	}
	s.ready.Store(true)
	return nil
}

// Stop terminates the actor loop.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.loopDone
}

// loop is the single owner of server state.
func (s *Server) loop() {
	defer close(s.loopDone)

	statusCache := make(map[string]*Message) // nodeID -> latest NODE_STATUS
	balances := make(map[balanceKey]BalanceState)
	settlements := make([]*Message, 0, settlementRingSize)
	clients := make(map[*client]struct{})
	var lastRelayErr time.Time

	for {
		select {
		case in := <-s.inboundCh:
			msg := in.msg
			metricMessages.WithLabelValues(string(msg.Type)).Inc()

			switch msg.Type {
			case TypeNodeStatus:
				statusCache[msg.NodeID] = msg
			case TypeAccountBalance:
				balances[balanceKey{msg.NodeID, msg.DataString("peerId"), msg.DataString("tokenId")}] = BalanceState{
					NodeID:    msg.NodeID,
					PeerID:    msg.DataString("peerId"),
					TokenID:   msg.DataString("tokenId"),
					Balance:   msg.DataString("balance"),
					UpdatedAt: msg.Timestamp,
				}
			case TypeSettlementTriggered, TypeSettlementCompleted:
				if len(settlements) == settlementRingSize {
					settlements = settlements[1:]
				}
				settlements = append(settlements, msg)
			}

			for c := range clients {
				select {
				case c.Send <- in.raw:
				default:
					// Client cannot keep up; drop it.
					delete(clients, c)
					c.close()
					metricClients.Set(float64(len(clients)))
				}
			}

			if s.relay != nil && !in.fromRelay {
				if err := s.relay.Publish(context.Background(), in.raw); err != nil {
					lastRelayErr = time.Now()
					s.logger.Warn("relay publish failed", "type", msg.Type, "error", err)
				}
			}

		case c := <-s.addCh:
			clients[c] = struct{}{}
			metricClients.Set(float64(len(clients)))
			// Replay cached node statuses so a fresh dashboard sees the
			// mesh without waiting for the next heartbeat.
			for _, msg := range statusCache {
				if raw, err := msg.JSON(); err == nil {
					select {
					case c.Send <- raw:
					default:
					}
				}
			}

		case c := <-s.removeCh:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				c.close()
				metricClients.Set(float64(len(clients)))
			}

		case reply := <-s.snapCh:
			snap := snapshot{
				clients:       len(clients),
				connectors:    int(s.connCount.Load()),
				relayDegraded: !lastRelayErr.IsZero() && time.Since(lastRelayErr) < time.Minute,
			}
			for _, msg := range statusCache {
				snap.statuses = append(snap.statuses, msg)
			}
			for _, b := range balances {
				snap.balances = append(snap.balances, b)
			}
			// The ring appends newest-last; the REST view is newest-first.
			for i := len(settlements) - 1; i >= 0; i-- {
				snap.settlements = append(snap.settlements, settlements[i])
			}
			reply <- snap

		case <-s.stop:
			for c := range clients {
				c.close()
			}
			return
		}
	}
}

func (s *Server) snapshot() snapshot {
	reply := make(chan snapshot, 1)
	select {
	case s.snapCh <- reply:
		return <-reply
	case <-s.stop:
		return snapshot{}
	}
}

// Routes returns the HTTP handler: the websocket endpoint, the REST
// API, and prometheus metrics.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/balances", s.handleBalances).Methods(http.MethodGet)
	r.HandleFunc("/api/settlements", s.handleSettlements).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// handleWebSocket classifies each connection by its first message:
// CLIENT_CONNECT marks a dashboard client, anything else is treated as
// the opening event of a connector feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := serverUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_, first, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var firstMsg Message
	if err := json.Unmarshal(first, &firstMsg); err != nil {
		s.logger.Warn("unreadable first message, dropping connection", "error", err)
		conn.Close()
		return
	}

	if firstMsg.Type == TypeClientConnect {
		s.serveClient(conn)
		return
	}
	s.serveConnector(conn, &firstMsg, first)
}

func (s *Server) serveClient(conn *websocket.Conn) {
	c := &client{
		conn: conn,
		Send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	select {
	case s.addCh <- c:
	case <-s.stop:
		conn.Close()
		return
	}

	s.logger.Info("dashboard client connected", "remote", conn.RemoteAddr().String())
	go c.writePump()

	// Clients only send their opening CLIENT_CONNECT; the read loop
	// exists to notice disconnects.
	go func() {
		defer func() {
			select {
			case s.removeCh <- c:
			case <-s.stop:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) serveConnector(conn *websocket.Conn, first *Message, firstRaw []byte) {
	metricConnectors.Inc()
	s.connCount.Add(1)
	defer func() {
		metricConnectors.Dec()
		s.connCount.Add(-1)
	}()
	defer conn.Close()

	s.logger.Info("connector feed connected", "node", first.NodeID)
	s.accept(first, firstRaw)

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("connector feed closed", "node", first.NodeID, "error", err)
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("unreadable telemetry message", "node", first.NodeID, "error", err)
			metricRejected.Inc()
			continue
		}
		s.accept(&msg, raw)
	}
}

func (s *Server) accept(msg *Message, raw []byte) {
	if err := msg.Validate(); err != nil {
		s.logger.Warn("invalid telemetry message", "error", err)
		metricRejected.Inc()
		return
	}
	select {
	case s.inboundCh <- inbound{msg: msg, raw: raw}:
	case <-s.stop:
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	status := "ready"
	switch {
	case !s.ready.Load():
		status = "starting"
	case snap.relayDegraded:
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodeId":    s.nodeID,
		"uptime":    int64(time.Since(s.startedAt).Seconds()),
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"clients":   snap.clients,
		"nodes":     len(snap.statuses),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	if snap.balances == nil {
		snap.balances = []BalanceState{}
	}
	writeJSON(w, http.StatusOK, snap.balances)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	if snap.settlements == nil {
		snap.settlements = []*Message{}
	}
	writeJSON(w, http.StatusOK, snap.settlements)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
