package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/config"
	"github.com/meshpay/connector/internal/connector"
	"github.com/meshpay/connector/internal/events"
	"github.com/meshpay/connector/internal/followgraph"
	"github.com/meshpay/connector/internal/ledger"
	"github.com/meshpay/connector/internal/packet"
	"github.com/meshpay/connector/internal/peer"
	"github.com/meshpay/connector/internal/routing"
	"github.com/meshpay/connector/internal/security"
	"github.com/meshpay/connector/internal/store"
	"github.com/meshpay/connector/internal/telemetry"
)

const nodeStatusInterval = 5 * time.Second

func main() {
	var (
		configPath   = flag.String("config", "config.yaml", "path to the topology/config file")
		nodeID       = flag.String("node-id", "", "override the node id")
		btpPort      = flag.Int("btp-port", 0, "override the peer listener port")
		healthPort   = flag.Int("health-port", 0, "override the health/metrics port")
		logLevel     = flag.String("log-level", "", "trace, debug, info, warn, error, fatal, or silent")
		telemetryURL = flag.String("telemetry-url", "", "override the telemetry server websocket URL")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *btpPort != 0 {
		cfg.Node.BTPPort = *btpPort
	}
	if *healthPort != 0 {
		cfg.Node.HealthCheckPort = *healthPort
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}
	if *telemetryURL != "" {
		cfg.Telemetry.URL = *telemetryURL
	}

	setupLogging(cfg.Node.LogLevel, cfg.Node.ID)

	if err := run(cfg); err != nil {
		slog.Error("connector failed", "error", err)
		os.Exit(2)
	}
}

// parseLogLevel maps the configured level names onto slog levels. trace
// sits below debug; fatal and error both cut at LevelError since slog
// has no separate fatal level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	case "silent":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level, nodeID string) {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)})
	slog.SetDefault(slog.New(h).With("node", nodeID))
	log.SetOutput(os.Stderr)
}

func run(cfg *config.Config) error {
	clk := clock.New()
	nodeAddr, err := packet.ParseAddress(cfg.Node.Address)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Telemetry: components publish to the in-process bus; when a
	// dashboard URL is configured the websocket emitter drains it.
	bus := events.NewBus(cfg.Node.ID, clk.Now)
	var emitter *telemetry.Emitter
	if cfg.Telemetry.URL != "" {
		emitter = telemetry.NewEmitter(cfg.Telemetry.URL, cfg.Node.ID, clk.Now)
		emitter.Start()
		defer emitter.Stop()
		stopForward := events.Forward(bus, emitter)
		defer stopForward()
	}

	table := routing.NewTable()
	for _, r := range cfg.Routes {
		prefix, err := packet.ParseAddress(r.Prefix)
		if err != nil {
			return err
		}
		if err := table.Insert(routing.Route{Prefix: prefix, NextHop: r.NextHop, Source: routing.SourceStatic}); err != nil {
			return err
		}
	}
	fgRouter := followgraph.NewRouter(table, st, cfg.Node.DatabaseURL != "")
	if err := replayFollowEvents(fgRouter, st); err != nil {
		return err
	}

	lg := ledger.New(&loggingExecutor{}, bus, st, clk)
	for _, p := range cfg.Peers {
		lg.RegisterAccount(p.ID, p.Asset, ledger.AccountConfig{
			CreditLimit:         p.CreditLimit,
			SettlementThreshold: p.SettlementThreshold,
			MaxPacketAmount:     p.MaxPacketAmount,
		})
	}

	adapter := connector.NewHandlerAdapter(nodeAddr, defaultHandler(), clk)

	var prefixes []packet.Address
	for _, p := range cfg.Node.LocalPrefixes {
		a, err := packet.ParseAddress(p)
		if err != nil {
			return err
		}
		prefixes = append(prefixes, a)
	}

	fwd := connector.NewForwarder(nodeAddr, prefixes, table, lg, adapter, bus, clk)
	fwd.Start()

	// Peer links: listen for inbound, dial peers with endpoints.
	tokens := make(map[string]string)
	for _, p := range cfg.Peers {
		tokens[p.ID] = p.Token
	}
	onClose := func(peerID string) { fwd.UnregisterPeer(peerID) }
	onAccepted := func(l *peer.Link) {
		if pc, ok := cfg.Peer(l.PeerID); ok {
			fwd.RegisterPeer(l.PeerID, pc.Asset, l)
		}
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Node.BTPPort)
	listener, err := peer.NewListener(listenAddr, cfg.Node.ID, tokens, fwd, onAccepted, onClose)
	if err != nil {
		return err
	}
	defer listener.Close()
	slog.Info("peer listener up", "addr", listenAddr)

	stopDialers := make(chan struct{})
	for _, p := range cfg.Peers {
		if p.Endpoint == "" {
			continue
		}
		go dialLoop(p, cfg.Node.ID, fwd, stopDialers)
	}

	// Health and metrics.
	r := mux.NewRouter()
	startedAt := time.Now()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","node":%q,"uptime_seconds":%d,"pending":%d}`,
			cfg.Node.ID, int64(time.Since(startedAt).Seconds()), fwd.PendingCount())
	})
	limiter := security.NewRateLimiter(clk)
	defer limiter.Stop()
	auditor := security.NewAuditLogger(st, clk)

	r.HandleFunc("/follow-events", func(w http.ResponseWriter, req *http.Request) {
		ip, _, _ := net.SplitHostPort(req.RemoteAddr)
		if !limiter.CheckRateLimit("follow_event", ip) {
			auditor.Log("follow_event", ip, nil, "rate_limited", ip, req.UserAgent())
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		var evt followgraph.Event
		if err := json.NewDecoder(req.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limiter.RecordOperation("follow_event", ip)
		if err := fgRouter.UpdateFromFollowEvent(&evt); err != nil {
			auditor.Log("follow_event", evt.Pubkey, map[string]interface{}{"event_id": evt.ID}, "rejected", ip, req.UserAgent())
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		auditor.Log("follow_event", evt.Pubkey, map[string]interface{}{"event_id": evt.ID}, "accepted", ip, req.UserAgent())
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler())
	healthSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Node.HealthCheckPort), Handler: r}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()
	defer healthSrv.Close()

	// Periodic NODE_STATUS heartbeat.
	statusTicker := time.NewTicker(nodeStatusInterval)
	defer statusTicker.Stop()
	go func() {
		for range statusTicker.C {
			bus.Emit(telemetry.TypeNodeStatus, map[string]interface{}{
				"address":       string(nodeAddr),
				"uptimeSeconds": int64(time.Since(startedAt).Seconds()),
				"pending":       fwd.PendingCount(),
			})
		}
	}()

	slog.Info("connector up", "id", cfg.Node.ID, "address", cfg.Node.Address)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	close(stopDialers)
	fwd.Shutdown(cfg.GracePeriod())
	return nil
}

func openStore(cfg *config.Config) (store.EventStore, error) {
	if cfg.Node.DatabaseURL == "" {
		slog.Info("no database configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(cfg.Node.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.EnsureSchema(); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return pg, nil
}

// defaultHandler accepts every local payment when E2E_TESTS is set, and
// is absent otherwise so unexpected local payments reject F06.
func defaultHandler() connector.PaymentHandler {
	if os.Getenv("E2E_TESTS") != "true" {
		return nil
	}
	return func(req connector.PaymentRequest) (connector.PaymentResponse, error) {
		return connector.PaymentResponse{Accept: true}, nil
	}
}

// dialLoop keeps an outbound peer connection alive.
func dialLoop(p config.PeerConfig, localNodeID string, fwd *connector.Forwarder, stop chan struct{}) {
	backoff := time.Second
	for {
		select {
		case <-stop:
			return
		default:
		}

		done := make(chan struct{})
		link, err := peer.Dial(p.Endpoint, localNodeID, p.Token, fwd, func(peerID string) {
			fwd.UnregisterPeer(peerID)
			close(done)
		})
		if err != nil {
			slog.Warn("peer dial failed", "peer", p.ID, "endpoint", p.Endpoint, "retry_in", backoff.String(), "error", err)
			select {
			case <-time.After(backoff):
			case <-stop:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		fwd.RegisterPeer(link.PeerID, p.Asset, link)

		// Block until the link dies, then reconnect.
		select {
		case <-stop:
			link.Close()
			return
		case <-done:
		}
	}
}

// replayFollowEvents restores the follow-graph contribution to the
// routing table from persisted events.
func replayFollowEvents(r *followgraph.Router, st store.EventStore) error {
	records, err := st.LoadFollowEvents()
	if err != nil {
		return fmt.Errorf("load follow events: %w", err)
	}
	for _, rec := range records {
		var evt followgraph.Event
		if err := json.Unmarshal(rec.Raw, &evt); err != nil {
			slog.Warn("skipping corrupt follow event", "author", rec.Author, "error", err)
			continue
		}
		if err := r.UpdateFromFollowEvent(&evt); err != nil {
			slog.Warn("skipping persisted follow event", "author", rec.Author, "error", err)
		}
	}
	if len(records) > 0 {
		slog.Info("follow graph restored", "events", len(records))
	}
	return nil
}

// loggingExecutor stands in for an external settlement rail: it logs
// the transfer and acknowledges immediately.
type loggingExecutor struct{}

func (loggingExecutor) ExecuteSettlement(peerID, tokenID string, amount int64) error {
	slog.Info("settlement executed", "peer", peerID, "token", tokenID, "amount", amount)
	return nil
}
