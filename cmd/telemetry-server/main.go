package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meshpay/connector/internal/telemetry"
)

func main() {
	godotenv.Load()

	port := flag.Int("port", envInt("TELEMETRY_PORT", 9000), "HTTP/websocket listen port")
	flag.Parse()

	var relay telemetry.Relay
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		r := telemetry.NewRedisRelay(addr, os.Getenv("REDIS_PASSWORD"), os.Getenv("REDIS_CHANNEL"))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.Ping(ctx)
		cancel()
		if err != nil {
			slog.Error("redis unreachable", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer r.Close()
		relay = r
		slog.Info("relaying telemetry through redis", "addr", addr)
	}

	srv := telemetry.NewServer(relay)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		slog.Error("telemetry server start failed", "error", err)
		os.Exit(1)
	}
	defer srv.Stop()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: srv.Routes(),
	}
	go func() {
		slog.Info("telemetry server listening", "port", *port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("telemetry server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
