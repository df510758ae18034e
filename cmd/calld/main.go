// Package main is the entry point for the call coordination daemon.
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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/callsync/internal/api"
	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/config"
	"github.com/onnwee/callsync/internal/engine"
	"github.com/onnwee/callsync/internal/health"
	"github.com/onnwee/callsync/internal/middleware"
	"github.com/onnwee/callsync/internal/permission"
	"github.com/onnwee/callsync/internal/transport"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Callsync Coordination Daemon")
		fmt.Println()
		fmt.Println("Usage: calld [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	// Initialize logger
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	// Metrics registry
	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	broadcaster := engine.NewBroadcaster()

	client, err := transport.NewClient(transport.Config{
		URL:            cfg.GatewayURL,
		ClientID:       cfg.GatewayClientID,
		Secret:         cfg.GatewaySecret,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFactor:   0.2,
		RequestTimeout: 10 * time.Second,
	}, nil, logger)
	if err != nil {
		logger.Error("failed to create gateway client", "error", err)
		os.Exit(1)
	}

	// Manage-permission answers come from the gateway, cached per chat.
	perms := permission.NewCache(client.CanManageCalls, permission.DefaultTTL, logger)

	eng, err := engine.New(engine.Config{
		OrderRefreshInterval: cfg.OrderRefreshInterval,
		LivenessInterval:     cfg.LivenessInterval,
		SpeakingThrottle:     cfg.SpeakingThrottle,
		ResyncDebounce:       cfg.ResyncDebounce,
		PendingUpdateLimit:   cfg.PendingUpdateLimit,
		LoadLimit:            int32(cfg.LoadPageLimit),
		AutoRejoin:           cfg.AutoRejoin,
	}, client, perms, broadcaster, logger, metrics)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	client.SetHandler(eng)

	healthHandlers := health.NewHandlers(health.NewGatewayChecker(client))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws/calls", subscribeHandler(broadcaster, logger))
	api.NewHandlers(eng, logger).Register(mux)

	// Apply middleware: RequestID -> Logging
	handler := middleware.RequestID(middleware.Logging(logger)(mux))

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := eng.Run(runCtx); err != nil && err != context.Canceled {
			logger.Error("engine stopped", "error", err)
		}
	}()
	go func() {
		if err := client.Run(runCtx); err != nil && err != context.Canceled {
			logger.Error("gateway client stopped", "error", err)
		}
	}()
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("stopped")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// subscribeHandler upgrades the connection and streams call and
// participant events for the call named in the "call" query parameter.
func subscribeHandler(b *engine.Broadcaster, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("call")
		id, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || id == 0 {
			http.Error(w, "invalid call id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		b.Subscribe(call.ID(id), conn)
		defer func() {
			b.Unsubscribe(conn)
			_ = conn.Close()
		}()

		// Drain control frames until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
