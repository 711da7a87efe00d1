package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dronefood-realtime/config"
	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/broker/mqtt"
	"dronefood-realtime/internal/broker/nats"
	"dronefood-realtime/internal/broker/stomp"
	"dronefood-realtime/internal/logger"
	"dronefood-realtime/internal/metrics"
	"dronefood-realtime/internal/realtime"
	"dronefood-realtime/internal/stats"
)

func main() {
	// Command line flags for config
	configPath := flag.String("config", "", "path to config file (empty = defaults)")

	// Optional override flags
	backendOverride := flag.String("backend", "", "override broker backend: stomp, mqtt or nats (empty = use config)")
	urlOverride := flag.String("url", "", "override realtime base URL (empty = use config or "+config.URLEnvVar+")")
	logLevelOverride := flag.String("log-level", "", "override log level (empty = use config)")
	reconnectOverride := flag.Duration("reconnect-delay", 0, "override reconnect delay (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	// Load configuration
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*backendOverride,
		*urlOverride,
		*logLevelOverride,
		*metricsAddrOverride,
		*metricsPathOverride,
		*reconnectOverride,
		*metricsIntervalOverride,
	)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	statsCollector := stats.NewStatsCollector()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		metricsCollector := metrics.NewMetricsCollector(metricsService, statsCollector, updateInterval, nil)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	dialer, err := newDialer(&cfg.Realtime, logger)
	if err != nil {
		logger.Fatal("failed to create broker dialer", "error", err)
	}

	opts := []realtime.Option{
		realtime.WithLogger(logger),
		realtime.WithStats(statsCollector),
		realtime.WithReconnectDelay(cfg.Realtime.ReconnectDelayDuration()),
	}
	if metricsService != nil {
		opts = append(opts, realtime.WithMetrics(metricsService))
	}
	channel := realtime.New(dialer, opts...)

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Registering the first listener connects the channel.
	channel.OnOrderUpdate(func(u realtime.OrderUpdate) {
		logger.Info("order update",
			"orderId", u.OrderID,
			"status", u.Status,
			"droneId", u.DroneID)
	})
	channel.OnDroneUpdate(func(u realtime.DroneUpdate) {
		kv := []interface{}{"droneId", u.DroneID, "status", u.Status}
		if lat, lng, ok := u.Position(); ok {
			kv = append(kv, "lat", lat, "lng", lng)
		}
		if u.Battery != nil {
			kv = append(kv, "battery", *u.Battery)
		}
		logger.Info("drone update", kv...)
	})
	channel.OnCartUpdate(func(u realtime.CartUpdate) {
		logger.Info("cart update",
			"userId", u.UserID,
			"items", len(u.Items),
			"total", u.Total)
	})

	logger.Info("realtime-tail started",
		"broker", dialer.String(),
		"reconnectDelay", cfg.Realtime.ReconnectDelay,
		"metricsEnabled", cfg.Metrics.Enabled)

	// Handle signals
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reopening logs")
			if data, err := statsCollector.GetStatsJSON(); err == nil {
				logger.Info("channel statistics", "state", string(channel.State()), "stats", string(data))
			}
			logger.Sync()
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			channel.Disconnect()

			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown metrics server", "error", err)
				}
			}
			return
		}
	}
}

// newDialer builds the broker dialer selected by cfg.Backend.
func newDialer(cfg *config.RealtimeConfig, log *logger.Logger) (broker.Dialer, error) {
	var tlsConfig *tls.Config
	if cfg.TLS.Enable {
		var err error
		tlsConfig, err = broker.NewTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
	}

	incoming, outgoing := cfg.HeartbeatDurations()
	handshake := cfg.HandshakeTimeoutDuration()

	switch cfg.Backend {
	case "stomp":
		opts := []stomp.Option{
			stomp.WithEndpoints(cfg.Endpoints...),
			stomp.WithCredentials(cfg.Login, cfg.Passcode),
			stomp.WithHeartbeat(outgoing, incoming),
			stomp.WithHandshakeTimeout(handshake),
			stomp.WithLogger(log),
		}
		if tlsConfig != nil {
			ws := *websocket.DefaultDialer
			ws.Subprotocols = []string{"v12.stomp", "v11.stomp"}
			ws.TLSClientConfig = tlsConfig
			opts = append(opts, stomp.WithWebSocketDialer(&ws))
		}
		return stomp.NewDialer(cfg.URL, opts...)

	case "mqtt":
		opts := []mqtt.Option{
			mqtt.WithClientID(cfg.ClientID),
			mqtt.WithCredentials(cfg.Login, cfg.Passcode),
			mqtt.WithConnectTimeout(handshake),
			mqtt.WithTLSConfig(tlsConfig),
			mqtt.WithLogger(log),
		}
		if incoming > 0 {
			opts = append(opts, mqtt.WithKeepAlive(incoming))
		}
		return mqtt.NewDialer(cfg.URL, opts...)

	case "nats":
		opts := []nats.Option{
			nats.WithName(cfg.ClientID),
			nats.WithCredentials(cfg.Login, cfg.Passcode),
			nats.WithConnectTimeout(handshake),
			nats.WithTLSConfig(tlsConfig),
			nats.WithLogger(log),
		}
		if incoming > 0 {
			opts = append(opts, nats.WithPingInterval(incoming))
		}
		return nats.NewDialer(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported realtime backend: %s", cfg.Backend)
	}
}
