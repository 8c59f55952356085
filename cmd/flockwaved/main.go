package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"flockwave/internal/channels/tcpsock"
	"flockwave/internal/channels/wsock"
	"flockwave/internal/dock"
	"flockwave/internal/firehose"
	"flockwave/internal/handlers"
	"flockwave/internal/hub"
	"flockwave/internal/hub/ratelimit"
	"flockwave/internal/metrics"
	"flockwave/internal/registries"
	"flockwave/pkg/config"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
	"flockwave/pkg/monitoring"
	"flockwave/pkg/server"
	"flockwave/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("flockwaved")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Flockwave server")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("flockwaved", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("flockwaved", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Registries and the message hub
	clients := registries.NewClientRegistry()
	channelTypes := registries.NewChannelTypeRegistry()
	msgHub := hub.New(logger, serviceMetrics)
	msgHub.AttachClientRegistry(clients)
	msgHub.AttachChannelTypeRegistry(channelTypes)

	serverName := config.GetEnv("SERVER_NAME", "Flockwave server")
	handlers.Register(msgHub, serverName)

	// WebSocket channel
	wsChannel := wsock.NewChannel(msgHub, clients, serviceMetrics, logger)
	if err := channelTypes.Register(wsChannel.Descriptor()); err != nil {
		logger.WithError(err).Fatal("Failed to register WebSocket channel")
	}

	// TCP channel
	tcpListener := tcpsock.NewListener(
		config.GetEnv("TCP_ADDR", ":5001"), msgHub, clients, serviceMetrics, logger)
	if err := channelTypes.Register(tcpListener.Descriptor()); err != nil {
		logger.WithError(err).Fatal("Failed to register TCP channel")
	}

	// Dock link
	dockListener := dock.NewListener(
		config.GetEnv("DOCK_ADDR", ":5002"), msgHub, clients, logger)
	if err := channelTypes.Register(dockListener.Descriptor()); err != nil {
		logger.WithError(err).Fatal("Failed to register dock channel")
	}

	// Optional Kafka firehose
	var fh *firehose.Firehose
	if brokersEnv := config.GetEnv("KAFKA_BROKERS", ""); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		topic := config.GetEnv("KAFKA_TOPIC", "flockwave_firehose")

		var err error
		fh, err = firehose.New(brokers, topic, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka firehose")
		}
		defer fh.Close()

		if err := channelTypes.Register(fh.Descriptor()); err != nil {
			logger.WithError(err).Fatal("Failed to register firehose channel")
		}
		if err := fh.Attach(clients); err != nil {
			logger.WithError(err).Fatal("Failed to attach firehose client")
		}

		fh.Instrument(metricsCollector.CreateKafkaMetrics())
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(fh.Client()))
		healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
			"KAFKA_BROKERS": brokersEnv,
			"KAFKA_TOPIC":   topic,
		}))
	}

	healthChecker.AddCheck("outbound_queue", monitoring.QueueDepthHealthCheck("outbound", msgHub.QueueDepth))

	// Rate limiters for high-frequency notification groups
	limiters := ratelimit.NewRegistry(func(ctx context.Context, msg *model.Message) error {
		serviceMetrics.RateLimiterBatches.WithLabelValues(msg.Type()).Inc()
		return msgHub.Send(ctx, msg, hub.Broadcast, nil)
	}, logger)

	batchDelay := config.GetEnvDuration("RATE_LIMIT_DELAY", 100*time.Millisecond)
	uavFactory := func(ids []string) (*model.Message, error) {
		return msgHub.CreateNotification(map[string]interface{}{
			"type": "UAV-INF",
			"ids":  ids,
		}), nil
	}
	if err := limiters.Register("UAV-INF", ratelimit.NewGenericLimiter(uavFactory, batchDelay, logger)); err != nil {
		logger.WithError(err).Fatal("Failed to register UAV-INF rate limiter")
	}

	connFactory := func(ids []string) (*model.Message, error) {
		return msgHub.CreateNotification(map[string]interface{}{
			"type": "CONN-INF",
			"ids":  ids,
		}), nil
	}
	if err := limiters.Register("CONN-INF", ratelimit.NewConnectionStateLimiter(connFactory, logger)); err != nil {
		logger.WithError(err).Fatal("Failed to register CONN-INF rate limiter")
	}

	// Announce client connection changes through the CONN-INF limiter
	clients.Added.Connect(func(c *model.Client) {
		_ = limiters.RequestToSend("CONN-INF",
			c.ID, model.ConnectionDisconnected, model.ConnectionConnected)
	})
	clients.Removed.Connect(func(c *model.Client) {
		_ = limiters.RequestToSend("CONN-INF",
			c.ID, model.ConnectionConnected, model.ConnectionDisconnected)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return msgHub.Run(ctx) })
	g.Go(func() error { return tcpListener.Run(ctx) })
	g.Go(func() error { return dockListener.Run(ctx) })
	g.Go(func() error { return limiters.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				depth, _ := msgHub.QueueDepth()
				serviceMetrics.QueueDepth.WithLabelValues("outbound").Set(float64(depth))
			}
		}
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "flockwaved", healthChecker, metricsCollector)
	router.GET("/ws", func(c *gin.Context) { wsChannel.ServeWS(c.Writer, c.Request) })

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("flockwaved", "5000")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	cancel()
	msgHub.Close()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Error("Background task failed during shutdown")
	}
	logger.Info("Flockwave server stopped")
}
