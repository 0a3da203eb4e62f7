package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/internal/core/services"
	"roomlink/internal/infrastructure/distributed"
	"roomlink/internal/infrastructure/monitoring"
	memoryrepo "roomlink/internal/infrastructure/repositories/memory"
	redisrepo "roomlink/internal/infrastructure/repositories/redis"
	sfurelay "roomlink/internal/infrastructure/sfu"
	signalws "roomlink/internal/infrastructure/signal"
	"roomlink/pkg/config"
	"roomlink/pkg/logger"
	"roomlink/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

func main() {
	configPath := os.Getenv("ROOMLINK_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// Startup failures before the logger exists go to stderr.
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "roomlink-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Room state lives in memory unless redis is configured. With redis the
	// instance also broadcasts room lifecycle events on the shared bus.
	var rooms ports.RoomRepository
	var eventBus *distributed.EventBus
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer redisrepo.CloseRedisClient(client)
		rooms = redisrepo.NewRedisRoomRepository(client)
		eventBus = distributed.NewEventBus(client, uuid.NewString(), log)
		defer eventBus.Close()

		busCtx, busCancel := context.WithCancel(context.Background())
		defer busCancel()
		go func() {
			err := eventBus.Subscribe(busCtx, func(event *domain.RoomEvent) error {
				log.Infow("remote room event",
					"type", event.Type,
					"room_id", event.RoomID,
					"participant", event.Participant,
					"instance", event.InstanceID,
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event bus subscription ended", "error", err)
			}
		}()
		log.Infow("using redis room repository", "address", cfg.Redis.Address)
	} else {
		memRepo := memoryrepo.NewMemoryRoomRepository()
		memRepo.SetMeshCapacity(cfg.Rooms.MeshCapacity)
		rooms = memRepo
		log.Infow("using in-memory room repository", "mesh_capacity", cfg.Rooms.MeshCapacity)
	}

	collector := monitoring.NewPrometheusCollector()

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	relay := sfurelay.NewRelay(sfurelay.Config{ICEServers: iceServers}, log)

	opts := signalws.Options{
		AllowedOrigin:   cfg.Signal.AllowedOrigin,
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		MaxMessageBytes: cfg.Signal.MaxMessageBytes,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.Burst
	}
	server := signalws.NewWebSocketServer(nil, relay, collector, opts, log)
	var registryEvents services.RegistryEvents
	if eventBus != nil {
		registryEvents = eventBus
	}
	registry := services.NewRegistryService(rooms, server, collector, registryEvents, log)
	server.SetRegistry(registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	signalServer := &http.Server{Addr: cfg.Signal.Address, Handler: mux}

	monitoringServer := &http.Server{
		Addr:    cfg.Monitoring.Address,
		Handler: monitoring.NewRouter(registry, cfg.Monitoring.PrometheusEnabled),
	}

	go func() {
		log.Infow("signal server listening", "address", cfg.Signal.Address)
		if err := signalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("signal server failed", "error", err)
		}
	}()
	go func() {
		log.Infow("monitoring server listening", "address", cfg.Monitoring.Address)
		if err := monitoringServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("monitoring server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := signalServer.Shutdown(ctx); err != nil {
		log.Errorw("signal server shutdown failed", "error", err)
	}
	if err := monitoringServer.Shutdown(ctx); err != nil {
		log.Errorw("monitoring server shutdown failed", "error", err)
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Errorw("tracer shutdown failed", "error", err)
		}
	}
	log.Infow("shutdown complete")
}
