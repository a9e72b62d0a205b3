package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"classroom-chat/internal/auth"
	"classroom-chat/internal/config"
	"classroom-chat/internal/db"
	grpcserver "classroom-chat/internal/grpc"
	"classroom-chat/internal/handlers"
	"classroom-chat/internal/logging"
	"classroom-chat/internal/media"
	"classroom-chat/internal/middleware"
	"classroom-chat/internal/models"
	"classroom-chat/internal/observability"
	"classroom-chat/internal/rabbitmq"
	"classroom-chat/internal/repositories"
	"classroom-chat/internal/storage"
	"classroom-chat/internal/telemetry"
	"classroom-chat/internal/tracing"
	"classroom-chat/internal/ws"
)

const auditRoutingKey = "audit_events.chats"

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}
	logging.Init(cfg.Log)
	log := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("chat service stopped")
	}
	log.Info().Msg("chat service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.L()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	database, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to db: %w", err)
	}
	defer database.Close()

	gate, err := auth.NewJWTGate(cfg.Auth)
	if err != nil {
		return err
	}

	blobs, err := storage.New(ctx, cfg.Media)
	if err != nil {
		return fmt.Errorf("init media storage: %w", err)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.Log.ServiceName, cfg.Server.Environment)

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	mediaURL := models.MediaURL(cfg.Media.BaseURL)

	hub := ws.NewHub()
	var broadcaster ws.Broadcaster = hub
	var relay *ws.RedisBroadcaster
	var roomLock ws.RoomLocker
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		relay = ws.NewRedisBroadcaster(rdb, cfg.Redis.ChannelPrefix, hub)
		relay.SetLockTTL(cfg.WebSocket.AppendTimeout + 5*time.Second)
		broadcaster = relay
		roomLock = relay
	}

	chatWS := ws.NewChatWebSocketHandler(ws.Deps{
		Gate:        gate,
		Members:     chatRepo,
		Messages:    messageRepo,
		Media:       media.NewIngestor(blobs, cfg.Media.MaxBytes),
		Hub:         hub,
		Broadcaster: broadcaster,
		RoomLock:    roomLock,
		Config:      cfg.WebSocket,
		MediaURL:    mediaURL,
	})
	chatHandler := handlers.NewChatHandler(chatRepo, messageRepo, audit, mediaURL)
	mediaHandler := handlers.NewMediaHandler(blobs)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.Tracing.ServiceName),
		logging.GinMiddleware(),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/health", handlers.Health(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := middleware.AuthMiddleware(gate)

	router.POST("/chats", authMiddleware, chatHandler.CreateChat)
	router.GET("/chats", authMiddleware, chatHandler.ListChats)
	router.GET("/chats/:chat_id/messages", authMiddleware, chatHandler.ListMessages)
	router.DELETE("/chats/:chat_id", authMiddleware, chatHandler.DeleteChat)
	router.GET("/media/*ref", mediaHandler.Serve)

	router.GET("/ws/chats/:chat_id", chatWS.Handle)

	handlers.RegisterDebugRoutes(router, hub, cfg.Server.Debug)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpcserver.NewServer()
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", grpcListener.Addr().String()).Msg("grpc health server listening")
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		return grpcServer.Watch(gctx, database, 10*time.Second)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		closed := hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
		log.Info().Int("connections", closed).Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(sctx)
	})

	return g.Wait()
}
