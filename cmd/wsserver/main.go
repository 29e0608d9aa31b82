package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/social-realtime/internal/api"
	"github.com/whisper/social-realtime/internal/chat"
	"github.com/whisper/social-realtime/internal/config"
	"github.com/whisper/social-realtime/internal/database"
	"github.com/whisper/social-realtime/internal/gateway"
	"github.com/whisper/social-realtime/internal/messaging"
	"github.com/whisper/social-realtime/internal/notification"
	"github.com/whisper/social-realtime/internal/presence"
	"github.com/whisper/social-realtime/internal/ratelimit"
	"github.com/whisper/social-realtime/internal/session"
	"github.com/whisper/social-realtime/internal/social"
	"github.com/whisper/social-realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; the default one writes to stderr.
		config.Config{}.NewLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	// --- Postgres ---
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		fatal("failed to connect to Postgres", err)
	}
	if err := database.Migrate(db); err != nil {
		fatal("failed to migrate database", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		fatal("failed to connect to NATS", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		fatal("failed to connect to Redis", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client(), logger)

	logger.Info("social realtime server starting",
		"listen_addr", cfg.ListenAddr,
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr,
		"upload_dir", cfg.UploadDir)

	socialStore := social.NewStore(db)
	chatStore := chat.NewStore(db)
	notificationStore := notification.NewStore(db)
	registry := presence.NewMemoryRegistry()

	// The dispatcher is created before the server since NewServer requires
	// the Dispatch callback.
	dispatcher := ws.NewMessageDispatcher(cfg.HandlerTimeout, logger)

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  ws.MaxFrameBytesFor(cfg.MaxAttachmentBytes),
	}, sessionStore, dispatcher.Dispatch, logger)
	dispatcher.SetSender(server)

	relay := chat.NewRelay(socialStore, chatStore, registry, server, logger)
	gw := gateway.New(gateway.Deps{
		Registry: registry,
		Presence: presence.NewBroadcaster(registry, socialStore, server, natsClient, logger),
		Blocks:   socialStore,
		Relay:    relay,
		Ingester: chat.NewIngester(relay, chat.IngesterConfig{
			Dir:       cfg.UploadDir,
			URLPrefix: cfg.UploadURLPrefix,
			MaxBytes:  cfg.MaxAttachmentBytes,
		}),
		Notifier: notification.NewNotifier(notificationStore, registry, server, logger),
		Sessions: sessionStore,
		Limiter:  limiter,
		Sender:   server,
		Logger:   logger,
		Timeout:  cfg.HandlerTimeout,
	})
	gw.Register(dispatcher)

	server.SetLimiter(limiter)
	server.SetOnlineUsers(registry.OnlineCount)
	server.SetOnDisconnect(gw.OnDisconnect)

	if err := natsClient.SubscribeNotifyRequest(gw.HandleNotifyRequest); err != nil {
		fatal("failed to subscribe to notify requests", err)
	}

	httpAPI := &api.API{
		Logger:    logger.With("component", "api"),
		History:   chatStore,
		Inbox:     notificationStore,
		Blocks:    socialStore,
		Sessions:  sessionStore,
		UploadDir: cfg.UploadDir,
		UploadURL: cfg.UploadURLPrefix,
	}
	for _, prefix := range httpAPI.Prefixes() {
		server.Handle(prefix, httpAPI)
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())

		_ = natsClient.UnsubscribeNotifyRequest()
		server.Shutdown()
		natsClient.Close()
		sessionStore.Close()
		db.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		fatal("server error", err)
	}
}
