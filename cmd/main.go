package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ws-gateway/internal/authevents"
	"ws-gateway/internal/bus"
	"ws-gateway/internal/cache"
	"ws-gateway/internal/config"
	"ws-gateway/internal/connection"
	"ws-gateway/internal/gateway"
	"ws-gateway/internal/health"
	"ws-gateway/internal/logger"
	"ws-gateway/internal/profile"
	"ws-gateway/internal/session"
	"ws-gateway/internal/stats"
	"ws-gateway/internal/support"
	"ws-gateway/internal/upstream"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Gateway()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	sessions := session.NewStore(cfg.PersistenceDir)
	profiles := profile.NewStore(cfg.PersistenceDir)
	conns := connection.NewManager()

	redisCache, err := cache.NewCache(cache.Config{
		Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword, DB: cfg.RedisDB, Enabled: cfg.RedisEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis cache")
	}
	defer redisCache.Close()

	var dbClient authevents.DBClient
	var wsdb *authevents.WSDBClient
	if cfg.AuthDBWSURL != "" {
		wsdb = authevents.NewWSDBClient(cfg.AuthDBWSURL, profiles)
		dbClient = wsdb
	}

	processor := authevents.NewProcessor(sessions, profiles, conns, dbClient).WithCache(redisCache)

	statsRelay := stats.NewRelay()
	supportRelay := support.NewRelay(cfg.SupportRingSize)

	busClient := bus.NewClient(cfg.BusURL, cfg.BusExchange)
	processor.WithStatsRefresh(statsRelay, busClient)

	healthURLs := make(map[string]string, len(cfg.HealthUpstreams))
	for _, svc := range cfg.HealthUpstreams {
		healthURLs[svc.Name] = svc.URL
	}
	healthAgg := health.NewAggregator(healthURLs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := busClient.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}

	if wsdb != nil {
		go wsdb.Run(ctx)
	}

	go busClient.Consume(ctx, "ws_gateway.auth", []string{"auth.session.snapshot", "auth.logout"},
		func(env bus.Envelope, routingKey string) error {
			return processor.HandleEnvelope(ctx, env, routingKey)
		})

	go busClient.Consume(ctx, "ws_gateway.support", []string{"support.#"}, supportRelay.HandleBusEvent)

	go busClient.Consume(ctx, "ws_gateway.donations", []string{"donation.created", "donation.updated"},
		func(env bus.Envelope, routingKey string) error {
			return processor.HandleDonationEvent(ctx, env, routingKey)
		})

	donationStats := &upstream.Consumer{
		Name:          "donation-stats",
		URL:           cfg.DonationStatsWSURL,
		ReconnectWait: 5 * time.Second,
		Primer:        map[string]any{"event": "donation.stats.get"},
		Handler:       statsRelay.HandleUpstream,
	}
	go donationStats.Run(ctx)

	for _, svc := range cfg.HealthUpstreams {
		svc := svc
		hc := &upstream.Consumer{
			Name:          svc.Name,
			URL:           svc.URL,
			ReconnectWait: cfg.HealthInterval,
			Handler:       healthAgg.HandlerFor(svc.Name, svc.URL),
			OnConnect:     func() { healthAgg.OnConnected(svc.Name, svc.URL) },
			OnDisconnect:  func(err error) { healthAgg.OnError(svc.Name, svc.URL, err) },
		}
		go hc.Run(ctx)
	}

	srv := gateway.New(cfg, sessions, profiles, conns, processor, dbClient, statsRelay, supportRelay, healthAgg, busClient)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),

		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	conns.CloseAll(connection.CloseShutdown)

	if err := busClient.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close message bus connection")
	}

	log.Info().Msg("gateway shut down")
	fmt.Println("ws-gateway stopped")
}
