package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulcrum-registry/bus"
	"fulcrum-registry/bus/redisbus"
	"fulcrum-registry/config"
	"fulcrum-registry/coordinator"
	"fulcrum-registry/health"
	"fulcrum-registry/metrics"
	"fulcrum-registry/registry"
	"fulcrum-registry/routing"
	"fulcrum-registry/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setLogger()
	log.Info().Msgf("Starting fulcrum-registry version: %s", version)

	cfg := config.Load()
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(store.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("cannot reach store")
	}

	subscriber := redisbus.NewSubscriber(st, cfg.InstanceID, cfg.Workers,
		bus.ChannelRegistrationRequest,
		bus.ChannelHeartbeat,
		bus.ChannelRouteRequest,
		bus.ChannelReservationConsume,
		bus.ChannelControl,
	)

	// Metrics and health HTTP server
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, func() error {
		if err := st.Ping(context.Background()); err != nil {
			return err
		}
		if !subscriber.Ready() {
			return errors.New("subscriber not started")
		}
		return nil
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	alloc := registry.NewAllocator(st)
	servers := registry.NewServerStore(st)
	proxies := registry.NewProxyStore(st)
	slots := registry.NewSlotStore(st)
	reservations := registry.NewReservationStore(st, cfg.ReservationTTL)
	evaluator := routing.NewEvaluator(slots, cfg.RouteMaxRetries, cfg.RouteWaitThreshold)
	pending := coordinator.NewPendingQueue()

	publisher := redisbus.NewPublisher(st, cfg.InstanceID)
	controller := coordinator.NewController(publisher, alloc, servers, proxies, slots, reservations, evaluator, pending, cfg.InstanceID)
	reaper := coordinator.NewReaper(controller, servers, proxies, slots, alloc,
		cfg.HeartbeatTimeout, cfg.ReclaimWindow, cfg.ProxyReclaimAfter)

	// Re-hydrate the registry from the store before taking traffic.
	if active, err := servers.LoadActive(ctx); err != nil {
		log.Fatal().Err(err).Msg("cannot load active servers")
	} else {
		log.Info().Int("count", len(active)).Msg("restored active servers")
	}
	if unavailable, err := servers.LoadUnavailable(ctx); err != nil {
		log.Fatal().Err(err).Msg("cannot load unavailable servers")
	} else {
		log.Info().Int("count", len(unavailable)).Msg("restored unavailable servers")
	}
	if active, err := proxies.LoadActive(ctx); err != nil {
		log.Fatal().Err(err).Msg("cannot load active proxies")
	} else {
		log.Info().Int("count", len(active)).Msg("restored active proxies")
	}
	if unavailable, err := proxies.LoadUnavailable(ctx); err != nil {
		log.Fatal().Err(err).Msg("cannot load unavailable proxies")
	} else {
		log.Info().Int("count", len(unavailable)).Msg("restored unavailable proxies")
	}

	go func() {
		log.Info().Msg("starting subscriber loop")
		if err := subscriber.Start(ctx, controller.Handle); err != nil && ctx.Err() == nil {
			// Non-recoverable: without the bus there is nothing to coordinate
			log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
		}
	}()

	go reaper.Run(ctx, cfg.HeartbeatInterval)
	go controller.RunPendingLoop(ctx, cfg.PendingDrainEvery)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
