package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rviscarra/remotedesk/internal/config"
	"github.com/rviscarra/remotedesk/internal/coordinator"
	"github.com/rviscarra/remotedesk/internal/db"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/negotiator"
	"github.com/rviscarra/remotedesk/internal/notify"
	"github.com/rviscarra/remotedesk/internal/presence"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the coordinator YAML config")
	listen := pflag.String("listen", "", "HTTP listen address, overrides the config")
	pflag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't load config: %v\n", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Listen = *listen
	}

	log, err := logger.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("Coordinator stopped")
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger) (db.Store, error) {
	if cfg.Driver == "postgres" {
		store, err := db.NewPostgresStore(ctx, db.PostgresConfig{
			URL:             cfg.URL,
			MaxConnections:  cfg.MaxConnections,
			MinConnections:  cfg.MinConnections,
			MaxConnLifetime: cfg.MaxConnLife.D(),
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	store, err := db.NewSQLiteStore(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}

	log.Info().Str("path", cfg.Path).Msg("Using sqlite store")

	return store, nil
}

func run(cfg *config.Coordinator, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		fast  presence.Tier
		relay *notify.NatsRelay
	)

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("remotedesk-coordinator"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()

		tier, err := presence.NewNatsFastTier(ctx, nc, cfg.NATS.Bucket, cfg.Presence.TTL.D())
		if err != nil {
			return err
		}
		fast = tier

		relay = notify.NewNatsRelay(nc, cfg.NATS.RelaySubject, log)
		defer relay.Close()

		log.Info().Str("bucket", cfg.NATS.Bucket).Str("subject", cfg.NATS.RelaySubject).Msg("NATS presence and relay enabled")
	} else if cfg.Presence.Memory {
		fast = presence.NewMemoryTier()
	}

	ps := presence.NewStore(fast, presence.NewDurableTier(store, store), presence.Options{
		Freshness: cfg.Presence.Freshness.D(),
		TTL:       cfg.Presence.TTL.D(),
	}, log)

	hub := notify.NewHub(ps, notify.HubOptions{
		PingInterval: cfg.Hub.PingInterval.D(),
		WriteTimeout: cfg.Hub.WriteTimeout.D(),
	}, log)
	defer hub.Close()

	if relay != nil {
		hub.SetForwarder(relay)

		if err := relay.Serve(hub); err != nil {
			return err
		}
	}

	n := negotiator.New(store, ps, hub, negotiator.Config{
		PushRetries:     cfg.Negotiation.PushRetries,
		PushRetryDelay:  cfg.Negotiation.PushRetryDelay.D(),
		ApprovalTimeout: cfg.Negotiation.ApprovalTimeout.D(),
		SweepInterval:   cfg.Negotiation.SweepInterval.D(),
		PresenceTTL:     cfg.Presence.TTL.D(),
	}, log)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: coordinator.NewServer(n,
			coordinator.WithPushHandler(hub),
			coordinator.WithMetrics(coordinator.NewRegistry()),
			coordinator.WithLogger(log),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Str("driver", cfg.Database.Driver).Msg("Starting coordinator")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return n.Run(ctx)
	})

	eg.Go(func() error {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(sctx)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
