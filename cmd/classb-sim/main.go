package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-classb/internal/api"
	"github.com/lorawan-server/lorawan-classb/internal/auth"
	"github.com/lorawan-server/lorawan-classb/internal/config"
	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/integration"
	"github.com/lorawan-server/lorawan-classb/internal/server"
	"github.com/lorawan-server/lorawan-classb/internal/sim"
	"github.com/lorawan-server/lorawan-classb/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath = flag.String("config", "", "scenario file; the built-in scenario when empty")
	var validateOnly = flag.Bool("validate", false, "validate the scenario and exit")
	var showConfig = flag.Bool("show-config", false, "print the scenario and exit")
	var hashPassword = flag.String("hash-password", "", "print the bcrypt hash of a password for api.admin_password_hash and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load config")
		}
	}
	setupLogging(cfg.Log)

	if *showConfig || *validateOnly {
		cfg.PrintConfigSummary()
		if *validateOnly {
			fmt.Println("configuration is valid")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Simulation failed")
	}
	log.Info().Msg("Simulation stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		log.Info().Msg("No database configured, keeping history in memory")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewPostgresStore(ctx, cfg.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return nats.Connect(cfg.URL, opts...)
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runID := uuid.New()
	var sinks []events.Sink
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(cfg.NATS)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		sinks = append(sinks, events.NewPublisher(nc, runID))
	}

	var fwd *integration.Forwarder
	if cfg.Integration.Enabled() {
		fwd = integration.NewForwarder(cfg.Integration)
		if err := fwd.Connect(); err != nil {
			return fmt.Errorf("connect integration: %w", err)
		}
		// Without NATS the forwarder listens to the simulation directly.
		if nc == nil {
			sinks = append(sinks, fwd.Sink(runID))
		}
	}

	s, err := sim.New(cfg, sim.Options{RunID: runID, Registerer: reg, Sinks: sinks})
	if err != nil {
		return fmt.Errorf("build simulation: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if nc != nil && cfg.NATS.Persist {
		sub := server.NewNATSSubscriber(nc, store)
		g.Go(func() error {
			if err := sub.Start(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if fwd != nil {
		var conn integration.Conn
		if nc != nil {
			conn = nc
		}
		g.Go(func() error {
			if err := fwd.Start(gctx, conn); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.API.Enabled {
		srv, err := api.NewRESTServer(cfg, s, store, reg)
		if err != nil {
			return fmt.Errorf("build api: %w", err)
		}
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		startedAt := time.Now().UTC()
		log.Info().
			Str("run_id", runID.String()).
			Int64("seed", cfg.Simulation.Seed).
			Dur("duration", cfg.Simulation.Duration).
			Bool("realtime", cfg.Simulation.Realtime).
			Msg("Simulation started")

		err := s.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if nc != nil {
			if err := nc.Flush(); err != nil {
				log.Warn().Err(err).Msg("Failed to flush NATS")
			}
		}
		if err := saveRunSummary(s, store, startedAt); err != nil {
			log.Error().Err(err).Msg("Failed to save run summary")
		}

		// Keep serving results until interrupted.
		if !cfg.API.Enabled {
			cancel()
		} else if err == nil {
			log.Info().Str("addr", cfg.API.Addr()).Msg("Simulation finished, API still serving")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func saveRunSummary(s *sim.Simulation, store storage.Store, startedAt time.Time) error {
	summary, err := s.RunSummary(startedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := store.SaveRunSummary(ctx, summary); err != nil {
		return err
	}

	log.Info().
		Str("run_id", summary.ID.String()).
		Dur("simulated", summary.SimulatedTime).
		Uint64("beacons", summary.BeaconsBroadcast).
		Uint64("beacons_blocked", summary.BeaconsBlocked).
		Uint64("multicast", summary.MulticastSent).
		Uint64("unicast", summary.UnicastSent).
		Msg("Run summary saved")
	return nil
}
