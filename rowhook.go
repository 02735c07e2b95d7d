package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/rowhook/actors"
	"github.com/maxpert/rowhook/admin"
	"github.com/maxpert/rowhook/cache"
	"github.com/maxpert/rowhook/cfg"
	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/id"
	"github.com/maxpert/rowhook/listener"
	"github.com/maxpert/rowhook/notify"
	"github.com/maxpert/rowhook/publisher"
	_ "github.com/maxpert/rowhook/publisher/sink"
	_ "github.com/maxpert/rowhook/publisher/transformer"
	"github.com/maxpert/rowhook/session"
	"github.com/maxpert/rowhook/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("rowhook - transactional change events")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("rowhook stopped with error")
	}
	log.Info().Msg("rowhook stopped")
}

func run(ctx context.Context) error {
	policy, err := dispatch.ParseFlushPolicy(cfg.Config.Dispatch.FlushPolicy)
	if err != nil {
		return err
	}

	coordinator := dispatch.NewCoordinator(
		listener.NewRegistry(),
		dispatch.WithFlushPolicy(policy),
		dispatch.WithIDGenerator(id.NewTimeGenerator(cfg.Config.NodeID)),
	)

	log.Info().Str("driver", cfg.Config.Database.Driver).Msg("Opening database")
	sess, err := session.Open(cfg.Config.Database.Driver, cfg.GetDatabaseDSN(), coordinator)
	if err != nil {
		return err
	}
	defer sess.Close()
	if cfg.Config.Database.MaxOpenConns > 0 {
		sess.DB().SetMaxOpenConns(cfg.Config.Database.MaxOpenConns)
	}

	if err := actors.Migrate(ctx, sess); err != nil {
		return err
	}
	dao := actors.NewDao(sess)

	var actorCache *cache.Cache[int64, actors.Actor]
	if cfg.Config.Cache.Enabled {
		actorCache, err = cache.New[int64, actors.Actor]("actor-cache", cfg.Config.Cache.Size)
		if err != nil {
			return err
		}
		if _, err := dao.AddListener(actorCache); err != nil {
			return err
		}
	}

	publishers, err := publisher.NewRegistry(publisher.RegistryConfig{
		SinkConfigs: cfg.Config.Sinks,
		NodeID:      cfg.Config.NodeID,
	})
	if err != nil {
		return err
	}
	defer publishers.Close()
	if err := publishers.Register(coordinator); err != nil {
		return err
	}

	hub := notify.NewHub("commit-signals")
	if _, err := coordinator.AddListener(hub); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/actors", actors.NewAPI(sess, dao, actorCache).Routes())
	if cfg.Config.HTTP.Admin {
		admin.RegisterRoutes(r, admin.NewAdminHandlers(coordinator, cfg.Config.NodeID).WithHub(hub), cfg.Config.HTTP.AdminSecret)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().
		Str("address", srv.Addr).
		Str("data_dir", cfg.Config.DataDir).
		Int("listeners", coordinator.Registry().Len()).
		Msg("Node is operational")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
