package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/articles"
	"github.com/livinlefevreloca/herald/internal/calendar"
	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/config"
	"github.com/livinlefevreloca/herald/internal/db"
	"github.com/livinlefevreloca/herald/internal/dispatcher"
	"github.com/livinlefevreloca/herald/internal/httpapi"
	"github.com/livinlefevreloca/herald/internal/logging"
	"github.com/livinlefevreloca/herald/internal/maintenance"
	"github.com/livinlefevreloca/herald/internal/mongostore"
	"github.com/livinlefevreloca/herald/internal/notify"
	"github.com/livinlefevreloca/herald/internal/publish"
	"github.com/livinlefevreloca/herald/internal/query"
	"github.com/livinlefevreloca/herald/internal/store"
	"github.com/livinlefevreloca/herald/tools/migrator"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML or YAML)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment is read")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, *configFile, *migrateOnly, logger); err != nil {
		logger.Error().Err(err).Msg("herald exited with error")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configFile string, migrateOnly bool, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("config_file", configFile).
		Str("driver", cfg.Database.Driver).
		Str("timezone", cfg.Calendar.Timezone).
		Msg("starting herald publish scheduler")

	persistence, health, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	if migrateOnly {
		logger.Info().Msg("migrations applied, exiting")
		return nil
	}

	if cfg.Publisher.Endpoint == "" {
		return errors.New("publisher endpoint must be set")
	}

	loc, err := cfg.Calendar.Location()
	if err != nil {
		return err
	}
	clk := clock.Real{}

	// Notifications
	sinks, err := notify.NewSinks(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("failed to configure notifications: %w", err)
	}
	bus := notify.NewBus(cfg.Notify.Buffer, clk, logger, sinks...)
	bus.Start(ctx)
	defer bus.Stop()

	// Schedule store and calendar index
	opts := []store.Option{
		store.WithClock(clk),
		store.WithLocation(loc),
		store.WithLogger(logger),
		store.WithNotifier(bus),
	}
	if cfg.Articles.BaseURL != "" {
		opts = append(opts, store.WithArticles(articles.Checker{Source: articles.NewClient(cfg.Articles)}))
	} else {
		logger.Warn().Msg("articles base_url not set, article references are not validated")
	}
	st := store.New(persistence, opts...)

	index := calendar.NewIndex(st, cfg.Calendar.MaxOccurrences, logger)
	st.Observe(index)

	// Dispatcher
	disp, err := dispatcher.New(cfg.Dispatcher, st, publish.NewHTTP(cfg.Publisher),
		dispatcher.WithClock(clk),
		dispatcher.WithLogger(logger),
		dispatcher.WithNotifier(bus),
	)
	if err != nil {
		return err
	}

	// Maintenance
	maint, err := maintenance.New(cfg.Maintenance, st, index, clk, logger)
	if err != nil {
		return err
	}
	if err := maint.Start(ctx); err != nil {
		return err
	}
	defer maint.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := disp.Run(ctx); err != nil {
			errs <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if configFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, configFile, logger, func(next *config.Config) {
				if err := disp.ApplyConfig(next.Dispatcher); err != nil {
					logger.Warn().Err(err).Msg("dispatcher config not applied")
				}
			})
			if err != nil {
				logger.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.New(cfg.HTTP, httpapi.Deps{
			Clock:      clk,
			Store:      st,
			Query:      query.New(index, st, loc),
			Dispatcher: disp,
			Notifier:   bus,
			Health:     health,
		}, logger)

		go func() {
			if err := api.Listen(); err != nil {
				errs <- fmt.Errorf("http api: %w", err)
			}
		}()
	}

	notifySystemd(logger, daemon.SdNotifyReady)
	logger.Info().Msg("herald is running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case runErr = <-errs:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
		stop()
	}
	notifySystemd(logger, daemon.SdNotifyStopping)

	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http api shutdown")
		}
		cancel()
	}
	wg.Wait()

	stats := disp.Stats()
	logger.Info().
		Int64("published", stats.Published).
		Int64("failed", stats.Failed).
		Int("unresolved", stats.Unresolved).
		Msg("herald stopped")
	return runErr
}

// openBackend returns the configured persistence with its schema ready, a
// health probe and a close function.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Persistence, func(context.Context) error, func(), error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory storage, schedules are lost on restart")
		return store.NewMemory(), nil, func() {}, nil

	case "mongo":
		ms, err := mongostore.Connect(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		logger.Info().Str("database", cfg.Mongo.Database).Str("collection", cfg.Mongo.Collection).Msg("mongo storage ready")
		closeFn := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.Timeout)
			defer cancel()
			ms.Close(closeCtx)
		}
		return ms, ms.Ping, closeFn, nil

	default:
		database, err := db.OpenWithConfig(cfg.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		closeFn := func() { closeQuietly(database, logger) }

		if !cfg.Database.SkipMigrations {
			if err := database.Migrate(ctx, cfg.Database.MigrationsDir, logger); err != nil {
				closeFn()
				return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			version, err := migrator.GetCurrentVersion(database.DB)
			if err != nil {
				closeFn()
				return nil, nil, nil, fmt.Errorf("failed to get schema version: %w", err)
			}
			logger.Info().Int("version", version).Msg("database schema ready")
		} else {
			logger.Info().Msg("skipping migrations")
		}
		return db.NewEntries(database), database.PingContext, closeFn, nil
	}
}

func notifySystemd(logger zerolog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
		return
	}
	if sent {
		logger.Debug().Str("state", state).Msg("notified systemd")
	}
}

func closeQuietly(c io.Closer, logger zerolog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Msg("close failed")
	}
}
