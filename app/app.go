package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"blood-request-engine/internal/config"
	"blood-request-engine/internal/controller"
	"blood-request-engine/internal/events"
	"blood-request-engine/internal/notify"
	"blood-request-engine/internal/repo"
	"blood-request-engine/internal/service"
	"blood-request-engine/pkg/http_server"
	"blood-request-engine/pkg/logger"
	"blood-request-engine/pkg/obs"
	"blood-request-engine/pkg/postgres"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/labstack/echo"
	"go.uber.org/zap"
)

func runMigrations(pg *postgres.Postgres, sourceUrl string, databaseName string, log *zap.Logger) error {
	driver, err := pgmigrate.WithInstance(pg.Database, &pgmigrate.Config{DatabaseName: databaseName})
	if err != nil {
		return err
	}

	migrations, err := migrate.NewWithDatabaseInstance(sourceUrl, databaseName, driver)
	if err != nil {
		return err
	}

	if err := migrations.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("no change made by migration scripts")
			return nil
		}

		return err
	}
	log.Info("migrations applied", zap.String("source", sourceUrl))

	return nil
}

// openStore returns the repositories and a release function for the backing store.
func openStore(cfg config.Store, log *zap.Logger) (*repo.Repositories, func(), error) {
	if cfg.Driver == config.StoreDriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return repo.NewMemoryRepositories(), func() {}, nil
	}

	log.Info("connecting database")
	pg, err := postgres.NewDB(cfg.PostgresConn, postgres.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	log.Info("running migrations")
	if err := runMigrations(pg, cfg.MigrationsPath, cfg.Database, log); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	return repo.NewRepositories(pg), func() { _ = pg.Close() }, nil
}

// wiring holds the optional transports and how to release them.
type wiring struct {
	publisher  events.Publisher
	dispatcher notify.Dispatcher
	checks     map[string]service.HealthCheck
	closers    []func()
}

func (w *wiring) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func connectTransports(cfg config.Config, bus *events.Bus, log *zap.Logger) (*wiring, error) {
	w := &wiring{checks: map[string]service.HealthCheck{}}
	publishers := events.Multi{bus}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		w.closers = append(w.closers, func() { _ = client.Close() })
		if err := client.Ping(context.Background()).Err(); err != nil {
			w.close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}

		publishers = append(publishers, events.NewRedisStreamPublisher(client, cfg.Redis.Stream, cfg.Redis.MaxLen))
		w.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		log.Info("publishing request events to redis", zap.String("stream", cfg.Redis.Stream))
	}
	w.publisher = publishers

	if !cfg.AMQP.Enabled {
		w.dispatcher = notify.NewLogDispatcher(log)
		return w, nil
	}

	dispatcher, err := notify.NewAMQPDispatcher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		w.close()
		return nil, err
	}
	w.closers = append(w.closers, func() { _ = dispatcher.Close() })
	w.dispatcher = dispatcher
	w.checks["rabbitmq"] = dispatcher.Check
	log.Info("dispatching donor notifications to rabbitmq", zap.String("exchange", cfg.AMQP.Exchange))

	return w, nil
}

func Run() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal("engine stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracer, err := obs.InitTracer(ctx, obs.TracerOptions{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Tracing.Environment,
			Endpoint:    cfg.Tracing.Endpoint,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("tracer shutdown", zap.Error(err))
			}
		}()
	}

	repositories, closeStore, err := openStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus(events.DefaultSubscriberBuffer, log.Named("events"))
	transports, err := connectTransports(cfg, bus, log)
	if err != nil {
		return err
	}
	defer transports.close()

	services := service.NewServices(repositories, service.Options{
		Logger:          log,
		Publisher:       transports.publisher,
		Dispatcher:      transports.dispatcher,
		MaxWriteRetries: cfg.Lifecycle.MaxWriteRetries,
		PublishTimeout:  cfg.Lifecycle.PublishTimeout,
		Eligibility:     cfg.EligibilityConfig(),
		Matching:        cfg.MatchingConfig(),
		SweepInterval:   cfg.Lifecycle.SweepInterval,
		HealthChecks:    transports.checks,
	})
	defer services.Close()

	go func() {
		if err := services.Sweeper.Run(ctx); err != nil {
			log.Error("sweeper stopped", zap.Error(err))
		}
	}()

	if cfg.AMQP.Enabled {
		consumer := notify.NewResponseConsumer(notify.ConsumerConfig{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Queue:    cfg.AMQP.ResponseQueue,
			Prefetch: cfg.AMQP.Prefetch,
		}, services.Matching, log.Named("consumer"))
		if err := consumer.Connect(); err != nil {
			return err
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("donor response consumer stopped", zap.Error(err))
			}
		}()
	}

	handler := echo.New()
	log.Info("setup routes")
	controller.SetupRoutesHandlers(handler, services, bus, log.Named("http"))

	log.Info("starting server", zap.String("address", cfg.ServerAddress))
	httpServer := http_server.New(handler, cfg.ServerAddress, http_server.ShutdownTimeout(cfg.ShutdownTimeout))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-interrupt:
		log.Info("got signal", zap.String("signal", s.String()))
	case err = <-httpServer.Notify():
		return fmt.Errorf("http server: %w", err)
	}

	log.Info("shutting down")
	// The sweeper and consumer stop first; closing the bus ends open event streams.
	stop()
	bus.Close()
	if err := httpServer.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("successful shutdown")

	return nil
}
