package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/coachly/billing/pkg/billing"
	"github.com/coachly/billing/pkg/config"
	"github.com/coachly/billing/pkg/httpserver"
	"github.com/coachly/billing/pkg/logger"
	"github.com/coachly/billing/pkg/pg"
	"github.com/coachly/billing/pkg/redis"
	"github.com/coachly/billing/svc/billinghttp"
)

type appConfig struct {
	Environment  string `env:"APP_ENV" envDefault:"development"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"billingd"`
	PackagesPath string `env:"PACKAGES_PATH" envDefault:"packages.json"`

	Billing billing.Config
	Paddle  billing.PaddleConfig
	PG      pg.Config
	Redis   redis.Config
	HTTP    httpserver.Config
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(logger.WithEnvironment(cfg.Environment, cfg.ServiceName))
	logger.SetAsDefault(log)

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("billingd terminated", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg appConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	provider, err := billing.NewPaddleProvider(cfg.Paddle)
	if err != nil {
		return err
	}

	store := billing.NewPGLedgerStore(pool)
	deadLetters := billing.NewPGDeadLetterStore(pool)
	machine := billing.NewMachine(store, cfg.Billing, billing.WithMachineLogger(log))
	processor := billing.NewProcessor(machine, store, deadLetters, cfg.Billing,
		billing.WithEventIndex(billing.NewRedisEventIndex(rdb, cfg.Billing.EventDedupeTTL)),
		billing.WithProcessorLogger(log),
	)

	packages, err := billing.NewFilePackagesSource(cfg.PackagesPath)
	if err != nil {
		return err
	}

	svc := billing.NewService(machine, store, provider, packages, cfg.Billing,
		billing.WithServiceLogger(log))
	sweeper := billing.NewSweeper(svc, cfg.Billing.SweepInterval, log)

	api := billinghttp.NewHandler(processor, svc, provider, billinghttp.WithLogger(log))

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", httpserver.HealthCheckHandler(ctx, log))
	r.Get("/ready", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool),
		redis.Healthcheck(rdb),
	))
	r.Mount("/", api.Router())

	server := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, r) })
	g.Go(sweeper.Run(gctx))

	return g.Wait()
}
