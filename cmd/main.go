package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	_ "timelines/docs"
	"timelines/internal/config"
	"timelines/internal/dispatcher"
	"timelines/internal/eventstore"
	"timelines/internal/handlers"
	"timelines/internal/logger"
	"timelines/internal/metrics"
	"timelines/internal/notify"
	"timelines/internal/projection"
	"timelines/internal/repository"
	"timelines/internal/repository/db"
	"timelines/internal/server"
	"timelines/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// @title        Timelines API
// @version      1.0
// @description  Event log ingestion, projected device states and dehumidifier runs.
// @BasePath     /
func main() {
	// load configs/config.yml + TIMELINES_* env
	cfg, err := config.Load("configs")
	if err != nil {
		logger.New(logger.InfoLevel, logger.FormatConsole).Fatalw("error reading config", "err", err)
	}

	// init logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	// open DB
	conn, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err, "path", cfg.DB.Path)
	}
	defer closeDB(conn, log)

	// wire dependencies
	hub := notify.NewHub(log)
	repos := notify.Observe(repository.NewRepository(conn), hub)
	events := eventstore.New(repos.EventRepo, eventstore.Config{
		PollInterval: cfg.Feed.PollInterval,
		BatchSize:    cfg.Feed.BatchSize,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	disp := dispatcher.New(events, log, m,
		projection.NewDeviceStateProjection(repos.DeviceStateRepo, log, cfg.DeviceState.EventTypes...),
		projection.NewRunSaga(repos.RunRepo, log, projection.RunSagaConfig{
			Entities:          cfg.Saga.Entities,
			EventTypes:        cfg.Saga.EventTypes,
			DefaultEnergyUnit: cfg.Saga.DefaultEnergyUnit,
		}),
	)
	if err := disp.Start(context.Background()); err != nil {
		var se *dispatcher.StartupError
		if errors.As(err, &se) {
			log.Fatalw("failed to open change feed", "err", se.Err)
		}
		log.Fatalw("failed to start dispatcher", "err", err)
	}

	services := service.NewService(repos, events, disp, cfg.Simulator, log)
	apiHandler := handlers.NewHandler(services, hub, m, log)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Simulator.Enabled {
		log.Infow("simulator_enabled", "entity_id", cfg.Simulator.EntityID, "tick", cfg.Simulator.Tick)
		go services.Simulator.Run(ctx, cfg.Simulator.Tick)
	}

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, cfg.Port, apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, disp, srv, cfg, log)
}

func closeDB(conn *sql.DB, log *logger.Logger) {
	if err := conn.Close(); err != nil {
		log.Errorw("failed to close sqlite", "err", err)
	}
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		log.Infow("http_listening", "port", port)
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown blocks until a termination signal or a change-feed failure,
// then stops the dispatcher and drains the HTTP server.
func waitForShutdown(cancel context.CancelFunc, disp *dispatcher.Dispatcher, srv *server.Server, cfg config.Config, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-disp.Errors():
		log.Errorw("change feed failed; shutting down", "err", err)
	}

	// stop background goroutines
	cancel()

	if err := disp.Stop(); err != nil {
		log.Errorw("dispatcher stop failed", "err", err)
	}

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
}
