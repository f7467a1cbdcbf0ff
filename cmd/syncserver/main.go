// Package main runs the session directory server: the TCP listener players
// join through, plus the ops HTTP and gRPC health endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/archive"
	"github.com/cory-johannsen/sessionsync/internal/config"
	"github.com/cory-johannsen/sessionsync/internal/directory"
	"github.com/cory-johannsen/sessionsync/internal/observability"
	"github.com/cory-johannsen/sessionsync/internal/ops"
	"github.com/cory-johannsen/sessionsync/internal/server"
	"github.com/cory-johannsen/sessionsync/internal/session"
	"github.com/cory-johannsen/sessionsync/internal/storage/postgres"
	"github.com/cory-johannsen/sessionsync/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	migrateOnStart := flag.Bool("migrate", false, "apply schema migrations before serving (requires database.enabled)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting session directory",
		zap.String("addr", cfg.Dispatcher.Addr()),
		zap.Duration("tick", cfg.Session.TickInterval),
		zap.Int("heart_beat", cfg.Session.HeartBeat),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)

	var recorder session.Recorder
	if cfg.Database.Enabled {
		if *migrateOnStart {
			if err := postgres.Migrate(cfg.Database.DSN()); err != nil {
				logger.Fatal("applying migrations", zap.Error(err))
			}
			logger.Info("migrations applied")
		}

		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)

		healthQuit := make(chan struct{})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-healthQuit:
						return nil
					case <-ticker.C:
					}
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						stats := pool.Stats()
						logger.Warn("archive database health check failed",
							zap.Error(err),
							zap.Int32("conns", stats.Total),
							zap.Int32("acquired", stats.Acquired),
						)
					}
				}
			},
			StopFn: func() {
				close(healthQuit)
				pool.Close()
			},
		})

		rec := archive.NewRecorder(pool.Sessions(), archive.DefaultQueueSize, logger.Named("archive"))
		lifecycle.Add("archive", &server.FuncService{
			StartFn: rec.Start,
			StopFn:  rec.Stop,
		})
		recorder = rec
	}

	dir := directory.New(ctx, cfg.Session, logger.Named("directory"), metrics, recorder)
	acceptor := transport.NewAcceptor(cfg.Dispatcher, dir, logger)

	lifecycle.Add("directory", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn: func() {
			acceptor.Stop()
			dir.Close()
		},
	})

	if cfg.Ops.HTTPPort > 0 {
		httpSrv := ops.NewHTTPServer(cfg.Ops.HTTPAddr(), ops.NewRouter(dir, reg, logger), logger)
		lifecycle.Add("ops-http", &server.FuncService{
			StartFn: httpSrv.ListenAndServe,
			StopFn:  httpSrv.Stop,
		})
	}
	if cfg.Ops.GRPCPort > 0 {
		health := ops.NewHealth(cfg.Ops.GRPCAddr(), dir, time.Second, logger)
		lifecycle.Add("ops-grpc", &server.FuncService{
			StartFn: health.ListenAndServe,
			StopFn:  health.Stop,
		})
	}

	logger.Info("session directory initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("archive", recorder != nil),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
