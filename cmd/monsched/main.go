// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Command monsched runs the monitor refresh scheduler against a shared
// Redis store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/gomodule/redigo/redis"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/changkun/monsched"
	"github.com/changkun/monsched/audit"
	"github.com/changkun/monsched/audit/postgres"
	"github.com/changkun/monsched/dispatch/pubsub"
	"github.com/changkun/monsched/internal/config"
	"github.com/changkun/monsched/internal/logging"
	"github.com/changkun/monsched/internal/metrics"
	"github.com/changkun/monsched/internal/pool"
	"github.com/changkun/monsched/internal/server"
	"github.com/changkun/monsched/policy"
	"github.com/changkun/monsched/store"
)

func main() {
	path := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, "monsched:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pool.New(ctx, cfg.Redis.URL, pool.Options{
		MaxIdle:     cfg.Redis.MaxIdle,
		MaxActive:   cfg.Redis.MaxActive,
		IdleTimeout: time.Duration(cfg.Redis.IdleTimeoutSec) * time.Second,
		DialTimeout: time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer p.Close()
	st := store.WithTimeouts(store.NewRedis(p), store.TimeoutOptions{
		Timeout: time.Duration(cfg.Redis.CallTimeoutMs) * time.Millisecond,
		Retries: cfg.Redis.Retries,
		Backoff: time.Duration(cfg.Redis.RetryBackoffMs) * time.Millisecond,
	})

	limits, err := policy.NewStatic(cfg.Policy)
	if err != nil {
		return err
	}
	if path != "" {
		w, err := config.Watch(path, limits, log)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	checks := map[string]server.Checker{
		"redis": func(ctx context.Context) error {
			conn, err := p.GetContext(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = redis.DoContext(conn, ctx, "PING")
			return err
		},
	}

	recorder := audit.Recorder(audit.NewLogger(log))
	if cfg.DB.DSN != "" {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        int32(cfg.DB.MaxConns),
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		recorder = audit.Multi{pg, recorder}
		checks["postgres"] = pg.Ping
	}

	var s *monsched.Scheduler
	hooks := logHooks(log, func(ctx context.Context, run *monsched.Run) error {
		return s.CompleteRun(ctx, run)
	})
	if cfg.PubSub.ProjectID != "" {
		var opts []option.ClientOption
		if cfg.PubSub.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.PubSub.CredentialsFile))
		}
		if cfg.PubSub.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.PubSub.Endpoint))
		}
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID, opts...)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		defer client.Close()
		topic := client.Topic(cfg.PubSub.TopicName)
		topic.EnableMessageOrdering = cfg.PubSub.Ordering
		pub := pubsub.New(topic, log)
		defer pub.Close()
		hooks = pub.Hooks()
	}

	reg := prometheus.DefaultRegisterer
	s = monsched.New(st, limits, append(cfg.SchedulerOptions(),
		monsched.WithLogger(log),
		monsched.WithMetrics(metrics.New(reg)),
		monsched.WithAudit(recorder),
		monsched.WithHooks(hooks),
	)...)

	if cfg.Logging.JobLogPath != "" {
		jl, err := logging.NewFile(cfg.Logging.JobLogPath)
		if err != nil {
			return err
		}
		defer jl.Sync() //nolint:errcheck // best-effort flush
		s.SetLogger(logging.Sink(jl))
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           server.New(log, metrics.Handler(), checks, s.CompleteRun),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()
	log.Info("scheduler started",
		zap.String("redis", cfg.Redis.URL),
		zap.Int("port", cfg.Server.Port),
		zap.Int("batch_size", cfg.Scheduler.BatchSize))

	err = s.Run(ctx)

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdown); serr != nil {
		log.Warn("http server shutdown", zap.Error(serr))
	}
	if errors.Is(err, context.Canceled) {
		log.Info("scheduler stopped")
		return nil
	}
	return err
}

// logHooks stands in for a dispatch layer when no Pub/Sub project is
// configured. Runs are logged and completed right away so that their slots
// are returned.
func logHooks(log *zap.Logger, complete server.Completer) monsched.Hooks {
	log = log.Named("dispatch")
	return monsched.Hooks{
		OnJobStart: func(ctx context.Context, run *monsched.Run) error {
			log.Info("run",
				zap.String("run_id", run.ID),
				zap.String("monitor_id", run.MonitorID),
				zap.String("marketplace", run.Site),
				zap.String("status", string(run.Status)))
			done := *run
			done.Status = monsched.StatusCompleted
			if err := complete(ctx, &done); err != nil {
				// the run is admitted, failing here would unwind it a second time
				log.Error("complete run", zap.String("run_id", run.ID), zap.Error(err))
			}
			return nil
		},
		OnJobUpdate: func(_ context.Context, run *monsched.Run) error {
			log.Info("run finished",
				zap.String("run_id", run.ID),
				zap.String("status", string(run.Status)))
			return nil
		},
	}
}
