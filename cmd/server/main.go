package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-sync/pkg/config"
	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/logging"
	"github.com/astromechza/automerge-sync/pkg/notify"
	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config")
	driverVar := flag.String("driver", "", "the persistence driver, overrides the config")
	dsnVar := flag.String("dsn", "", "the persistence dsn, overrides the config")
	levelVar := flag.String("log-level", "", "the log level, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Listen = *addrVar
	}
	if *driverVar != "" {
		cfg.Persistence.Driver = *driverVar
	}
	if *dsnVar != "" {
		cfg.Persistence.DSN = *dsnVar
	}
	if *levelVar != "" {
		cfg.Log.Level = *levelVar
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.HubOptions()
	opts.Logger = logging.Component(logger, "hub")
	opts.Metrics = hub.NewMetrics(reg)

	slog.Info("Opening store", "driver", cfg.Persistence.Driver)
	store, err := persistence.Open(ctx, cfg.Persistence.Driver, cfg.Persistence.DSN)
	if err != nil {
		return err
	}
	binding := persistence.NewBinding(store, logging.Component(logger, "persistence"))
	defer func() {
		if err := binding.Close(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()
	opts.Persistence = binding

	var sinks notify.Multi
	if cfg.Notify.Log {
		sinks = append(sinks, notify.LogSink{Logger: logging.Component(logger, "notify")})
	}
	if cfg.Notify.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		sinks = append(sinks, notify.NewRedisSink(rdb, cfg.Notify.Redis.Prefix))
	}
	if len(sinks) > 0 {
		opts.Sink = sinks
	}

	h := hub.New(opts)
	srv := server.New(server.Options{
		Hub:        h,
		Logger:     logging.Component(logger, "http"),
		Gatherer:   reg,
		SendBuffer: cfg.SendBuffer,
	})
	httpServer := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("Listening", "addr", cfg.Listen, "auth", h.AuthEnabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked websockets are not tracked by Shutdown, so the hub is
		// flushed after the listener stops
		err := httpServer.Shutdown(shutdownCtx)
		return errors.Join(err, h.Close(shutdownCtx))
	})
	return eg.Wait()
}
