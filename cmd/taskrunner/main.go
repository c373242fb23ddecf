// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-task-runner/internal/admin"
	"github.com/flyingrobots/go-task-runner/internal/admission"
	"github.com/flyingrobots/go-task-runner/internal/broker"
	"github.com/flyingrobots/go-task-runner/internal/config"
	"github.com/flyingrobots/go-task-runner/internal/dispatcher"
	"github.com/flyingrobots/go-task-runner/internal/handlers"
	"github.com/flyingrobots/go-task-runner/internal/httpapi"
	"github.com/flyingrobots/go-task-runner/internal/obs"
	"github.com/flyingrobots/go-task-runner/internal/reaper"
	"github.com/flyingrobots/go-task-runner/internal/redisclient"
	"github.com/flyingrobots/go-task-runner/internal/store"
	"github.com/flyingrobots/go-task-runner/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var httpAddr string
	var adminCmd string
	var adminN int
	var adminYes bool
	var benchCount int
	var benchPayloadSize int
	var benchName string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: dispatcher|worker|reaper|http|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&httpAddr, "http-addr", ":8080", "Address for the task submission HTTP surface")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek-dlq|bench")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek-dlq")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (reserved for destructive admin commands)")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of tasks to submit")
	fs.IntVar(&benchPayloadSize, "bench-payload-size", 64, "Admin bench: filler payload size in bytes")
	fs.StringVar(&benchName, "bench-name", "echo", "Admin bench: handler name to submit under")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	s, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open store failed", obs.Err(err))
	}
	defer s.Close()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	b := broker.NewRedisStreamsBroker(rdb, cfg.Redis.Stream, cfg.Redis.Group, cfg.Redis.DLQStream)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.EnsureGroup(ctx); err != nil {
		logger.Fatal("ensure consumer group failed", obs.Err(err))
	}

	registry := handlers.NewRegistry()
	admitter := admission.New(s, cfg.Dedupe.WindowMs, cfg.Dedupe.ClockSkewMs, cfg.Worker.MaxAttempts, float64(cfg.Admission.RateLimitPerSec))

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
		obs.StartDLQSampler(ctx, 5*time.Second, s.CountDeadLetters, logger)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "dispatcher":
		runDispatcherLoop(ctx, s, b, logger)
	case "worker":
		wrk := worker.New(cfg, b, s, registry, logger)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "reaper":
		rep := reaper.New(cfg, b, logger)
		rep.Run(ctx)
	case "http":
		runHTTPServer(ctx, httpAddr, admitter, s, b, logger)
	case "all":
		rep := reaper.New(cfg, b, logger)
		go rep.Run(ctx)
		go runDispatcherLoop(ctx, s, b, logger)
		go runHTTPServer(ctx, httpAddr, admitter, s, b, logger)
		wrk := worker.New(cfg, b, s, registry, logger)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "admin":
		runAdmin(ctx, s, b, admitter, adminCmd, adminN, adminYes, benchCount, benchPayloadSize, benchName, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.Store.DSN)
	case "sqlite":
		return store.OpenSQLite(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// runDispatcherLoop wires flush_due to a cron schedule instead of a bare
// ticker so the tick cadence reads the same way an operator configures any
// other periodic maintenance job in this stack.
func runDispatcherLoop(ctx context.Context, s store.Store, b broker.Broker, logger *zap.Logger) {
	d := dispatcher.New(s, b, logger)
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc("*/1 * * * * *", func() {
		n, err := d.FlushDue(ctx, 200)
		if err != nil {
			logger.Error("flush_due failed", obs.Err(err))
			return
		}
		if n > 0 {
			logger.Debug("flush_due dispatched", obs.Int("count", n))
		}
	})
	if err != nil {
		logger.Fatal("schedule flush_due failed", obs.Err(err))
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

func runHTTPServer(ctx context.Context, addr string, a *admission.Admitter, s store.Store, b broker.Broker, logger *zap.Logger) {
	h := httpapi.NewHandler(a, s, b, logger)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http submission surface stopped", obs.Err(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runAdmin(ctx context.Context, s store.Store, b broker.Broker, a *admission.Admitter, cmd string, n int, yes bool, benchCount, benchPayloadSize int, benchName string, logger *zap.Logger) {
	_ = yes // reserved: no admin command here is destructive yet
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, s, b)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek-dlq":
		res, err := admin.PeekDLQ(ctx, s, n)
		if err != nil {
			logger.Fatal("admin peek-dlq error", obs.Err(err))
		}
		printJSON(res)
	case "bench":
		res, err := admin.Bench(ctx, a, benchName, benchCount, benchPayloadSize)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		printJSON(res)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
