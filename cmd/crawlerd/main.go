// Package main wires the crawl control daemon: coordinator, signal
// mailbox, crawl worker, scheduler, and the HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/api"
	"github.com/forumwatch/crawlerd/internal/cleanup"
	"github.com/forumwatch/crawlerd/internal/clock/system"
	"github.com/forumwatch/crawlerd/internal/config"
	"github.com/forumwatch/crawlerd/internal/control"
	"github.com/forumwatch/crawlerd/internal/crawler"
	"github.com/forumwatch/crawlerd/internal/fault"
	collyfetcher "github.com/forumwatch/crawlerd/internal/fetcher/colly"
	"github.com/forumwatch/crawlerd/internal/hash/sha256"
	"github.com/forumwatch/crawlerd/internal/id/uuid"
	"github.com/forumwatch/crawlerd/internal/logging"
	"github.com/forumwatch/crawlerd/internal/metrics"
	"github.com/forumwatch/crawlerd/internal/notify"
	pubsubpublisher "github.com/forumwatch/crawlerd/internal/publisher/pubsub"
	"github.com/forumwatch/crawlerd/internal/scheduler"
	memorystorage "github.com/forumwatch/crawlerd/internal/storage/memory"
	"github.com/forumwatch/crawlerd/internal/storage/postgres"
	"github.com/forumwatch/crawlerd/internal/tasklock"
	"github.com/forumwatch/crawlerd/internal/worker"
)

const crawlJobName = "daily_crawl"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("crawlerd", cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("crawlerd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	clk := system.New()
	idGen := uuid.New()

	mailbox, closeMailbox, err := buildMailbox(cfg, clk, logger.Named("mailbox"))
	if err != nil {
		return err
	}
	defer closeMailbox()

	queue := control.NewQueue(mailbox, idGen, clk, logger.Named("queue"))

	notifier, closeNotifier, err := buildNotifier(ctx, cfg, clk, logger.Named("notify"))
	if err != nil {
		return err
	}
	defer closeNotifier()

	executor := fault.NewExecutor(fault.DefaultRetryConfig(), clk, logger.Named("fault"))
	coord, err := control.NewCoordinator(control.CoordinatorConfig{
		Queue:             queue,
		StateFile:         cfg.Control.StateFile,
		EnablePersistence: true,
		Clock:             clk,
		Logger:            logger.Named("coordinator"),
		Notifier:          notifier,
		Executor:          executor,
	})
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	bridge := control.NewBridge(coord, queue, clk, logger.Named("bridge"))
	registry := cleanup.NewManager(clk, logger.Named("cleanup"))
	loop := control.NewEventLoop(control.EventLoopConfig{
		Coordinator:   coord,
		Cleanup:       registry,
		Clock:         clk,
		Logger:        logger.Named("eventloop"),
		CheckInterval: cfg.CheckInterval(),
		BatchSize:     cfg.Control.BatchSize,
	})

	store, closeStore, err := buildRecordStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	})
	breaker := fault.NewBreaker("fetch", cfg.Crawler.BreakerThreshold, cfg.BreakerReset(), clk, logger.Named("breaker"))
	var pauser crawler.Pauser
	if cfg.Crawler.RatePerSecond > 0 {
		pauser = crawler.NewRatePauser(cfg.Crawler.RatePerSecond)
	}
	crawlWorker := worker.New(
		bridge,
		loop,
		fetcher,
		crawler.NewHTMLParser(),
		store,
		sha256.New(),
		idGen,
		clk,
		pauser,
		breaker,
		worker.Config{
			Sections:  cfg.Crawler.Sections,
			PageDelay: cfg.PageDelay(),
		},
		logger.Named("worker"),
	)

	if cfg.Scheduler.Enabled {
		locks, err := tasklock.NewManager(tasklock.Config{
			Dir:            cfg.Locks.Dir,
			AcquireTimeout: time.Duration(cfg.Locks.AcquireTimeoutSec) * time.Second,
			LockTimeout:    time.Duration(cfg.Locks.LockTimeoutSec) * time.Second,
		}, clk, logger.Named("tasklock"))
		if err != nil {
			return fmt.Errorf("init task locks: %w", err)
		}
		sched := scheduler.New(locks, logger.Named("scheduler"))
		if err := sched.Add(scheduler.Job{
			Name: crawlJobName,
			Spec: cfg.Scheduler.CrawlSpec,
			Run:  crawlWorker.Run,
		}); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	} else if len(cfg.Crawler.Sections) > 0 {
		go func() {
			if err := crawlWorker.Run(ctx); err != nil {
				logger.Error("crawl run failed", zap.Error(err))
			}
		}()
	}

	apiServer := api.NewServer(bridge, store, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	results := registry.CleanupAll(true, false)
	logger.Info("shutdown complete",
		zap.Int("resources_cleaned", results.Succeeded),
		zap.Int("resources_failed", results.Failed),
	)
	return nil
}

// buildMailbox selects the signal backend. The file and badger backends
// are shared across processes; memory is for single-process runs.
func buildMailbox(cfg config.Config, clk control.Clock, log *zap.Logger) (control.Mailbox, func(), error) {
	switch cfg.Control.Mailbox {
	case "badger":
		opts := badger.DefaultOptions(cfg.Control.BadgerDir).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger mailbox: %w", err)
		}
		mb := control.NewBadgerMailbox(db, clk, log)
		return mb, func() {
			if cerr := mb.Close(); cerr != nil {
				log.Warn("close badger mailbox failed", zap.Error(cerr))
			}
		}, nil
	case "memory":
		return control.NewMemoryMailbox(), func() {}, nil
	default:
		mb, err := control.NewFileMailbox(cfg.Control.SignalFile, clk, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open file mailbox: %w", err)
		}
		return mb, func() {}, nil
	}
}

// buildNotifier always logs state changes and additionally publishes them
// to Pub/Sub when a project is configured.
func buildNotifier(ctx context.Context, cfg config.Config, clk notify.Clock, log *zap.Logger) (control.Notifier, func(), error) {
	fanout := notify.Fanout{notify.NewLogNotifier(log)}
	if cfg.PubSub.ProjectID == "" {
		return fanout, func() {}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName))
	fanout = append(fanout, notify.NewPublishNotifier(pub, cfg.PubSub.TopicName, clk, log))
	return fanout, func() {
		pub.Stop()
		if cerr := client.Close(); cerr != nil {
			log.Warn("close pubsub client failed", zap.Error(cerr))
		}
	}, nil
}

// buildRecordStore uses Postgres when a DSN is configured and otherwise
// falls back to the in-memory store for local runs.
func buildRecordStore(ctx context.Context, cfg config.Config, log *zap.Logger) (crawler.RecordStore, func(), error) {
	if cfg.DB.DSN == "" {
		log.Info("no database configured, records held in memory")
		return memorystorage.NewRecordStore(), func() {}, nil
	}
	store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init record store: %w", err)
	}
	return store, store.Close, nil
}
