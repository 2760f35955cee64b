package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/etlq/internal/api"
	"github.com/you/etlq/internal/cache"
	"github.com/you/etlq/internal/config"
	"github.com/you/etlq/internal/domain"
	"github.com/you/etlq/internal/email"
	"github.com/you/etlq/internal/engine"
	"github.com/you/etlq/internal/pipeline"
	"github.com/you/etlq/internal/queue"
	"github.com/you/etlq/internal/retry"
	"github.com/you/etlq/internal/scheduler"
	"github.com/you/etlq/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := newLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	store, cleanup, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("init store", zap.Error(err))
	}
	defer cleanup()

	queues, err := newQueues(cfg)
	if err != nil {
		log.Fatal("init queues", zap.Error(err))
	}

	eng := engine.New(engine.Config{
		Concurrency: map[domain.QueueName]int{
			domain.QueueETL:    cfg.ETLConcurrency,
			domain.QueueReport: cfg.ReportConcurrency,
			domain.QueueEmail:  cfg.EmailConcurrency,
		},
		PollInterval:  cfg.PollInterval,
		Policy:        retry.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
	}, store, queues, log)

	memo := cache.New(cfg.CacheSize, cfg.CacheTTL)
	etl := pipeline.NewETL(memo, log)
	reports := pipeline.NewReports(log)
	digest := pipeline.NewDigest(newSender(cfg, log), cfg.DigestTo, log)
	if err := pipeline.Register(eng, etl, reports, digest); err != nil {
		log.Fatal("register pipeline kinds", zap.Error(err))
	}

	eng.OnJobTerminal(func(out domain.Outcome) {
		log.Info("job reached terminal state",
			zap.String("job_id", out.JobID),
			zap.String("kind", string(out.Kind)),
			zap.String("status", string(out.Status)))
	})

	if err := eng.Start(); err != nil {
		log.Fatal("start engine", zap.Error(err))
	}

	sched := scheduler.New(eng, log)
	for _, entry := range []struct {
		expr  string
		queue domain.QueueName
		kind  domain.Kind
	}{
		{cfg.DailyReportCron, domain.QueueReport, domain.KindDailyReport},
		{cfg.MonthlyReportCron, domain.QueueReport, domain.KindMonthlyReport},
		{cfg.WeeklyReportCron, domain.QueueReport, domain.KindWeeklyReport},
		{cfg.DailyDigestCron, domain.QueueEmail, domain.KindSendDailyDigest},
	} {
		if err := sched.Add(entry.expr, entry.queue, entry.kind); err != nil {
			log.Fatal("schedule cron entry", zap.String("kind", string(entry.kind)), zap.Error(err))
		}
	}
	sched.Start()

	app := &api.App{Engine: eng, Log: log}
	srv := &http.Server{Addr: cfg.APIAddr, Handler: app.Router()}
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop()
	eng.Stop(shutdownCtx)
}

func newLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func newStore(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		if err := migrate(cfg); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewPostgres(pool), pool.Close, nil
	case "sqlite":
		st, err := storage.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		log.Info("using in-memory job store")
		return storage.NewMemory(), func() {}, nil
	}
}

func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}

func newQueues(cfg config.Config) (map[domain.QueueName]queue.Queue, error) {
	queues := make(map[domain.QueueName]queue.Queue, len(domain.Queues))
	if cfg.QueueBackend == "redis" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		for _, name := range domain.Queues {
			queues[name] = queue.NewRedis(rdb, string(name))
		}
		return queues, nil
	}
	for _, name := range domain.Queues {
		queues[name] = queue.NewMemory()
	}
	return queues, nil
}

func newSender(cfg config.Config, log *zap.Logger) email.Sender {
	if cfg.MailgunDomain != "" && cfg.MailgunAPIKey != "" && cfg.DigestFrom != "" {
		return email.NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.DigestFrom)
	}
	return email.NewLogSender(log)
}
