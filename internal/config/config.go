package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	// memory | redis
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"memory"`
	// memory | sqlite | postgres
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"etlq.db"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	ETLConcurrency    int           `env:"ETL_CONCURRENCY" envDefault:"4"`
	ReportConcurrency int           `env:"REPORT_CONCURRENCY" envDefault:"2"`
	EmailConcurrency  int           `env:"EMAIL_CONCURRENCY" envDefault:"2"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	BackoffBase   time.Duration `env:"BACKOFF_BASE" envDefault:"500ms"`
	BackoffMax    time.Duration `env:"BACKOFF_MAX" envDefault:"1m"`
	StaleAfter    time.Duration `env:"STALE_AFTER" envDefault:"5m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	CacheSize int           `env:"CACHE_SIZE" envDefault:"1024"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	MailgunDomain string `env:"MAILGUN_DOMAIN"`
	MailgunAPIKey string `env:"MAILGUN_API_KEY"`
	DigestFrom    string `env:"DIGEST_FROM"`
	DigestTo      string `env:"DIGEST_TO"`

	DailyReportCron   string `env:"DAILY_REPORT_CRON" envDefault:"0 6 * * *"`
	MonthlyReportCron string `env:"MONTHLY_REPORT_CRON" envDefault:"0 7 1 * *"`
	WeeklyReportCron  string `env:"WEEKLY_REPORT_CRON" envDefault:"0 7 * * 1"`
	DailyDigestCron   string `env:"DAILY_DIGEST_CRON" envDefault:"30 6 * * *"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse env")
	}
	return c, nil
}
