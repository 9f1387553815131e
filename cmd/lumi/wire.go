package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/lumi-retreat/lumi"
	"github.com/lumi-retreat/lumi/internal/alert"
	"github.com/lumi-retreat/lumi/internal/analysis"
	"github.com/lumi-retreat/lumi/internal/analysis/anthropicx"
	"github.com/lumi-retreat/lumi/internal/analysis/openaix"
	"github.com/lumi-retreat/lumi/internal/config"
	"github.com/lumi-retreat/lumi/internal/notify"
	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/internal/records/gormstore"
	"github.com/lumi-retreat/lumi/internal/workflows"
	workerpkg "github.com/lumi-retreat/lumi/pkg/worker"
)

type app struct {
	bundle  *lumi.WorkerBundle
	records records.Store
	metrics *lumi.BasicMetrics
	logger  *slog.Logger
	closers []func() error
}

func (a *app) close() {
	a.logger.Info("run metrics", slog.Any("metrics", a.metrics.Snapshot()))
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{metrics: &lumi.BasicMetrics{}, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	observer := lumi.NewCompositeObserver(
		lumi.NewLoggingObserver(logger),
		a.metrics,
		lumi.NewTracingObserver(),
	)
	bcfg := lumi.BundleConfig{
		Observer: observer,
		Worker:   workerpkg.Config{Concurrency: cfg.Workers, Logger: logger},
		Timeout:  cfg.HandlerTimeout,
	}
	if a.bundle, err = a.openBundle(cfg, bcfg); err != nil {
		return nil, err
	}
	if a.records, err = a.openRecords(ctx, cfg); err != nil {
		return nil, err
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return nil, err
	}
	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}
	alerts := alert.New(mailer, alert.Config{
		Base:         cfg.AlertEmails,
		Secondary:    cfg.HighAlertEmails,
		Manager:      cfg.UrgentAlertEmails,
		From:         cfg.EmailFrom,
		DashboardURL: cfg.DashboardURL,
	}, alert.WithLogger(logger))

	set, err := workflows.New(workflows.Deps{
		Records:           a.records,
		Alerts:            alerts,
		Mailer:            mailer,
		Extractor:         extractor,
		ReservationsEmail: cfg.ReservationsEmail,
		EmailFrom:         cfg.EmailFrom,
	})
	if err != nil {
		return nil, err
	}
	if err := set.Register(a.bundle.Engine); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openBundle(cfg config.Config, bcfg lumi.BundleConfig) (*lumi.WorkerBundle, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		db, err := sql.Open("sqlite", "file:"+cfg.SQLitePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		a.closers = append(a.closers, db.Close)
		return lumi.NewSQLiteBundle(db, bcfg)
	case config.StorePostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return lumi.NewPostgresBundle(db, bcfg)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		return lumi.NewRedisBundle(client, "lumi:", bcfg), nil
	default:
		a.logger.Warn("runs are kept in memory and lost on restart")
		return lumi.NewInMemoryBundle(bcfg), nil
	}
}

func (a *app) openRecords(ctx context.Context, cfg config.Config) (records.Store, error) {
	if cfg.Records == config.StorePostgres {
		store, err := gormstore.Open(ctx, cfg.PostgresDSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		if cfg.DevMode {
			rooms, treatments, menu := records.RetreatCatalogue()
			if err := store.UpsertCatalogue(ctx, rooms, treatments, menu); err != nil {
				return nil, err
			}
		}
		return store, nil
	}
	store := records.NewMemoryStore()
	records.SeedRetreat(store)
	return store, nil
}

func newMailer(cfg config.Config, logger *slog.Logger) (notify.Mailer, error) {
	var mailer notify.Mailer = notify.NewLogMailer(logger)
	if cfg.ResendAPIKey != "" {
		from := cfg.EmailFrom
		if from == "" {
			from = workflows.DefaultFrom
		}
		resend, err := notify.NewResend(cfg.ResendAPIKey, from)
		if err != nil {
			return nil, err
		}
		mailer = resend
	} else {
		logger.Warn("RESEND_API_KEY is not set, email is logged instead of sent")
	}
	return notify.NewThrottled(mailer, cfg.EmailRatePerMinute), nil
}

func newExtractor(cfg config.Config) (analysis.Extractor, error) {
	if cfg.Extractor == config.ExtractorAnthropic {
		return anthropicx.New(cfg.AnthropicAPIKey, func(o *anthropicx.Options) {
			if cfg.AnthropicModel != "" {
				o.Model = anthropic.Model(cfg.AnthropicModel)
			}
		})
	}
	return openaix.New(cfg.OpenAIAPIKey, func(o *openaix.Options) {
		o.Model = cfg.OpenAIModel
	})
}
