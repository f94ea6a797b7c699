package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/fakturo/fakturo/internal/app"
	"github.com/fakturo/fakturo/internal/billing"
	jobmetrics "github.com/fakturo/fakturo/internal/jobs"
	"github.com/fakturo/fakturo/internal/mail"
	"github.com/fakturo/fakturo/internal/platform/db"
	"github.com/fakturo/fakturo/internal/rates"
	"github.com/fakturo/fakturo/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	resolver := rates.NewPG(pool, cfg.BaseCurrency)

	billingRepo := billing.NewRepository(pool)
	calc := billing.Calculator{BaseCurrency: cfg.BaseCurrency}
	ledger := billing.NewDepositLedger(billingRepo, calc, billing.SystemClock())
	billingService := billing.NewService(billingRepo, resolver, calc, ledger, billing.SystemClock(), logger)

	mailer := mail.NewMailer(mail.Config{Host: cfg.SMTPHost, Port: cfg.SMTPPort, From: cfg.SMTPFrom})
	deliveryJob := billing.NewDeliveryJob(billingService, mailer, logger)
	overdueJob := jobs.NewOverdueScanJob(pool, logger, jobmetrics.NewMetrics(nil))

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeDocumentDeliver, Handler: deliveryJob.Handle},
			{Type: jobs.TaskTypeOverdueScan, Handler: overdueJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 6 * * *", Task: jobs.NewOverdueScanTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
