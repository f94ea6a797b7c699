package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/fakturo/fakturo/internal/jobs"
)

// OverdueScanJob flags accepted, unpaid documents past their due date.
type OverdueScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueScanJob initialises the overdue scan handler.
func NewOverdueScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the overdue scan logic.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("overdue scan: handler not configured")
	}
	start := j.now()
	tracker := j.metrics().Track(TaskTypeOverdueScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting overdue scan")

	counts, total, err := j.scan(ctx, start)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for companyID, count := range counts {
		if count > 0 {
			logger.Warn("overdue documents detected",
				slog.Int64("company_id", companyID),
				slog.Int("count", count),
			)
		}
		j.metrics().SetOverdue(companyID, count)
	}

	logger.Info("completed overdue scan",
		slog.Int("companies", len(counts)),
		slog.Int("overdue", total),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *OverdueScanJob) scan(ctx context.Context, now time.Time) (map[int64]int, int, error) {
	if j.Pool == nil {
		return nil, 0, errors.New("overdue scan: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `SELECT company_id, COUNT(*) FROM documents
WHERE status = 'ACCEPTED' AND deleted = FALSE AND pay_date IS NULL AND due_date < $1
GROUP BY company_id`, now)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	total := 0
	for rows.Next() {
		var companyID int64
		var count int
		if err := rows.Scan(&companyID, &count); err != nil {
			return nil, 0, err
		}
		counts[companyID] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return counts, total, nil
}

func (j *OverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeOverdueScan))
	}
	return slog.Default().With(slog.String("job", TaskTypeOverdueScan))
}

func (j *OverdueScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *OverdueScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
