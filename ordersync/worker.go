package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/gateway"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/utils"
	"gorm.io/gorm"
)

// Store is the persistence surface the worker loop depends on. The
// production implementation is gorm-backed; the loop semantics are tested
// against an in-memory fake.
type Store interface {
	ClaimNext(ctx context.Context, stream, workerID string) (*models.SyncJob, error)
	ClaimByID(ctx context.Context, jobID int, workerID string) (*models.SyncJob, error)
	Cursor(ctx context.Context, stream, channel string) (*models.SyncCursor, error)
	AdvanceCursor(ctx context.Context, stream, channel, oldPosition, newPosition, watermark string) error
	ApplyRecord(ctx context.Context, job *models.SyncJob, record json.RawMessage) (bool, error)
	AppendLog(ctx context.Context, jobID int, level, message string, payload interface{}) error
	Complete(ctx context.Context, jobID int, totals models.SyncJobTotals, snapshot []byte) error
	Fail(ctx context.Context, jobID int, errMsg string, totals models.SyncJobTotals, snapshot []byte) error
	Requeue(ctx context.Context, jobID int, reason string, totals models.SyncJobTotals, snapshot []byte) error
}

// ClientFactory builds the gateway client for one channel. Kept as a function
// so the worker can be exercised against a stub upstream.
type ClientFactory func(channel string) (gateway.Client, error)

// Worker drives claimed sync jobs page by page. Budgets bound a single
// invocation: hitting either one requeues the job with its progress recorded
// so the next trigger resumes from the advanced cursor.
type Worker struct {
	store      Store
	clients    ClientFactory
	logger     *logrus.Logger
	workerID   string
	pageBudget int
	timeBudget time.Duration
	now        func() time.Time
}

// NewWorker wires a worker against the shared database connection. The
// connection is resolved per call because the service begins listening
// before the database connects. Budgets come from SYNC_PAGE_BUDGET and
// SYNC_TIME_BUDGET with conservative defaults.
func NewWorker(logger *logrus.Logger, workerID string) *Worker {
	return &Worker{
		store:      &dbStore{logger: logger},
		clients:    func(channel string) (gateway.Client, error) { return gateway.NewClientFromEnv(channel, logger) },
		logger:     logger,
		workerID:   workerID,
		pageBudget: utils.IntFromEnv("SYNC_PAGE_BUDGET", 50),
		timeBudget: utils.DurationFromEnv("SYNC_TIME_BUDGET", 4*time.Minute),
		now:        time.Now,
	}
}

// RunNext claims and runs the oldest queued job, optionally filtered by
// stream. models.ErrNoQueuedJob passes through when the queue is empty.
func (w *Worker) RunNext(ctx context.Context, stream string) (*RunResult, error) {
	job, err := w.store.ClaimNext(ctx, stream, w.workerID)
	if err != nil {
		return nil, err
	}
	return w.run(ctx, job)
}

// RunByID claims and runs one specific queued job.
func (w *Worker) RunByID(ctx context.Context, jobID int) (*RunResult, error) {
	job, err := w.store.ClaimByID(ctx, jobID, w.workerID)
	if err != nil {
		return nil, err
	}
	return w.run(ctx, job)
}

func (w *Worker) run(ctx context.Context, job *models.SyncJob) (*RunResult, error) {
	ctx = utils.SetWorkerIdInContext(ctx, w.workerID)
	ctx = utils.SetJobIdInContext(ctx, job.ID)

	client, err := w.clients(job.Channel)
	if err != nil {
		// Credentials absent: the job must not start, and retrying without a
		// config change is pointless.
		msg := "gateway configuration missing: " + err.Error()
		_ = w.store.Fail(ctx, job.ID, msg, models.SyncJobTotals{}, nil)
		return &RunResult{JobId: job.ID, Status: models.SyncJobStatusFailed}, nil
	}

	cur, err := w.store.Cursor(ctx, job.Stream, job.Channel)
	if err != nil {
		_ = w.store.Fail(ctx, job.ID, "loading cursor: "+err.Error(), models.SyncJobTotals{}, nil)
		return &RunResult{JobId: job.ID, Status: models.SyncJobStatusFailed}, nil
	}

	var (
		totals   models.SyncJobTotals
		cursor   = gateway.Cursor{Position: cur.Position, Watermark: cur.Watermark, NewestFirst: job.NewestFirst}
		deadline = w.now().Add(w.timeBudget)
	)

	if !streamHasProjection(job.Stream) {
		w.logger.WithFields(logrus.Fields{
			"module":  "ordersync",
			"job_id":  job.ID,
			"stream":  job.Stream,
			"channel": job.Channel,
		}).Warn("stream has no typed projection; records only advance the cursor")
		_ = w.store.AppendLog(ctx, job.ID, models.SyncLogLevelWarn,
			"no typed projection for stream "+job.Stream+"; records are counted and skipped", nil)
	}

	for {
		page, err := client.FetchPage(ctx, job.Stream, cursor)
		totals.RequestsMade++
		if err != nil {
			return w.finishWithError(ctx, job, err, totals, snapshotOf(cursor))
		}

		pageChanged := 0
		var pageNewest time.Time
		for _, record := range page.Records {
			changed, err := w.store.ApplyRecord(ctx, job, record)
			if err != nil {
				return w.finishWithError(ctx, job, err, totals, snapshotOf(cursor))
			}
			totals.RecordsProcessed++
			if changed {
				pageChanged++
			}
			if t, ok := recordUpdatedAt(record); ok && t.After(pageNewest) {
				pageNewest = t
			}
		}

		// The page is durably persisted; only now may the cursor move. An
		// empty page at the same position has nothing to advance. The
		// watermark comes from the newest record timestamp on the page, not
		// this worker's clock: clock skew against the upstream must never
		// skip records.
		newWatermark := cursor.Watermark
		if !pageNewest.IsZero() {
			// UTC RFC3339 strings order lexically, so this is a max() that
			// also keeps newest-first runs from walking the watermark back.
			if s := pageNewest.UTC().Format(time.RFC3339); s > newWatermark {
				newWatermark = s
			}
		} else if len(page.Records) > 0 {
			newWatermark = w.now().UTC().Format(time.RFC3339)
		}
		if page.NextCursor != cursor.Position || newWatermark != cursor.Watermark {
			if err := w.store.AdvanceCursor(ctx, job.Stream, job.Channel, cursor.Position, page.NextCursor, newWatermark); err != nil {
				return w.finishWithError(ctx, job, err, totals, snapshotOf(cursor))
			}
			cursor.Position = page.NextCursor
			cursor.Watermark = newWatermark
		}
		totals.PagesProcessed++

		_ = w.store.AppendLog(ctx, job.ID, models.SyncLogLevelInfo, "page processed", map[string]interface{}{
			"page":     totals.PagesProcessed,
			"records":  len(page.Records),
			"changed":  pageChanged,
			"position": cursor.Position,
		})

		if !page.HasMore {
			if err := w.store.Complete(ctx, job.ID, totals, snapshotOf(cursor)); err != nil {
				return nil, err
			}
			return &RunResult{JobId: job.ID, Status: models.SyncJobStatusCompleted, Totals: totals}, nil
		}

		if totals.PagesProcessed >= w.pageBudget {
			return w.requeue(ctx, job, "page budget exhausted", totals, snapshotOf(cursor))
		}
		if w.now().After(deadline) {
			return w.requeue(ctx, job, "time budget exhausted", totals, snapshotOf(cursor))
		}
		if ctx.Err() != nil {
			return w.requeue(ctx, job, "shutdown requested", totals, snapshotOf(cursor))
		}
	}
}

// finishWithError maps a page-level failure to the job outcome. Rate limiting
// never fails the job: the run stops and the job goes back in the queue with
// the upstream's hint recorded. Everything else is terminal for this job, and
// already-persisted pages plus the advanced cursor stay in place.
func (w *Worker) finishWithError(ctx context.Context, job *models.SyncJob, cause error, totals models.SyncJobTotals, snapshot []byte) (*RunResult, error) {
	var rl *gateway.RateLimitedError
	if errors.As(cause, &rl) {
		return w.requeue(ctx, job, "rate limited, retry after "+rl.RetryAfter.String(), totals, snapshot)
	}

	_ = w.store.AppendLog(ctx, job.ID, models.SyncLogLevelError, cause.Error(), nil)
	if err := w.store.Fail(ctx, job.ID, cause.Error(), totals, snapshot); err != nil {
		return nil, err
	}
	w.logger.WithFields(logrus.Fields{
		"module":  "ordersync",
		"job_id":  job.ID,
		"stream":  job.Stream,
		"channel": job.Channel,
	}).Error("sync job failed: " + cause.Error())
	return &RunResult{JobId: job.ID, Status: models.SyncJobStatusFailed, Totals: totals}, nil
}

func (w *Worker) requeue(ctx context.Context, job *models.SyncJob, reason string, totals models.SyncJobTotals, snapshot []byte) (*RunResult, error) {
	if err := w.store.Requeue(ctx, job.ID, reason, totals, snapshot); err != nil {
		return nil, err
	}
	w.logger.WithFields(logrus.Fields{
		"module":  "ordersync",
		"job_id":  job.ID,
		"stream":  job.Stream,
		"channel": job.Channel,
		"reason":  reason,
	}).Info("sync job requeued")
	return &RunResult{JobId: job.ID, Status: models.SyncJobStatusQueued, Totals: totals}, nil
}

// dbStore is the gorm-backed Store.
type dbStore struct {
	logger *logrus.Logger
}

func (s *dbStore) db() *gorm.DB {
	return config.GetDB()
}

func (s *dbStore) ClaimNext(ctx context.Context, stream, workerID string) (*models.SyncJob, error) {
	staleAfter := utils.DurationFromEnv("SYNC_STALE_RUNNING_AFTER", 15*time.Minute)
	return models.ClaimNextSyncJob(ctx, s.db(), stream, workerID, staleAfter)
}

func (s *dbStore) ClaimByID(ctx context.Context, jobID int, workerID string) (*models.SyncJob, error) {
	staleAfter := utils.DurationFromEnv("SYNC_STALE_RUNNING_AFTER", 15*time.Minute)
	return models.ClaimSyncJobByID(ctx, s.db(), jobID, workerID, staleAfter)
}

func (s *dbStore) Cursor(ctx context.Context, stream, channel string) (*models.SyncCursor, error) {
	return models.GetOrCreateSyncCursor(ctx, s.db(), stream, channel)
}

func (s *dbStore) AdvanceCursor(ctx context.Context, stream, channel, oldPosition, newPosition, watermark string) error {
	return models.AdvanceSyncCursor(ctx, s.db(), stream, channel, oldPosition, newPosition, watermark)
}

func (s *dbStore) ApplyRecord(ctx context.Context, job *models.SyncJob, record json.RawMessage) (bool, error) {
	return applyRecord(ctx, s.db(), s.logger, job, record)
}

func (s *dbStore) AppendLog(ctx context.Context, jobID int, level, message string, payload interface{}) error {
	return models.AppendSyncLog(ctx, s.db(), jobID, level, message, payload)
}

func (s *dbStore) Complete(ctx context.Context, jobID int, totals models.SyncJobTotals, snapshot []byte) error {
	return models.CompleteSyncJob(ctx, s.db(), jobID, totals, snapshot)
}

func (s *dbStore) Fail(ctx context.Context, jobID int, errMsg string, totals models.SyncJobTotals, snapshot []byte) error {
	return models.FailSyncJob(ctx, s.db(), jobID, errMsg, totals, snapshot)
}

func (s *dbStore) Requeue(ctx context.Context, jobID int, reason string, totals models.SyncJobTotals, snapshot []byte) error {
	return models.RequeueSyncJob(ctx, s.db(), jobID, reason, totals, snapshot)
}
