package ordersync

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/utils"
	"gorm.io/gorm"
)

var (
	ErrInvalidStream  = errors.New("unknown sync stream")
	ErrInvalidChannel = errors.New("unknown sync channel")
)

// EnqueueJob creates a queued SyncJob and, when pubsub is configured,
// publishes a dispatch message so a worker picks it up immediately. The
// publish is best effort: the queued row is the source of truth and the
// polling dispatcher will find it even if the publish fails.
func EnqueueJob(ctx context.Context, db *gorm.DB, logger *logrus.Logger, stream, channel, triggeredBy string, newestFirst bool, parentJobID *int) (*models.SyncJob, error) {
	if !validStream(stream) {
		return nil, ErrInvalidStream
	}
	if !validChannel(channel) {
		return nil, ErrInvalidChannel
	}

	job := models.SyncJob{
		Stream:      stream,
		Channel:     channel,
		Status:      models.SyncJobStatusQueued,
		TriggeredBy: triggeredBy,
		NewestFirst: newestFirst,
		ParentJobId: parentJobID,
	}
	if err := db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}

	if topic := utils.StringFromEnv("PUBSUB_TOPIC_SYNC_JOBS", ""); topic != "" {
		msg := jobMessage{JobId: job.ID, Stream: job.Stream, Channel: job.Channel}
		if _, err := config.PublishJSON(ctx, topic, msg); err != nil {
			config.LogError(logger, "trigger.go", "EnqueueJob", "publishing dispatch message", job.ID, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"module":       "ordersync",
		"job_id":       job.ID,
		"stream":       stream,
		"channel":      channel,
		"triggered_by": triggeredBy,
	}).Info("sync job queued")
	return &job, nil
}

// RetryJob queues a fresh job with the same parameters as a failed one,
// recording the lineage through parent_job_id.
func RetryJob(ctx context.Context, db *gorm.DB, logger *logrus.Logger, jobID int) (*models.SyncJob, error) {
	var parent models.SyncJob
	if err := db.WithContext(ctx).Take(&parent, jobID).Error; err != nil {
		return nil, err
	}
	if parent.Status != models.SyncJobStatusFailed {
		return nil, errors.New("only failed jobs can be retried")
	}
	return EnqueueJob(ctx, db, logger, parent.Stream, parent.Channel, models.SyncTriggeredRetry, parent.NewestFirst, &parent.ID)
}

// EnqueueScheduled queues one orders job per configured channel. Called by
// the cron schedule; channels without gateway credentials fail their job at
// claim time rather than blocking the others.
func EnqueueScheduled(ctx context.Context, db *gorm.DB, logger *logrus.Logger) {
	for _, channel := range []string{models.ChannelERP, models.ChannelShopmall, models.ChannelBazarly, models.ChannelVendora} {
		var queued int64
		err := db.WithContext(ctx).Model(&models.SyncJob{}).
			Where("stream = ? AND channel = ? AND status = ?", models.SyncStreamOrders, channel, models.SyncJobStatusQueued).
			Count(&queued).Error
		if err != nil {
			config.LogError(logger, "trigger.go", "EnqueueScheduled", "counting queued jobs", channel, err)
			continue
		}
		if queued > 0 {
			// A queued job already covers this channel; piling more on only
			// delays other channels.
			continue
		}
		if _, err := EnqueueJob(ctx, db, logger, models.SyncStreamOrders, channel, models.SyncTriggeredSchedule, false, nil); err != nil {
			config.LogError(logger, "trigger.go", "EnqueueScheduled", "queueing scheduled job", channel, err)
		}
	}
}

// DispatchQueuedJobs runs queued jobs in-process until the queue drains.
// It is the polling fallback when pubsub push delivery is not configured,
// and the safety net behind it when it is. Claims are atomic, so running
// this concurrently with push-triggered workers is safe.
func DispatchQueuedJobs(ctx context.Context, worker *Worker, logger *logrus.Logger) {
	maxJobs := utils.IntFromEnv("SYNC_DISPATCH_MAX_JOBS", 10)
	for i := 0; i < maxJobs; i++ {
		result, err := worker.RunNext(ctx, "")
		if err != nil {
			if errors.Is(err, models.ErrNoQueuedJob) {
				return
			}
			config.LogError(logger, "trigger.go", "DispatchQueuedJobs", "running queued job", nil, err)
			return
		}
		logger.WithFields(logrus.Fields{
			"module": "ordersync",
			"job_id": result.JobId,
			"status": result.Status,
		}).Debug("dispatched queued job")
	}
}
