package ordersync

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/models"
	"gorm.io/gorm"
)

const pubsubHandlerName = "sync-jobs"

// HandlePushMessage processes one pubsub push delivery. Delivery is at least
// once, so the handler is guarded by a durable idempotency key on the message
// id. The returned retryable flag tells the HTTP layer whether to answer with
// an error status so pubsub redelivers.
func HandlePushMessage(ctx context.Context, db *gorm.DB, logger *logrus.Logger, worker *Worker, envelope pushEnvelope, msg jobMessage) (retryable bool, err error) {
	if msg.JobId == 0 {
		return false, errors.New("job_id missing from dispatch message")
	}
	messageID := envelope.Message.MessageId
	if messageID == "" {
		return false, errors.New("pubsub message id missing")
	}

	skip, err := models.BeginIdempotency(db.WithContext(ctx), pubsubHandlerName, messageID)
	if err != nil {
		if errors.Is(err, models.ErrIdempotencyInProgress) {
			// Another worker holds this delivery; let pubsub retry later.
			return true, err
		}
		return true, err
	}
	if skip {
		logger.WithFields(logrus.Fields{
			"module":     "ordersync",
			"message_id": messageID,
			"job_id":     msg.JobId,
		}).Debug("duplicate pubsub delivery skipped")
		return false, nil
	}

	result, err := worker.RunByID(ctx, msg.JobId)
	if err != nil {
		if errors.Is(err, models.ErrNoQueuedJob) {
			// The polling dispatcher got there first, or the job already
			// finished. Nothing left to do for this delivery.
			_ = models.MarkIdempotencySucceeded(db.WithContext(ctx), pubsubHandlerName, messageID)
			return false, nil
		}
		_ = models.MarkIdempotencyFailed(db.WithContext(ctx), pubsubHandlerName, messageID, err)
		return true, err
	}

	if err := models.MarkIdempotencySucceeded(db.WithContext(ctx), pubsubHandlerName, messageID); err != nil {
		return false, err
	}
	logger.WithFields(logrus.Fields{
		"module": "ordersync",
		"job_id": result.JobId,
		"status": result.Status,
	}).Info("pubsub dispatched job finished")
	return false, nil
}
