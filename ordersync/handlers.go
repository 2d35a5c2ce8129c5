package ordersync

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/utils"
	"gorm.io/gorm"
)

func CreateJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		job, err := EnqueueJob(c.Request.Context(), config.GetDB(), config.GetLogger(),
			strings.TrimSpace(req.Stream), strings.TrimSpace(req.Channel), models.SyncTriggeredManual, req.NewestFirst, nil)
		if err != nil {
			if errors.Is(err, ErrInvalidStream) || errors.Is(err, ErrInvalidChannel) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": job.ID})
	}
}

func ListJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		jobs, err := models.ListSyncJobs(c.Request.Context(), config.GetDB(),
			strings.TrimSpace(c.Query("stream")),
			strings.TrimSpace(c.Query("channel")),
			strings.TrimSpace(c.Query("status")),
			limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": jobs})
	}
}

func JobDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		job, logs, err := models.GetSyncJobWithLogs(c.Request.Context(), config.GetDB(), id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job, "logs": logs})
	}
}

func RetryJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		job, err := RetryJob(c.Request.Context(), config.GetDB(), config.GetLogger(), id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": job.ID})
	}
}

// WorkerRunHandler runs a given or next queued job synchronously. Guarded by
// a shared secret header so only the scheduler infrastructure can invoke it.
func WorkerRunHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := utils.StringFromEnv("WORKER_SECRET", "")
		if secret == "" || subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Worker-Secret")), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		// An empty or absent body means "run the next queued job".
		var req WorkerRunRequest
		_ = c.ShouldBindJSON(&req)

		var (
			result *RunResult
			err    error
		)
		if req.JobId > 0 {
			result, err = worker.RunByID(c.Request.Context(), req.JobId)
		} else {
			result, err = worker.RunNext(c.Request.Context(), strings.TrimSpace(req.Stream))
		}
		if err != nil {
			if errors.Is(err, models.ErrNoQueuedJob) {
				c.JSON(http.StatusOK, gin.H{"ran": false})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ran": true, "result": result})
	}
}

// PubSubPushHandler receives push deliveries from the sync-jobs subscription.
// Non-2xx answers make pubsub redeliver, so only retryable failures return
// an error status.
func PubSubPushHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope pushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
			return
		}

		var msg jobMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			// Malformed payloads can never succeed; ack so they stop looping.
			config.GetLogger().Warn("dropping unparseable pubsub message: " + err.Error())
			c.JSON(http.StatusOK, gin.H{"dropped": true})
			return
		}

		retryable, err := HandlePushMessage(c.Request.Context(), config.GetDB(), config.GetLogger(), worker, envelope, msg)
		if err != nil {
			if retryable {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			config.GetLogger().Warn("dropping failed pubsub message: " + err.Error())
			c.JSON(http.StatusOK, gin.H{"dropped": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
