package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SyncStreamOrders  = "orders"
	SyncStreamStock   = "stock"
	SyncStreamCatalog = "catalog"
)

const (
	SyncJobStatusQueued    = "queued"
	SyncJobStatusRunning   = "running"
	SyncJobStatusCompleted = "completed"
	SyncJobStatusFailed    = "failed"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredRetry    = "retry"
)

const (
	SyncLogLevelInfo  = "info"
	SyncLogLevelWarn  = "warn"
	SyncLogLevelError = "error"
)

// SyncJob is one queued/running/finished synchronization run. Rows are never
// deleted; completed and failed jobs form the audit trail of every sync.
type SyncJob struct {
	ID                 int        `gorm:"primary_key" json:"id"`
	Stream             string     `gorm:"index:idx_sync_jobs_stream;size:20;not null" json:"stream"`
	Channel            string     `gorm:"index:idx_sync_jobs_stream;size:20;not null" json:"channel"`
	Status             string     `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy        string     `gorm:"size:20" json:"triggered_by"`
	NewestFirst        bool       `gorm:"default:false" json:"newest_first"`
	CursorSnapshotJSON []byte     `gorm:"type:json" json:"cursor_snapshot"`
	RequestsMade       int        `json:"requests_made"`
	RecordsProcessed   int        `json:"records_processed"`
	PagesProcessed     int        `json:"pages_processed"`
	ErrorMessage       string     `gorm:"type:text" json:"error_message"`
	ClaimedBy          *string    `gorm:"size:64" json:"claimed_by"`
	ParentJobId        *int       `gorm:"index" json:"parent_job_id"`
	StartedAt          *time.Time `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at"`
	DurationMs         int64      `json:"duration_ms"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncLogEntry is an immutable, append-only progress line tied to a SyncJob.
type SyncLogEntry struct {
	ID          int       `gorm:"primary_key" json:"id"`
	SyncJobId   int       `gorm:"index;not null" json:"sync_job_id"`
	Level       string    `gorm:"size:10;not null" json:"level"`
	Message     string    `gorm:"type:text;not null" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SyncJobTotals is the progress counters a worker accumulates over one invocation.
type SyncJobTotals struct {
	RequestsMade     int `json:"requests_made"`
	RecordsProcessed int `json:"records_processed"`
	PagesProcessed   int `json:"pages_processed"`
}

var ErrNoQueuedJob = errors.New("no queued sync job")

// lockSyncPair takes a row lock on the (stream, channel) cursor row for the
// duration of the surrounding transaction, creating the row on first use.
// Claims for the same pair serialize on this lock: by the time a second
// claimer gets past it, the first claim is committed and visible to the
// running-job count. Without it, SKIP LOCKED lets two workers claim two
// different queued jobs of the same pair concurrently.
func lockSyncPair(tx *gorm.DB, stream, channel string) error {
	cur := SyncCursor{Stream: stream, Channel: channel}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cur).Error; err != nil {
		return err
	}
	var locked SyncCursor
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("stream = ? AND channel = ?", stream, channel).
		Take(&locked).Error
}

func countLiveRunning(tx *gorm.DB, stream, channel string, staleAfter time.Duration) (int64, error) {
	staleBefore := time.Now().UTC().Add(-staleAfter)
	var liveRunning int64
	err := tx.Model(&SyncJob{}).
		Where("stream = ? AND channel = ? AND status = ? AND updated_at > ?",
			stream, channel, SyncJobStatusRunning, staleBefore).
		Count(&liveRunning).Error
	return liveRunning, err
}

// ClaimNextSyncJob atomically claims the oldest queued job, optionally filtered
// by stream. The claim is a conditional update (claim-if-queued) so two workers
// invoking it concurrently never both win the same job. A job whose
// (stream, channel) pair already has a live running job is skipped: exactly one
// job may be running per pair, enforced by serializing claims on the pair's
// cursor row. Running jobs whose updated_at is older than staleAfter are
// treated as abandoned and do not block a new claim.
func ClaimNextSyncJob(ctx context.Context, db *gorm.DB, stream string, workerID string, staleAfter time.Duration) (*SyncJob, error) {
	var claimed *SyncJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ?", SyncJobStatusQueued).
			Order("id ASC").
			Limit(10).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if stream != "" {
			q = q.Where("stream = ?", stream)
		}

		var candidates []SyncJob
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			job := candidates[i]

			if err := lockSyncPair(tx, job.Stream, job.Channel); err != nil {
				return err
			}
			liveRunning, err := countLiveRunning(tx, job.Stream, job.Channel, staleAfter)
			if err != nil {
				return err
			}
			if liveRunning > 0 {
				continue
			}

			now := time.Now()
			res := tx.Model(&SyncJob{}).
				Where("id = ? AND status = ?", job.ID, SyncJobStatusQueued).
				Updates(map[string]interface{}{
					"status":     SyncJobStatusRunning,
					"claimed_by": workerID,
					"started_at": &now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				// Another worker claimed it between the select and the update.
				continue
			}

			job.Status = SyncJobStatusRunning
			job.ClaimedBy = &workerID
			job.StartedAt = &now
			claimed = &job
			return nil
		}
		return ErrNoQueuedJob
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimSyncJobByID claims a specific queued job with the same claim-if-queued
// and one-running-per-pair guarantees as ClaimNextSyncJob. A busy pair returns
// ErrNoQueuedJob: the job stays queued and the dispatcher picks it up later.
func ClaimSyncJobByID(ctx context.Context, db *gorm.DB, jobID int, workerID string, staleAfter time.Duration) (*SyncJob, error) {
	var claimed *SyncJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job SyncJob
		if err := tx.Take(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoQueuedJob
			}
			return err
		}
		if job.Status != SyncJobStatusQueued {
			return ErrNoQueuedJob
		}

		if err := lockSyncPair(tx, job.Stream, job.Channel); err != nil {
			return err
		}
		liveRunning, err := countLiveRunning(tx, job.Stream, job.Channel, staleAfter)
		if err != nil {
			return err
		}
		if liveRunning > 0 {
			return ErrNoQueuedJob
		}

		now := time.Now()
		res := tx.Model(&SyncJob{}).
			Where("id = ? AND status = ?", jobID, SyncJobStatusQueued).
			Updates(map[string]interface{}{
				"status":     SyncJobStatusRunning,
				"claimed_by": workerID,
				"started_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrNoQueuedJob
		}

		job.Status = SyncJobStatusRunning
		job.ClaimedBy = &workerID
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteSyncJob moves a running job to its terminal completed state.
func CompleteSyncJob(ctx context.Context, db *gorm.DB, jobID int, totals SyncJobTotals, cursorSnapshot []byte) error {
	return finishSyncJob(ctx, db, jobID, SyncJobStatusCompleted, "", totals, cursorSnapshot)
}

// FailSyncJob moves a running job to its terminal failed state. Already
// persisted pages and the advanced cursor are intentionally left in place.
func FailSyncJob(ctx context.Context, db *gorm.DB, jobID int, errMsg string, totals SyncJobTotals, cursorSnapshot []byte) error {
	return finishSyncJob(ctx, db, jobID, SyncJobStatusFailed, errMsg, totals, cursorSnapshot)
}

// RequeueSyncJob puts a running job back in the queue with its progress
// recorded. Used when a page or wall-clock budget is exhausted: the job is not
// failed, the next trigger resumes from the advanced cursor.
func RequeueSyncJob(ctx context.Context, db *gorm.DB, jobID int, reason string, totals SyncJobTotals, cursorSnapshot []byte) error {
	updates := map[string]interface{}{
		"status":            SyncJobStatusQueued,
		"claimed_by":        nil,
		"requests_made":     gorm.Expr("requests_made + ?", totals.RequestsMade),
		"records_processed": gorm.Expr("records_processed + ?", totals.RecordsProcessed),
		"pages_processed":   gorm.Expr("pages_processed + ?", totals.PagesProcessed),
	}
	if len(cursorSnapshot) > 0 {
		updates["cursor_snapshot_json"] = cursorSnapshot
	}
	res := db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", jobID, SyncJobStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		_ = AppendSyncLog(ctx, db, jobID, SyncLogLevelInfo, "job requeued: "+reason, nil)
	}
	return nil
}

func finishSyncJob(ctx context.Context, db *gorm.DB, jobID int, status string, errMsg string, totals SyncJobTotals, cursorSnapshot []byte) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":            status,
		"finished_at":       &now,
		"claimed_by":        nil,
		"error_message":     errMsg,
		"requests_made":     gorm.Expr("requests_made + ?", totals.RequestsMade),
		"records_processed": gorm.Expr("records_processed + ?", totals.RecordsProcessed),
		"pages_processed":   gorm.Expr("pages_processed + ?", totals.PagesProcessed),
		"duration_ms":       gorm.Expr("TIMESTAMPDIFF(MICROSECOND, started_at, ?) DIV 1000", now),
	}
	if len(cursorSnapshot) > 0 {
		updates["cursor_snapshot_json"] = cursorSnapshot
	}
	res := db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", jobID, SyncJobStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errors.New("sync job is not running; refusing to finish")
	}
	return nil
}

// ListSyncJobs returns jobs newest first, optionally filtered.
func ListSyncJobs(ctx context.Context, db *gorm.DB, stream, channel, status string, limit int) ([]SyncJob, error) {
	q := db.WithContext(ctx).Model(&SyncJob{}).Order("id DESC")
	if stream != "" {
		q = q.Where("stream = ?", stream)
	}
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []SyncJob
	if err := q.Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetSyncJobWithLogs loads one job and its full log stream.
func GetSyncJobWithLogs(ctx context.Context, db *gorm.DB, jobID int) (*SyncJob, []SyncLogEntry, error) {
	var job SyncJob
	if err := db.WithContext(ctx).Take(&job, jobID).Error; err != nil {
		return nil, nil, err
	}
	var logs []SyncLogEntry
	if err := db.WithContext(ctx).
		Where("sync_job_id = ?", jobID).
		Order("id ASC").
		Find(&logs).Error; err != nil {
		return nil, nil, err
	}
	return &job, logs, nil
}

// AppendSyncLog writes one append-only progress line for a job.
func AppendSyncLog(ctx context.Context, db *gorm.DB, jobID int, level string, message string, payload interface{}) error {
	var payloadJSON []byte
	if payload != nil {
		payloadJSON, _ = json.Marshal(payload)
	}
	entry := SyncLogEntry{
		SyncJobId:   jobID,
		Level:       level,
		Message:     message,
		PayloadJSON: payloadJSON,
	}
	return db.WithContext(ctx).Create(&entry).Error
}
