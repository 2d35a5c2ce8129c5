package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncCursor holds the last durably processed position of one (stream, channel)
// listing. Position is opaque to everything but the upstream API: a page token,
// a watermark timestamp or an ERP-native sequence id. It is advanced only after
// the page it points past has been persisted, so a crash between persistence
// and advancement reprocesses at most one page.
type SyncCursor struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Stream    string    `gorm:"uniqueIndex:idx_sync_cursors_key,priority:1;size:20;not null" json:"stream"`
	Channel   string    `gorm:"uniqueIndex:idx_sync_cursors_key,priority:2;size:20;not null" json:"channel"`
	Position  string    `gorm:"size:512;not null;default:''" json:"position"`
	Watermark string    `gorm:"size:64;not null;default:''" json:"watermark"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrCursorMoved = errors.New("cursor was advanced by another worker")

// GetOrCreateSyncCursor loads the cursor row for a stream/channel, creating an
// empty one on first use.
func GetOrCreateSyncCursor(ctx context.Context, db *gorm.DB, stream, channel string) (*SyncCursor, error) {
	var cur SyncCursor
	err := db.WithContext(ctx).
		Where("stream = ? AND channel = ?", stream, channel).
		Take(&cur).Error
	if err == nil {
		return &cur, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	cur = SyncCursor{Stream: stream, Channel: channel}
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cur).Error; err != nil {
		return nil, err
	}
	// Re-read: a concurrent creator may have won the insert.
	if err := db.WithContext(ctx).
		Where("stream = ? AND channel = ?", stream, channel).
		Take(&cur).Error; err != nil {
		return nil, err
	}
	return &cur, nil
}

// AdvanceSyncCursor moves the cursor forward with an advance-if-current-matches
// conditional update. If another worker moved the cursor since it was read, the
// update affects zero rows and ErrCursorMoved is returned so the caller can
// stop instead of double-processing the stream.
func AdvanceSyncCursor(ctx context.Context, db *gorm.DB, stream, channel, oldPosition, newPosition, watermark string) error {
	res := db.WithContext(ctx).Model(&SyncCursor{}).
		Where("stream = ? AND channel = ? AND position = ?", stream, channel, oldPosition).
		Updates(map[string]interface{}{
			"position":  newPosition,
			"watermark": watermark,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrCursorMoved
	}
	return nil
}

// ResetSyncCursor clears a cursor so the next run starts from the beginning of
// the upstream listing. Operator tool only.
func ResetSyncCursor(ctx context.Context, db *gorm.DB, stream, channel string) error {
	return db.WithContext(ctx).Model(&SyncCursor{}).
		Where("stream = ? AND channel = ?", stream, channel).
		Updates(map[string]interface{}{"position": "", "watermark": ""}).Error
}
