// Package ordersync drives the synchronization pipeline: durable jobs are
// queued per (stream, channel), a worker claims one job at a time, pulls
// pages through the gateway, upserts normalized rows and advances the cursor.
package ordersync

import (
	"encoding/json"

	"github.com/vicastello/orderhub_backend/gateway"
	"github.com/vicastello/orderhub_backend/models"
)

// CursorSnapshot is the audit copy of the cursor position stored on the job
// row. The SyncCursor row stays authoritative; the snapshot records where
// this particular run left the stream.
type CursorSnapshot struct {
	Position  string `json:"position"`
	Watermark string `json:"watermark"`
}

func snapshotOf(cursor gateway.Cursor) []byte {
	b, _ := json.Marshal(CursorSnapshot{Position: cursor.Position, Watermark: cursor.Watermark})
	return b
}

// CreateJobRequest is the trigger endpoint body.
type CreateJobRequest struct {
	Stream      string `json:"stream" binding:"required"`
	Channel     string `json:"channel" binding:"required"`
	NewestFirst bool   `json:"newest_first"`
}

// WorkerRunRequest selects what the worker endpoint should run: a specific
// queued job, or the next queued job of a stream (any stream when empty).
type WorkerRunRequest struct {
	JobId  int    `json:"job_id"`
	Stream string `json:"stream"`
}

// RunResult summarizes one worker invocation over one job.
type RunResult struct {
	JobId  int                  `json:"job_id"`
	Status string               `json:"status"`
	Totals models.SyncJobTotals `json:"totals"`
}

// jobMessage is the pubsub payload published on job creation and consumed by
// the push endpoint.
type jobMessage struct {
	JobId   int    `json:"job_id"`
	Stream  string `json:"stream"`
	Channel string `json:"channel"`
}

// pushEnvelope is the wrapper Google Pub/Sub push delivery wraps around the
// published message.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func validStream(stream string) bool {
	switch stream {
	case models.SyncStreamOrders, models.SyncStreamStock, models.SyncStreamCatalog:
		return true
	}
	return false
}

func validChannel(channel string) bool {
	switch channel {
	case models.ChannelERP, models.ChannelShopmall, models.ChannelBazarly, models.ChannelVendora:
		return true
	}
	return false
}
