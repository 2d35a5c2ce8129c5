package utils

import (
	"context"

	"github.com/vicastello/orderhub_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyWorkerId      = appctx.ContextKeyWorkerId
	ContextKeyJobId         = appctx.ContextKeyJobId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetWorkerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyWorkerId)
}

func SetWorkerIdInContext(ctx context.Context, workerId string) context.Context {
	return appctx.Set(ctx, ContextKeyWorkerId, workerId)
}

func GetJobIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyJobId)
}

func SetJobIdInContext(ctx context.Context, jobId int) context.Context {
	return appctx.Set(ctx, ContextKeyJobId, jobId)
}
