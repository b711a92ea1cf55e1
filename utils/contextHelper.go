package utils

import (
	"context"

	"github.com/mmdatafocus/settlement_backend/appctx"
)

const (
	SourceQueue = "queue"
	SourceBatch = "batch"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyEventId       = appctx.ContextKeyEventId
	ContextKeyEventType     = appctx.ContextKeyEventType
	ContextKeySource        = appctx.ContextKeySource
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetEventIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEventId)
}

func SetEventIdInContext(ctx context.Context, eventId string) context.Context {
	return appctx.Set(ctx, ContextKeyEventId, eventId)
}

func GetEventTypeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEventType)
}

func SetEventTypeInContext(ctx context.Context, eventType string) context.Context {
	return appctx.Set(ctx, ContextKeyEventType, eventType)
}

// GetSourceFromContext defaults to SourceQueue when unset.
func GetSourceFromContext(ctx context.Context) string {
	if v, ok := appctx.GetString(ctx, ContextKeySource); ok && v != "" {
		return v
	}
	return SourceQueue
}

func SetSourceInContext(ctx context.Context, source string) context.Context {
	return appctx.Set(ctx, ContextKeySource, source)
}
