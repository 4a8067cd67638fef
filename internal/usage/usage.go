package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"BotProxy/internal/apperr"
)

// Record is the accounting of one completed chat turn.
type Record struct {
	AssistantID      string
	UserID           string
	Endpoint         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             decimal.Decimal
	UserText         string
	AssistantText    string
	Latency          time.Duration
	OccurredAt       time.Time
}

// Day is the rollup bucket of the record, in UTC.
func (r Record) Day() string {
	return r.OccurredAt.UTC().Format("2006-01-02")
}

// DailyUsage is one row of the per-day, per-endpoint, per-model rollup.
type DailyUsage struct {
	Day              string          `json:"date" db:"day"`
	Endpoint         string          `json:"endpoint" db:"endpoint"`
	Model            string          `json:"model" db:"model"`
	RequestCount     int64           `json:"request_count" db:"request_count"`
	PromptTokens     int64           `json:"total_prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64           `json:"total_completion_tokens" db:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens" db:"total_tokens"`
	Cost             decimal.Decimal `json:"total_cost" db:"cost"`
}

// RequestLog is one gateway exchange, kept for auditing.
type RequestLog struct {
	Endpoint   string
	Method     string
	StatusCode int
	Latency    time.Duration
	Tokens     int
	Model      string
	OccurredAt time.Time
}

// Store persists usage. Each method must be an atomic upsert or insert.
type Store interface {
	IncrementAssistantUsage(ctx context.Context, r Record) error
	UpsertDailyUsage(ctx context.Context, r Record) error
	InsertMessages(ctx context.Context, r Record) error
	InsertRequestLog(ctx context.Context, l RequestLog) error
}

// Recorder writes usage records and mirrors them into OpenTelemetry counters.
type Recorder struct {
	store  Store
	logger *slog.Logger

	turns  metric.Int64Counter
	tokens metric.Int64Counter
	cost   metric.Float64Counter
}

// NewRecorder returns a recorder that persists to store and reports otel usage metrics.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("botproxy/usage")
	r := &Recorder{store: store, logger: logger}
	r.turns, _ = meter.Int64Counter("llm.turns", metric.WithDescription("Completed chat turns"))
	r.tokens, _ = meter.Int64Counter("llm.usage.tokens", metric.WithDescription("LLM tokens by kind"))
	r.cost, _ = meter.Float64Counter("llm.usage.cost", metric.WithDescription("LLM cost reported by the gateway"))
	return r
}

// Record persists, in order: the per-assistant increment, the daily rollup and the two
// transcript messages. It stops at the first failure.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	r.recordMetrics(ctx, rec)

	if err := r.store.IncrementAssistantUsage(ctx, rec); err != nil {
		return apperr.Persistence("failed to record assistant usage", err)
	}
	if err := r.store.UpsertDailyUsage(ctx, rec); err != nil {
		return apperr.Persistence("failed to record daily usage", err)
	}
	if err := r.store.InsertMessages(ctx, rec); err != nil {
		return apperr.Persistence("failed to record messages", err)
	}

	r.logger.Info("usage recorded",
		"assistant_id", rec.AssistantID,
		"endpoint", rec.Endpoint,
		"model", rec.Model,
		"total_tokens", rec.TotalTokens,
		"cost", rec.Cost.String(),
	)
	return nil
}

// LogRequest stores a request log entry. Failures are only logged.
func (r *Recorder) LogRequest(ctx context.Context, l RequestLog) {
	if l.OccurredAt.IsZero() {
		l.OccurredAt = time.Now()
	}
	if err := r.store.InsertRequestLog(ctx, l); err != nil {
		r.logger.Warn("failed to store request log", "endpoint", l.Endpoint, "error", err)
	}
}

func (r *Recorder) recordMetrics(ctx context.Context, rec Record) {
	endpoint := attribute.String("endpoint", rec.Endpoint)
	model := attribute.String("model", rec.Model)
	if r.turns != nil {
		r.turns.Add(ctx, 1, metric.WithAttributes(endpoint, model))
	}
	if r.tokens != nil {
		r.tokens.Add(ctx, int64(rec.PromptTokens), metric.WithAttributes(endpoint, model, attribute.String("kind", "prompt")))
		r.tokens.Add(ctx, int64(rec.CompletionTokens), metric.WithAttributes(endpoint, model, attribute.String("kind", "completion")))
	}
	if r.cost != nil {
		r.cost.Add(ctx, rec.Cost.InexactFloat64(), metric.WithAttributes(endpoint, model))
	}
}
