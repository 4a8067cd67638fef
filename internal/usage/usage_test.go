package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BotProxy/internal/apperr"
)

type recordingStore struct {
	calls  []string
	failAt string
	logs   []RequestLog
}

func (s *recordingStore) step(name string) error {
	s.calls = append(s.calls, name)
	if s.failAt == name {
		return errors.New("disk full")
	}
	return nil
}

func (s *recordingStore) IncrementAssistantUsage(context.Context, Record) error {
	return s.step("assistant")
}

func (s *recordingStore) UpsertDailyUsage(context.Context, Record) error { return s.step("daily") }

func (s *recordingStore) InsertMessages(context.Context, Record) error { return s.step("messages") }

func (s *recordingStore) InsertRequestLog(_ context.Context, l RequestLog) error {
	s.logs = append(s.logs, l)
	return s.step("request_log")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRecord() Record {
	return Record{
		AssistantID:   "a1",
		UserID:        "anonymous",
		Endpoint:      "/v1/chat/completions",
		Model:         "gpt-4o-mini",
		TotalTokens:   15,
		Cost:          decimal.RequireFromString("0.0042"),
		UserText:      "Hello",
		AssistantText: "Hi",
		OccurredAt:    time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC),
	}
}

func TestRecordWritesInOrder(t *testing.T) {
	store := &recordingStore{}
	require.NoError(t, NewRecorder(store, quietLogger()).Record(context.Background(), sampleRecord()))
	assert.Equal(t, []string{"assistant", "daily", "messages"}, store.calls)
}

func TestRecordStopsAtFirstFailure(t *testing.T) {
	store := &recordingStore{failAt: "daily"}
	err := NewRecorder(store, quietLogger()).Record(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
	assert.Equal(t, []string{"assistant", "daily"}, store.calls)
}

func TestLogRequestSwallowsErrors(t *testing.T) {
	store := &recordingStore{failAt: "request_log"}
	NewRecorder(store, quietLogger()).LogRequest(context.Background(), RequestLog{Endpoint: "/v1/chat/completions", StatusCode: 200})
	require.Len(t, store.logs, 1)
	assert.False(t, store.logs[0].OccurredAt.IsZero())
}

func TestRecordDayIsUTC(t *testing.T) {
	r := sampleRecord()
	r.OccurredAt = time.Date(2025, 6, 2, 1, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	assert.Equal(t, "2025-06-01", r.Day())
}
