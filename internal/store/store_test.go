package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BotProxy/internal/assistant"
	"BotProxy/internal/backend"
	"BotProxy/internal/cache"
	"BotProxy/internal/session"
	"BotProxy/internal/usage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	// Running it twice must be harmless.
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestAssistantWithTool(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tool := &assistant.ToolDefinition{
		ID:           "search-tool",
		Name:         "search",
		Description:  "Search rentals",
		Parameters:   json.RawMessage(`{"type":"object","required":["city","checkin"]}`),
		ResponseMode: assistant.ResponseJSON,
	}
	require.NoError(t, s.PutTool(ctx, tool))
	require.NoError(t, s.PutAssistant(ctx, &assistant.Assistant{
		ID:            "a1",
		Name:          "Rentals",
		Model:         "gpt-4o-mini",
		Instructions:  "be brief",
		Creativity:    0.3,
		ContextLength: 4,
		Tool:          tool,
	}))

	got, err := s.GetAssistant(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, assistant.TypeSimple, got.Type)
	assert.Equal(t, assistant.StatusActive, got.Status)
	assert.Equal(t, 4, got.ContextLength)
	require.NotNil(t, got.Tool)
	assert.Equal(t, "search", got.Tool.Name)
	assert.Equal(t, assistant.ResponseJSON, got.Tool.Mode())
	assert.Equal(t, []string{"city", "checkin"}, got.Tool.RequiredParams())

	_, err = s.GetAssistant(ctx, "missing")
	assert.ErrorIs(t, err, assistant.ErrNotFound)

	require.NoError(t, s.DeleteAssistant(ctx, "a1"))
	_, err = s.GetAssistant(ctx, "a1")
	assert.ErrorIs(t, err, assistant.ErrNotFound)
}

func TestPutToolRejectsInvalidSchema(t *testing.T) {
	s := newTestStore(t)
	err := s.PutTool(context.Background(), &assistant.ToolDefinition{ID: "t", Name: "t", Parameters: json.RawMessage(`{`)})
	assert.Error(t, err)
}

func TestSecrets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetSecret(ctx, backend.APIKeySecret)
	assert.ErrorIs(t, err, backend.ErrSecretNotFound)

	require.NoError(t, s.PutSecret(ctx, backend.APIKeySecret, "k1"))
	require.NoError(t, s.PutSecret(ctx, backend.APIKeySecret, "k2"))
	v, err := s.GetSecret(ctx, backend.APIKeySecret)
	require.NoError(t, err)
	assert.Equal(t, "k2", v)

	require.NoError(t, s.DeleteSecret(ctx, backend.APIKeySecret))
	_, err = s.GetSecret(ctx, backend.APIKeySecret)
	assert.ErrorIs(t, err, backend.ErrSecretNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)

	_, err := s.GetSession(ctx, "a1", "u1")
	assert.ErrorIs(t, err, session.ErrNotFound)

	first := &session.ChatSession{AssistantID: "a1", UserID: "u1", Handle: "h1", Slots: session.SlotSet{}, UpdatedAt: now}
	require.NoError(t, s.CreateSession(ctx, first))
	// A second create for the same pair keeps the first row.
	require.NoError(t, s.CreateSession(ctx, &session.ChatSession{AssistantID: "a1", UserID: "u1", Handle: "h2", UpdatedAt: now}))

	got, err := s.GetSession(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.Handle)
	assert.Empty(t, got.Slots)

	require.NoError(t, s.AdvanceSession(ctx, got, 2))
	require.NoError(t, s.AdvanceSession(ctx, got, 2))
	got, err = s.GetSession(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.MessageCount)

	got.Slots = session.SlotSet{"city": "Сочи", "guests": "2"}
	require.NoError(t, s.SaveSession(ctx, got))
	got, err = s.GetSession(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Сочи", got.Slots["city"])
	assert.Equal(t, 4, got.MessageCount)

	stale := *got
	got.Handle = "h3"
	got.MessageCount = 0
	require.NoError(t, s.SaveSession(ctx, got))
	// Advancing with the old handle does not touch the rotated session.
	require.NoError(t, s.AdvanceSession(ctx, &stale, 2))
	got, err = s.GetSession(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "h3", got.Handle)
	assert.Equal(t, 0, got.MessageCount)
}

func TestSessionManagerOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := session.NewManager(s, nil)

	a, err := m.GetOrCreate(ctx, "a1", "u1")
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, a.Handle, b.Handle)
	assert.NotEmpty(t, a.Handle)
}

func TestSearchCacheEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	_, err := s.GetCacheEntry(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrMiss)

	require.NoError(t, s.PutCacheEntry(ctx, cache.Entry{Key: "k", Payload: []byte(`[1]`), ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.PutCacheEntry(ctx, cache.Entry{Key: "k", Payload: []byte(`[2]`), ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.PutCacheEntry(ctx, cache.Entry{Key: "old", Payload: []byte(`[]`), ExpiresAt: now.Add(-time.Minute)}))

	e, err := s.GetCacheEntry(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `[2]`, string(e.Payload))
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), e.ExpiresAt.UnixMilli())

	n, err := s.PurgeExpiredCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetCacheEntry(ctx, "old")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestSQLCacheOnSQLite(t *testing.T) {
	ctx := context.Background()
	c := cache.NewSQL(newTestStore(t))

	require.NoError(t, c.Put(ctx, "key", []byte(`{"results":[]}`)))
	got, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[]}`, string(got))
}

func TestUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2025, 5, 20, 23, 30, 0, 0, time.UTC)

	rec := usage.Record{
		AssistantID:      "a1",
		UserID:           "u1",
		Endpoint:         "/v1/chat/completions",
		Model:            "gpt-4o-mini",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		Cost:             decimal.RequireFromString("0.25"),
		UserText:         "hi",
		AssistantText:    "hello",
		OccurredAt:       at,
	}
	for i := 0; i < 2; i++ {
		rec.OccurredAt = at.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.IncrementAssistantUsage(ctx, rec))
		require.NoError(t, s.UpsertDailyUsage(ctx, rec))
		require.NoError(t, s.InsertMessages(ctx, rec))
	}

	var row struct {
		MessageCount int64   `db:"message_count"`
		TokensUsed   int64   `db:"tokens_used"`
		Cost         float64 `db:"cost"`
	}
	require.NoError(t, s.db.Get(&row, `SELECT message_count, tokens_used, cost FROM assistant_usage WHERE assistant_id = 'a1' AND user_id = 'u1'`))
	assert.Equal(t, int64(4), row.MessageCount)
	assert.Equal(t, int64(30), row.TokensUsed)
	assert.InDelta(t, 0.5, row.Cost, 1e-9)

	stats, err := s.ListDailyUsage(ctx, at.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "2025-05-20", stats[0].Day)
	assert.Equal(t, int64(2), stats[0].RequestCount)
	assert.Equal(t, int64(20), stats[0].PromptTokens)
	assert.Equal(t, int64(10), stats[0].CompletionTokens)
	assert.Equal(t, int64(30), stats[0].TotalTokens)
	assert.True(t, stats[0].Cost.Equal(decimal.RequireFromString("0.5")), stats[0].Cost.String())

	later, err := s.ListDailyUsage(ctx, at.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, later)

	msgs, err := s.ListMessages(ctx, "a1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestListMessagesReturnsNewest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)

	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, s.InsertMessages(ctx, usage.Record{
			AssistantID:   "a1",
			UserID:        "u1",
			UserText:      text,
			AssistantText: "re: " + text,
			OccurredAt:    at.Add(time.Duration(i) * time.Minute),
		}))
	}

	msgs, err := s.ListMessages(ctx, "a1", "u1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "third", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "re: third", msgs[1].Content)

	msgs, err = s.ListMessages(ctx, "a1", "u1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "re: second", msgs[0].Content)
	assert.Equal(t, "re: third", msgs[2].Content)
	assert.Less(t, msgs[0].CreatedTs, msgs[2].CreatedTs)
}

func TestCostColumnsAreNumeric(t *testing.T) {
	for _, stmt := range schema {
		for _, line := range strings.Split(stmt, "\n") {
			fields := strings.Fields(line)
			if len(fields) > 1 && fields[0] == "cost" {
				assert.Equal(t, "NUMERIC", fields[1], line)
			}
		}
	}
}

func TestRequestLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertRequestLog(ctx, usage.RequestLog{
		Endpoint:   "/v1/chat/completions",
		Method:     "POST",
		StatusCode: 200,
		Latency:    1500 * time.Millisecond,
		Tokens:     42,
		Model:      "gpt-4o-mini",
		OccurredAt: time.Now(),
	}))

	var latency int64
	require.NoError(t, s.db.Get(&latency, `SELECT latency_ms FROM api_requests`))
	assert.Equal(t, int64(1500), latency)
}
