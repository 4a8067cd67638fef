package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"BotProxy/internal/usage"
)

// IncrementAssistantUsage adds one exchange to the per-assistant, per-user totals.
func (s *Store) IncrementAssistantUsage(ctx context.Context, r usage.Record) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO assistant_usage (assistant_id, user_id, message_count, tokens_used, cost, updated_ts)
		VALUES (?, ?, 2, ?, ?, ?)
		ON CONFLICT (assistant_id, user_id) DO UPDATE SET
			message_count = assistant_usage.message_count + excluded.message_count,
			tokens_used = assistant_usage.tokens_used + excluded.tokens_used,
			cost = assistant_usage.cost + excluded.cost,
			updated_ts = excluded.updated_ts`),
		r.AssistantID, r.UserID, r.TotalTokens, r.Cost, r.OccurredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to update assistant usage: %w", err)
	}
	return nil
}

// UpsertDailyUsage merges the record into its day/endpoint/model rollup.
func (s *Store) UpsertDailyUsage(ctx context.Context, r usage.Record) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO usage_stats (day, endpoint, model, request_count, prompt_tokens, completion_tokens, total_tokens, cost)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (day, endpoint, model) DO UPDATE SET
			request_count = usage_stats.request_count + 1,
			prompt_tokens = usage_stats.prompt_tokens + excluded.prompt_tokens,
			completion_tokens = usage_stats.completion_tokens + excluded.completion_tokens,
			total_tokens = usage_stats.total_tokens + excluded.total_tokens,
			cost = usage_stats.cost + excluded.cost`),
		r.Day(), r.Endpoint, r.Model, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.Cost,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage stats: %w", err)
	}
	return nil
}

// InsertMessages stores the user and assistant messages of a turn in one transaction.
func (s *Store) InsertMessages(ctx context.Context, r usage.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := s.q(`INSERT INTO messages (id, assistant_id, user_id, role, content, created_ts) VALUES (?, ?, ?, ?, ?, ?)`)
	ts := r.OccurredAt.UnixMilli()
	rows := []struct{ role, content string }{
		{"user", r.UserText},
		{"assistant", r.AssistantText},
	}
	for i, m := range rows {
		// The assistant row sorts after the user row.
		if _, err := tx.ExecContext(ctx, stmt, uuid.NewString(), r.AssistantID, r.UserID, m.role, m.content, ts+int64(i)); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) InsertRequestLog(ctx context.Context, l usage.RequestLog) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO api_requests (id, endpoint, method, status_code, latency_ms, tokens, model, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), l.Endpoint, l.Method, l.StatusCode, l.Latency.Milliseconds(), l.Tokens, l.Model, l.OccurredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save request log: %w", err)
	}
	return nil
}

// ListDailyUsage returns rollups from since (inclusive, UTC day) onward, newest first.
func (s *Store) ListDailyUsage(ctx context.Context, since time.Time) ([]usage.DailyUsage, error) {
	var out []usage.DailyUsage
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT day, endpoint, model, request_count, prompt_tokens, completion_tokens, total_tokens, cost
		FROM usage_stats WHERE day >= ?
		ORDER BY day DESC, endpoint, model`), since.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to list usage stats: %w", err)
	}
	return out, nil
}

type Message struct {
	Role      string `db:"role"`
	Content   string `db:"content"`
	CreatedTs int64  `db:"created_ts"`
}

// ListMessages returns the latest limit messages of an assistant/user pair, oldest first.
func (s *Store) ListMessages(ctx context.Context, assistantID, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Message
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT role, content, created_ts FROM messages
		WHERE assistant_id = ? AND user_id = ?
		ORDER BY created_ts DESC LIMIT ?`), assistantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}
