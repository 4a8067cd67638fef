package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"BotProxy/internal/session"
)

type sessionRow struct {
	AssistantID  string `db:"assistant_id"`
	UserID       string `db:"user_id"`
	Handle       string `db:"handle"`
	MessageCount int    `db:"message_count"`
	Slots        string `db:"slots"`
	UpdatedTs    int64  `db:"updated_ts"`
}

func (s *Store) GetSession(ctx context.Context, assistantID, userID string) (*session.ChatSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT assistant_id, user_id, handle, message_count, slots, updated_ts
		FROM chat_sessions WHERE assistant_id = ? AND user_id = ?`), assistantID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	slots := session.SlotSet{}
	if row.Slots != "" {
		if err := json.Unmarshal([]byte(row.Slots), &slots); err != nil {
			return nil, fmt.Errorf("failed to decode session slots: %w", err)
		}
	}
	return &session.ChatSession{
		AssistantID:  row.AssistantID,
		UserID:       row.UserID,
		Handle:       row.Handle,
		MessageCount: row.MessageCount,
		Slots:        slots,
		UpdatedAt:    time.UnixMilli(row.UpdatedTs),
	}, nil
}

// CreateSession inserts the session unless the pair already has one.
func (s *Store) CreateSession(ctx context.Context, sess *session.ChatSession) error {
	slots, err := encodeSlots(sess.Slots)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO chat_sessions (assistant_id, user_id, handle, message_count, slots, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (assistant_id, user_id) DO NOTHING`),
		sess.AssistantID, sess.UserID, sess.Handle, sess.MessageCount, slots, sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// SaveSession writes handle, counter and slots.
func (s *Store) SaveSession(ctx context.Context, sess *session.ChatSession) error {
	slots, err := encodeSlots(sess.Slots)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO chat_sessions (assistant_id, user_id, handle, message_count, slots, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (assistant_id, user_id) DO UPDATE SET
			handle = excluded.handle,
			message_count = excluded.message_count,
			slots = excluded.slots,
			updated_ts = excluded.updated_ts`),
		sess.AssistantID, sess.UserID, sess.Handle, sess.MessageCount, slots, sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// AdvanceSession increments the counter in place. A session rotated by a concurrent
// turn has a different handle and is left alone.
func (s *Store) AdvanceSession(ctx context.Context, sess *session.ChatSession, delta int) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE chat_sessions
		SET message_count = chat_sessions.message_count + ?, updated_ts = ?
		WHERE assistant_id = ? AND user_id = ? AND handle = ?`),
		delta, s.nowMillis(), sess.AssistantID, sess.UserID, sess.Handle,
	)
	if err != nil {
		return fmt.Errorf("failed to advance session: %w", err)
	}
	return nil
}

func encodeSlots(slots session.SlotSet) (string, error) {
	if len(slots) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(slots)
	if err != nil {
		return "", fmt.Errorf("failed to encode session slots: %w", err)
	}
	return string(b), nil
}
