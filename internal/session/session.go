package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// UpstreamHardLimit is the gateway's own cap on conversation length.
const UpstreamHardLimit = 20

// MessagesPerTurn counts one user message and one assistant message.
const MessagesPerTurn = 2

var ErrNotFound = errors.New("session not found")

// SlotSet holds search parameters collected across turns.
type SlotSet map[string]string

func (s SlotSet) Clone() SlotSet {
	out := make(SlotSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s SlotSet) Has(name string) bool {
	v, ok := s[name]
	return ok && v != ""
}

// ChatSession ties an (assistant, end user) pair to an upstream conversation handle.
type ChatSession struct {
	AssistantID  string    `json:"assistant_id"`
	UserID       string    `json:"user_id"`
	Handle       string    `json:"handle"`
	MessageCount int       `json:"message_count"`
	Slots        SlotSet   `json:"slots"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RotationLimit is the message count at which a session gets a new handle.
func RotationLimit(contextWindow int) int {
	return min(2*contextWindow, UpstreamHardLimit)
}

// Store persists chat sessions.
type Store interface {
	GetSession(ctx context.Context, assistantID, userID string) (*ChatSession, error)
	// CreateSession inserts s unless a session for the pair already exists.
	CreateSession(ctx context.Context, s *ChatSession) error
	SaveSession(ctx context.Context, s *ChatSession) error
	AdvanceSession(ctx context.Context, s *ChatSession, delta int) error
}

// Manager implements session lifecycle on top of a Store.
type Manager struct {
	store     Store
	logger    *slog.Logger
	newHandle func() string
	now       func() time.Time
}

// NewManager returns a session manager backed by store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		logger:    logger,
		newHandle: func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// GetOrCreate loads the session for the pair, creating it with a fresh handle on first use.
func (m *Manager) GetOrCreate(ctx context.Context, assistantID, userID string) (*ChatSession, error) {
	sess, err := m.store.GetSession(ctx, assistantID, userID)
	if err == nil {
		if sess.Slots == nil {
			sess.Slots = SlotSet{}
		}
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	fresh := &ChatSession{
		AssistantID: assistantID,
		UserID:      userID,
		Handle:      m.newHandle(),
		Slots:       SlotSet{},
		UpdatedAt:   m.now(),
	}
	if err := m.store.CreateSession(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// A concurrent first turn may have won the insert; return whatever is stored.
	sess, err = m.store.GetSession(ctx, assistantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload session: %w", err)
	}
	if sess.Slots == nil {
		sess.Slots = SlotSet{}
	}
	m.logger.Info("created new session", "assistant_id", assistantID, "user_id", userID, "handle", sess.Handle)
	return sess, nil
}

// RotateIfExhausted replaces the handle once the message budget is spent.
// It returns the session and whether it was rotated.
func (m *Manager) RotateIfExhausted(ctx context.Context, s *ChatSession, contextWindow int) (*ChatSession, bool, error) {
	limit := RotationLimit(contextWindow)
	if s.MessageCount < limit {
		return s, false, nil
	}

	previous := s.Handle
	s.Handle = m.newHandle()
	s.MessageCount = 0
	s.Slots = SlotSet{}
	s.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, false, fmt.Errorf("failed to rotate session: %w", err)
	}
	m.logger.Info("rotated session",
		"assistant_id", s.AssistantID,
		"user_id", s.UserID,
		"previous_handle", previous,
		"handle", s.Handle,
		"limit", limit,
	)
	return s, true, nil
}

// SaveSlots persists the current slot set.
func (m *Manager) SaveSlots(ctx context.Context, s *ChatSession) error {
	s.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("failed to save slots: %w", err)
	}
	return nil
}

// Advance records one completed turn. Call it only after the turn succeeded.
func (m *Manager) Advance(ctx context.Context, s *ChatSession) error {
	if err := m.store.AdvanceSession(ctx, s, MessagesPerTurn); err != nil {
		return fmt.Errorf("failed to advance session: %w", err)
	}
	s.MessageCount += MessagesPerTurn
	s.UpdatedAt = m.now()
	return nil
}
