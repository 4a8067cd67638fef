package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"BotProxy/internal/assistant"
	"BotProxy/internal/backend"
)

type assistantRow struct {
	ID            string  `db:"id"`
	Name          string  `db:"name"`
	Type          string  `db:"type"`
	Model         string  `db:"model"`
	Instructions  string  `db:"instructions"`
	Creativity    float64 `db:"creativity"`
	ContextLength int     `db:"context_length"`
	ExternalCode  string  `db:"external_code"`
	Status        string  `db:"status"`
	ToolID        string  `db:"tool_id"`
	UpdatedTs     int64   `db:"updated_ts"`
}

type toolRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Description  string `db:"description"`
	Parameters   string `db:"parameters"`
	BaseURL      string `db:"base_url"`
	ResponseMode string `db:"response_mode"`
	UpdatedTs    int64  `db:"updated_ts"`
}

func (r toolRow) toDomain() *assistant.ToolDefinition {
	return &assistant.ToolDefinition{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Parameters:   json.RawMessage(r.Parameters),
		BaseURL:      r.BaseURL,
		ResponseMode: assistant.ResponseMode(r.ResponseMode),
	}
}

// GetAssistant loads an assistant together with its tool definition.
func (s *Store) GetAssistant(ctx context.Context, id string) (*assistant.Assistant, error) {
	var row assistantRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, name, type, model, instructions, creativity, context_length,
		       external_code, status, tool_id, updated_ts
		FROM assistants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assistant.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assistant: %w", err)
	}

	a := &assistant.Assistant{
		ID:            row.ID,
		Name:          row.Name,
		Type:          assistant.Type(row.Type),
		Model:         row.Model,
		Instructions:  row.Instructions,
		Creativity:    row.Creativity,
		ContextLength: row.ContextLength,
		ExternalCode:  row.ExternalCode,
		Status:        assistant.Status(row.Status),
	}
	if row.ToolID != "" {
		tool, err := s.GetTool(ctx, row.ToolID)
		if err != nil {
			return nil, fmt.Errorf("failed to load tool %s for assistant %s: %w", row.ToolID, id, err)
		}
		a.Tool = tool
	}
	return a, nil
}

// PutAssistant inserts or replaces an assistant. The tool itself is stored with PutTool.
func (s *Store) PutAssistant(ctx context.Context, a *assistant.Assistant) error {
	toolID := ""
	if a.Tool != nil {
		toolID = a.Tool.ID
	}
	status := a.Status
	if status == "" {
		status = assistant.StatusActive
	}
	typ := a.Type
	if typ == "" {
		typ = assistant.TypeSimple
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO assistants (id, name, type, model, instructions, creativity, context_length,
		                        external_code, status, tool_id, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			model = excluded.model,
			instructions = excluded.instructions,
			creativity = excluded.creativity,
			context_length = excluded.context_length,
			external_code = excluded.external_code,
			status = excluded.status,
			tool_id = excluded.tool_id,
			updated_ts = excluded.updated_ts`),
		a.ID, a.Name, string(typ), a.Model, a.Instructions, a.Creativity, a.ContextLength,
		a.ExternalCode, string(status), toolID, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to save assistant: %w", err)
	}
	return nil
}

func (s *Store) DeleteAssistant(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM assistants WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete assistant: %w", err)
	}
	return nil
}

func (s *Store) GetTool(ctx context.Context, id string) (*assistant.ToolDefinition, error) {
	var row toolRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, name, description, parameters, base_url, response_mode, updated_ts
		FROM tool_definitions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) PutTool(ctx context.Context, t *assistant.ToolDefinition) error {
	params := string(t.Parameters)
	if params == "" {
		params = "{}"
	}
	if !json.Valid([]byte(params)) {
		return fmt.Errorf("tool %s has invalid parameter schema", t.ID)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tool_definitions (id, name, description, parameters, base_url, response_mode, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			parameters = excluded.parameters,
			base_url = excluded.base_url,
			response_mode = excluded.response_mode,
			updated_ts = excluded.updated_ts`),
		t.ID, t.Name, t.Description, params, t.BaseURL, string(t.Mode()), s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to save tool: %w", err)
	}
	return nil
}

func (s *Store) DeleteTool(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tool_definitions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete tool: %w", err)
	}
	return nil
}

// GetSecret reads a value from the settings table.
func (s *Store) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.q(`SELECT key_value FROM settings WHERE key_name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", backend.ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return value, nil
}

func (s *Store) PutSecret(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settings (key_name, key_value, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT (key_name) DO UPDATE SET key_value = excluded.key_value, updated_ts = excluded.updated_ts`),
		name, value, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM settings WHERE key_name = ?`), name); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
