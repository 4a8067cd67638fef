package assistant

import (
	"encoding/json"
	"errors"
	"strings"

	"BotProxy/internal/apperr"
)

// Type selects which gateway API an assistant is routed to.
type Type string

const (
	TypeSimple   Type = "simple"
	TypeExternal Type = "external"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ResponseMode controls what happens with search results of a tool call.
type ResponseMode string

const (
	ResponseJSON ResponseMode = "json" // results returned to the caller as-is
	ResponseText ResponseMode = "text" // results summarized by a second gateway call
)

// DefaultContextLength applies when an assistant has no positive context length.
const DefaultContextLength = 5

var ErrNotFound = errors.New("assistant not found")

// ToolDefinition is the function an assistant may call, backed by an external search API.
type ToolDefinition struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters"`
	BaseURL      string          `json:"base_url"`
	ResponseMode ResponseMode    `json:"response_mode"`
}

// RequiredParams returns the "required" list of the parameter schema.
func (t *ToolDefinition) RequiredParams() []string {
	if t == nil || len(t.Parameters) == 0 {
		return nil
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(t.Parameters, &schema); err != nil {
		return nil
	}
	return schema.Required
}

// Requires reports whether every name in params is required by the schema.
func (t *ToolDefinition) Requires(params []string) bool {
	required := t.RequiredParams()
	if len(required) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(required))
	for _, r := range required {
		set[r] = struct{}{}
	}
	for _, p := range params {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

// Mode returns the response mode, defaulting to text.
func (t *ToolDefinition) Mode() ResponseMode {
	if t == nil {
		return ResponseText
	}
	if strings.EqualFold(string(t.ResponseMode), string(ResponseJSON)) {
		return ResponseJSON
	}
	return ResponseText
}

// Assistant is the read-only configuration of one chatbot.
type Assistant struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          Type            `json:"type"`
	Model         string          `json:"model"`
	Instructions  string          `json:"instructions"`
	Creativity    float64         `json:"creativity"`
	ContextLength int             `json:"context_length"`
	ExternalCode  string          `json:"external_code"`
	Status        Status          `json:"status"`
	Tool          *ToolDefinition `json:"tool,omitempty"`
}

// ContextWindow is the configured context length or DefaultContextLength.
func (a *Assistant) ContextWindow() int {
	if a.ContextLength <= 0 {
		return DefaultContextLength
	}
	return a.ContextLength
}

// IsExternal reports whether the assistant routes to the gateway's assistant API.
func (a *Assistant) IsExternal() bool {
	return strings.EqualFold(string(a.Type), string(TypeExternal))
}

// Check rejects assistants that cannot serve a turn: inactive ones and
// external ones without an assistant code.
func (a *Assistant) Check() error {
	if a.Status != "" && !strings.EqualFold(string(a.Status), string(StatusActive)) {
		return apperr.State("assistant %s is not active", a.ID)
	}
	if a.IsExternal() && strings.TrimSpace(a.ExternalCode) == "" {
		return apperr.Configuration("assistant %s is external but has no assistant code", a.ID)
	}
	return nil
}
