package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"BotProxy/internal/apperr"
	"BotProxy/internal/assistant"
)

const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointAssistantChat   = "/v1/assistant/chat"
)

// maxHistoryTurns caps how many past exchanges are replayed to the gateway.
const maxHistoryTurns = 5

// HistoryEntry is a prior message supplied by the caller. Content may be any JSON value.
type HistoryEntry struct {
	Role    string          `json:"role" validate:"required"`
	Content json.RawMessage `json:"content"`
}

// Text returns the content as a string, or its compact JSON text when it is not a string.
func (h HistoryEntry) Text() string {
	if len(h.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(h.Content, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, h.Content); err != nil {
		return string(h.Content)
	}
	return buf.String()
}

type BuildInput struct {
	Handle  string
	Message string
	History []HistoryEntry
}

// Request is a gateway call ready to send. Exactly one of Simple or External is set.
type Request struct {
	Endpoint string
	Model    string
	Simple   *ChatCompletionRequest
	External *AssistantChatRequest
}

func (r *Request) body() any {
	if r.External != nil {
		return r.External
	}
	return r.Simple
}

// Build selects the gateway API for the assistant and assembles the request.
func Build(a *assistant.Assistant, in BuildInput) (*Request, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}

	if a.IsExternal() {
		return &Request{
			Endpoint: EndpointAssistantChat,
			Model:    a.Model,
			External: &AssistantChatRequest{
				ChatID:        in.Handle,
				AssistantCode: a.ExternalCode,
				Message:       in.Message,
				MaxContext:    a.ContextWindow(),
			},
		}, nil
	}

	if strings.TrimSpace(a.Model) == "" {
		return nil, apperr.Configuration("assistant %s has no model", a.ID)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(in.History)+2)
	if strings.TrimSpace(a.Instructions) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: a.Instructions,
		})
	}

	history := in.History
	if limit := min(a.ContextWindow(), maxHistoryTurns) * 2; len(history) > limit {
		history = history[len(history)-limit:]
	}
	for _, h := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    h.Role,
			Content: h.Text(),
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: in.Message,
	})

	req := &ChatCompletionRequest{
		Model:       a.Model,
		Messages:    messages,
		Temperature: a.Creativity,
	}
	if a.Tool != nil {
		req.Tools = []openai.Tool{functionTool(a.Tool)}
	}

	return &Request{
		Endpoint: EndpointChatCompletions,
		Model:    a.Model,
		Simple:   req,
	}, nil
}

func functionTool(t *assistant.ToolDefinition) openai.Tool {
	params := t.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// ToolResult is the output of one executed tool call.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
}

// FollowUp returns the second request of a text-mode tool turn: the tool call and its
// results are appended as conversation turns and the model is asked to answer in prose.
func (r *Request) FollowUp(text string, calls []openai.ToolCall, results []ToolResult) (*Request, error) {
	switch {
	case r.Simple != nil:
		next := *r.Simple
		next.Messages = make([]openai.ChatCompletionMessage, 0, len(r.Simple.Messages)+1+len(results))
		next.Messages = append(next.Messages, r.Simple.Messages...)
		next.Messages = append(next.Messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		for _, res := range results {
			next.Messages = append(next.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Name:       res.Name,
				ToolCallID: res.CallID,
				Content:    res.Content,
			})
		}
		next.ToolChoice = "none"
		return &Request{Endpoint: r.Endpoint, Model: r.Model, Simple: &next}, nil

	case r.External != nil:
		var b strings.Builder
		b.WriteString("Результаты поиска:\n")
		for _, res := range results {
			b.WriteString(res.Content)
			b.WriteString("\n")
		}
		b.WriteString("\nОтветь пользователю на основе этих результатов, без JSON.")
		next := *r.External
		next.Message = b.String()
		return &Request{Endpoint: r.Endpoint, Model: r.Model, External: &next}, nil

	default:
		return nil, fmt.Errorf("empty gateway request")
	}
}
