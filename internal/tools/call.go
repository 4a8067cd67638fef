package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"BotProxy/internal/apperr"
	"BotProxy/internal/backend"
)

// SearchAction is the action name the assistant API embeds in its text to request a search.
const SearchAction = "search"

// Call is a tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
	// Synthesized is set for calls recovered from assistant-API text.
	Synthesized bool
}

// ToolCall converts the call back to the OpenAI wire form.
func (c Call) ToolCall() openai.ToolCall {
	args, _ := json.Marshal(c.Arguments)
	return openai.ToolCall{
		ID:   c.ID,
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      c.Name,
			Arguments: string(args),
		},
	}
}

// Classify returns the tool calls carried by a gateway response.
// Chat-completions responses list them natively; assistant-API responses can only
// embed a {"action":"search","params":{...}} object in their text.
func Classify(resp backend.Response) ([]Call, error) {
	switch r := resp.(type) {
	case *backend.SimpleResponse:
		if len(r.Choices) == 0 {
			return nil, nil
		}
		var calls []Call
		for _, tc := range r.Choices[0].Message.ToolCalls {
			args := map[string]any{}
			if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
				if err := json.Unmarshal([]byte(s), &args); err != nil {
					return nil, apperr.Validation(fmt.Sprintf("invalid arguments for tool %s", tc.Function.Name))
				}
			}
			calls = append(calls, Call{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
		return calls, nil

	case *backend.ExternalResponse:
		params, ok := FindEmbeddedSearch(r.Message)
		if !ok {
			return nil, nil
		}
		return []Call{{ID: "search_0", Name: SearchAction, Arguments: params, Synthesized: true}}, nil

	default:
		return nil, nil
	}
}

// FindEmbeddedSearch scans text for the first JSON object with action "search" and
// an object-valued "params".
func FindEmbeddedSearch(text string) (map[string]any, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var obj struct {
			Action string         `json:"action"`
			Params map[string]any `json:"params"`
		}
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		if strings.EqualFold(obj.Action, SearchAction) && obj.Params != nil {
			return obj.Params, true
		}
	}
	return nil, false
}
