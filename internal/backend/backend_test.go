package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BotProxy/internal/apperr"
	"BotProxy/internal/assistant"
	"BotProxy/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, InitialInterval: time.Millisecond, Multiplier: 2, Timeout: time.Second}
}

func simpleAssistant() *assistant.Assistant {
	return &assistant.Assistant{
		ID:            "a1",
		Type:          assistant.TypeSimple,
		Model:         "gpt-4o-mini",
		Instructions:  "Ты помощник по бронированию.",
		Creativity:    0.7,
		ContextLength: 2,
		Status:        assistant.StatusActive,
	}
}

func history(n int) []HistoryEntry {
	out := make([]HistoryEntry, n)
	for i := range out {
		role := openai.ChatMessageRoleUser
		if i%2 == 1 {
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = HistoryEntry{Role: role, Content: json.RawMessage(`"m` + string(rune('a'+i)) + `"`)}
	}
	return out
}

func TestBuildSimpleTrimsHistory(t *testing.T) {
	req, err := Build(simpleAssistant(), BuildInput{Handle: "h1", Message: "Hello", History: history(9)})
	require.NoError(t, err)
	require.NotNil(t, req.Simple)
	assert.Nil(t, req.External)
	assert.Equal(t, EndpointChatCompletions, req.Endpoint)

	msgs := req.Simple.Messages
	// system + 2*2 history + user
	require.Len(t, msgs, 6)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "mf", msgs[1].Content)
	assert.Equal(t, "mi", msgs[4].Content)
	assert.Equal(t, "Hello", msgs[5].Content)
	assert.Equal(t, 0.7, req.Simple.Temperature)
	assert.Empty(t, req.Simple.Tools)
}

func TestBuildSimpleCapsHistoryAtFiveTurns(t *testing.T) {
	a := simpleAssistant()
	a.ContextLength = 50
	a.Instructions = ""
	req, err := Build(a, BuildInput{Message: "x", History: history(20)})
	require.NoError(t, err)
	assert.Len(t, req.Simple.Messages, 11)
}

func TestHistoryNonStringContent(t *testing.T) {
	h := HistoryEntry{Role: "user", Content: json.RawMessage(`{"a": [1, 2]}`)}
	assert.Equal(t, `{"a":[1,2]}`, h.Text())
}

func TestBuildSimpleWithTool(t *testing.T) {
	a := simpleAssistant()
	a.Tool = &assistant.ToolDefinition{
		Name:        "search_accommodation",
		Description: "Поиск жилья",
		Parameters:  json.RawMessage(`{"type":"object","required":["city"]}`),
	}
	req, err := Build(a, BuildInput{Message: "x"})
	require.NoError(t, err)
	require.Len(t, req.Simple.Tools, 1)
	assert.Equal(t, openai.ToolTypeFunction, req.Simple.Tools[0].Type)
	assert.Equal(t, "search_accommodation", req.Simple.Tools[0].Function.Name)

	body, err := json.Marshal(req.Simple)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"required":["city"]`)
}

func TestBuildExternal(t *testing.T) {
	a := &assistant.Assistant{ID: "a2", Type: assistant.TypeExternal, ExternalCode: "bot-7", Status: assistant.StatusActive}
	req, err := Build(a, BuildInput{Handle: "h9", Message: "Привет"})
	require.NoError(t, err)
	require.NotNil(t, req.External)
	assert.Equal(t, EndpointAssistantChat, req.Endpoint)

	body, err := json.Marshal(req.External)
	require.NoError(t, err)
	assert.JSONEq(t, `{"chatId":"h9","assistantCode":"bot-7","message":"Привет","maxContext":5}`, string(body))
}

func TestBuildRejectsBeforeNetwork(t *testing.T) {
	_, err := Build(&assistant.Assistant{ID: "a", Type: assistant.TypeExternal, Status: assistant.StatusActive}, BuildInput{})
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))

	inactive := simpleAssistant()
	inactive.Status = assistant.StatusInactive
	_, err = Build(inactive, BuildInput{})
	assert.Equal(t, http.StatusForbidden, apperr.HTTPStatus(err))
}

func TestGatewaySendSimple(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointChatCompletions, r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		var body ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15,"total_cost":0.0042}
		}`)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, WithAPIKey("secret-key"), WithPolicy(fastPolicy()), WithLogger(quietLogger()))
	req, err := Build(simpleAssistant(), BuildInput{Message: "Hello"})
	require.NoError(t, err)

	resp, err := g.Send(context.Background(), req)
	require.NoError(t, err)

	out := Normalize(resp, "Hello")
	assert.Equal(t, "Hi there", out.Text)
	assert.Equal(t, 15, out.Usage.TotalTokens)
	assert.False(t, out.Usage.Estimated)
	assert.Equal(t, "0.0042", out.Cost.String())
	assert.Equal(t, "gpt-4o-mini", out.Model)
}

func TestGatewayAcceptsAny2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"Created"}}]}`)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, WithAPIKey("k"), WithPolicy(fastPolicy()), WithLogger(quietLogger()))
	req, err := Build(simpleAssistant(), BuildInput{Message: "Hello"})
	require.NoError(t, err)

	resp, err := g.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Created", Normalize(resp, "Hello").Text)
}

type secretMap map[string]string

func (s secretMap) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func TestGatewayKeyFromSecretsAndMissingKey(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		io.WriteString(w, `{"message":"ok"}`)
	}))
	defer srv.Close()

	a := &assistant.Assistant{ID: "a2", Type: assistant.TypeExternal, ExternalCode: "bot", Status: assistant.StatusActive}
	req, err := Build(a, BuildInput{Handle: "h", Message: "m"})
	require.NoError(t, err)

	g := NewGateway(srv.URL, WithSecrets(secretMap{APIKeySecret: "from-db"}), WithAPIKey("from-config"), WithPolicy(fastPolicy()))
	_, err = g.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-db", auth.Load())

	g = NewGateway(srv.URL, WithSecrets(secretMap{}), WithPolicy(fastPolicy()))
	_, err = g.Send(context.Background(), req)
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))
}

func TestGatewayProtocolErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, WithAPIKey("k"), WithPolicy(fastPolicy()), WithLogger(quietLogger()))
	req, err := Build(simpleAssistant(), BuildInput{Message: "Hello"})
	require.NoError(t, err)

	_, err = g.Send(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusTooManyRequests, apperr.HTTPStatus(err))
	assert.Equal(t, "GPTunnel gateway error: rate limited", apperr.PublicMessage(err))
}

func TestGatewayTransportFailureExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := NewGateway(url, WithAPIKey("k"), WithPolicy(fastPolicy()), WithLogger(quietLogger()))
	req, err := Build(simpleAssistant(), BuildInput{Message: "Hello"})
	require.NoError(t, err)

	_, err = g.Send(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apperr.HTTPStatus(err))
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, Upstream, appErr.Upstream)
}

func TestNormalizeFallsBackToWordCounts(t *testing.T) {
	resp := &SimpleResponse{}
	resp.Choices = []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "one two three"}}}
	out := Normalize(resp, "hello there")
	assert.True(t, out.Usage.Estimated)
	assert.Equal(t, 2, out.Usage.PromptTokens)
	assert.Equal(t, 3, out.Usage.CompletionTokens)
	assert.Equal(t, 5, out.Usage.TotalTokens)
	assert.True(t, out.Cost.IsZero())
}

func TestNormalizeExternalSpendTokenCount(t *testing.T) {
	out := Normalize(&ExternalResponse{Message: "ответ", SpendTokenCount: 120, Model: "gpt-4o"}, "вопрос")
	assert.Equal(t, "ответ", out.Text)
	assert.Equal(t, 120, out.Usage.TotalTokens)
	assert.False(t, out.Usage.Estimated)
	assert.Empty(t, out.ToolCalls)
}

func TestFollowUpAppendsToolTurns(t *testing.T) {
	a := simpleAssistant()
	a.Instructions = ""
	req, err := Build(a, BuildInput{Message: "Найди жильё"})
	require.NoError(t, err)

	calls := []openai.ToolCall{{ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "search", Arguments: `{}`}}}
	next, err := req.FollowUp("", calls, []ToolResult{{CallID: "call_1", Name: "search", Content: `[{"id":"1"}]`}})
	require.NoError(t, err)

	msgs := next.Simple.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "none", next.Simple.ToolChoice)
	assert.Len(t, req.Simple.Messages, 1, "original request must be untouched")
}
