package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"BotProxy/internal/apperr"
	"BotProxy/internal/assistant"
	"BotProxy/internal/backend"
	"BotProxy/internal/session"
	"BotProxy/internal/slots"
	"BotProxy/internal/tools"
	"BotProxy/internal/usage"
)

type Mode string

const (
	ModeText Mode = "text"
	ModeJSON Mode = "json"
)

// Turn is one inbound chat message.
type Turn struct {
	AssistantID string
	UserID      string
	Message     string
	History     []backend.HistoryEntry
}

// Reply is the answer to a turn. Response is a string in text mode and a result list in json mode.
type Reply struct {
	Response any  `json:"response"`
	Mode     Mode `json:"mode"`
}

type AssistantSource interface {
	GetAssistant(ctx context.Context, id string) (*assistant.Assistant, error)
}

type Gateway interface {
	Send(ctx context.Context, req *backend.Request) (backend.Response, error)
	SendOnce(ctx context.Context, req *backend.Request) (backend.Response, error)
}

type Dependencies struct {
	Assistants AssistantSource
	Sessions   *session.Manager
	Collector  *slots.Collector
	Gateway    Gateway
	Mediator   *tools.Mediator
	Recorder   *usage.Recorder
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// ChatBot runs chat turns: session bookkeeping, slot collection, the gateway call,
// tool mediation and usage accounting.
type ChatBot struct {
	assistants AssistantSource
	sessions   *session.Manager
	collector  *slots.Collector
	gateway    Gateway
	mediator   *tools.Mediator
	recorder   *usage.Recorder
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewChatBot wires the orchestrator. A nil Logger, Tracer or Collector gets a default.
func NewChatBot(d Dependencies) *ChatBot {
	cb := &ChatBot{
		assistants: d.Assistants,
		sessions:   d.Sessions,
		collector:  d.Collector,
		gateway:    d.Gateway,
		mediator:   d.Mediator,
		recorder:   d.Recorder,
		logger:     d.Logger,
		tracer:     d.Tracer,
		now:        time.Now,
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.tracer == nil {
		cb.tracer = otel.Tracer("botproxy")
	}
	if cb.collector == nil {
		cb.collector = slots.NewCollector()
	}
	return cb
}

// answer accumulates what the turn produced across one or two gateway calls.
type answer struct {
	reply *Reply
	text  string
	usage backend.Usage
	cost  decimal.Decimal
	model string
}

// HandleTurn processes one message and returns the reply.
func (cb *ChatBot) HandleTurn(ctx context.Context, t Turn) (*Reply, error) {
	ctx, span := cb.tracer.Start(ctx, "chat_turn", trace.WithAttributes(
		attribute.String("assistant.id", t.AssistantID),
	))
	defer span.End()

	reply, err := cb.handleTurn(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
	}
	return reply, err
}

func (cb *ChatBot) handleTurn(ctx context.Context, t Turn) (*Reply, error) {
	start := cb.now()

	a, err := cb.assistants.GetAssistant(ctx, t.AssistantID)
	if errors.Is(err, assistant.ErrNotFound) {
		return nil, apperr.NotFound("assistant %s not found", t.AssistantID)
	}
	if err != nil {
		return nil, apperr.Internal("failed to load assistant", err)
	}
	if err := a.Check(); err != nil {
		return nil, err
	}

	sess, err := cb.sessions.GetOrCreate(ctx, a.ID, t.UserID)
	if err != nil {
		return nil, apperr.Internal("failed to load session", err)
	}
	sess, _, err = cb.sessions.RotateIfExhausted(ctx, sess, a.ContextWindow())
	if err != nil {
		return nil, apperr.Internal("failed to rotate session", err)
	}

	message := t.Message
	if a.Tool != nil && a.Tool.Requires(slots.Required) {
		res := cb.collector.Collect(sess.Slots, t.Message)
		sess.Slots = res.Slots
		if err := cb.sessions.SaveSlots(ctx, sess); err != nil {
			cb.logger.Warn("failed to save slots", "assistant_id", a.ID, "user_id", t.UserID, "error", err)
		}
		if !res.Complete {
			cb.logger.Info("asking for missing slots",
				"assistant_id", a.ID,
				"collected", res.Collected,
				"missing", res.Missing,
			)
			return &Reply{Response: res.Reply, Mode: ModeText}, nil
		}
		message = res.Message
	}

	req, err := backend.Build(a, backend.BuildInput{
		Handle:  sess.Handle,
		Message: message,
		History: t.History,
	})
	if err != nil {
		return nil, err
	}

	resp, err := cb.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	out := backend.Normalize(resp, message)
	ans := &answer{text: out.Text, usage: out.Usage, cost: out.Cost, model: out.Model}

	var calls []tools.Call
	if a.Tool != nil {
		calls, err = tools.Classify(resp)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case len(calls) > 0:
		if err := cb.mediate(ctx, a, req, out, calls, message, ans); err != nil {
			return nil, err
		}
	case a.Tool != nil && a.Tool.Mode() == assistant.ResponseJSON:
		text, truncated := tools.TruncateOversized(out.Text, tools.OversizedLimit)
		if truncated {
			cb.logger.Info("truncated oversized free-text answer", "assistant_id", a.ID, "length", len([]rune(out.Text)))
		}
		ans.text = text
		ans.reply = &Reply{Response: text, Mode: ModeText}
	default:
		ans.reply = &Reply{Response: out.Text, Mode: ModeText}
	}

	cb.account(ctx, a, sess, t, req, ans, cb.now().Sub(start))
	return ans.reply, nil
}

// mediate runs the tool calls and finishes the answer in the tool's response mode.
func (cb *ChatBot) mediate(ctx context.Context, a *assistant.Assistant, req *backend.Request, out backend.Outcome, calls []tools.Call, message string, ans *answer) error {
	execs := make([]*tools.Execution, 0, len(calls))
	for _, call := range calls {
		exec, err := cb.mediator.Execute(ctx, a.Tool, call)
		if err != nil {
			return err
		}
		cb.logger.Info("tool call executed",
			"assistant_id", a.ID,
			"tool", call.Name,
			"results", len(exec.Results),
			"cache_hit", exec.CacheHit,
		)
		execs = append(execs, exec)
	}

	if a.Tool.Mode() == assistant.ResponseJSON {
		results := []tools.Result{}
		for _, exec := range execs {
			results = append(results, cb.mediator.Shape(exec)...)
		}
		if len(results) > tools.MaxResults {
			results = results[:tools.MaxResults]
		}
		encoded, err := json.Marshal(results)
		if err != nil {
			return apperr.Internal("failed to encode results", err)
		}
		ans.text = string(encoded)
		ans.reply = &Reply{Response: results, Mode: ModeJSON}
		return nil
	}

	toolCalls := make([]openai.ToolCall, 0, len(execs))
	results := make([]backend.ToolResult, 0, len(execs))
	for _, exec := range execs {
		toolCalls = append(toolCalls, exec.Call.ToolCall())
		results = append(results, backend.ToolResult{
			CallID:  exec.Call.ID,
			Name:    exec.Call.Name,
			Content: string(exec.Raw),
		})
	}
	next, err := req.FollowUp(out.Text, toolCalls, results)
	if err != nil {
		return apperr.Internal("failed to build follow-up request", err)
	}
	resp, err := cb.send(ctx, next, true)
	if err != nil {
		cb.logger.Error("follow-up gateway call failed", "assistant_id", a.ID, "error", err)
		return apperr.UpstreamFailed(backend.Upstream, err)
	}

	second := backend.Normalize(resp, message)
	ans.text = second.Text
	ans.usage = ans.usage.Add(second.Usage)
	ans.cost = ans.cost.Add(second.Cost)
	if second.Model != "" {
		ans.model = second.Model
	}
	ans.reply = &Reply{Response: second.Text, Mode: ModeText}
	return nil
}

// send calls the gateway and logs the exchange. once disables retries.
func (cb *ChatBot) send(ctx context.Context, req *backend.Request, once bool) (backend.Response, error) {
	start := cb.now()
	var (
		resp backend.Response
		err  error
	)
	if once {
		resp, err = cb.gateway.SendOnce(ctx, req)
	} else {
		resp, err = cb.gateway.Send(ctx, req)
	}

	status := http.StatusOK
	tokens := 0
	if err != nil {
		status = apperr.HTTPStatus(err)
	} else {
		tokens = backend.Normalize(resp, "").Usage.TotalTokens
	}
	if cb.recorder != nil {
		cb.recorder.LogRequest(ctx, usage.RequestLog{
			Endpoint:   req.Endpoint,
			Method:     http.MethodPost,
			StatusCode: status,
			Latency:    cb.now().Sub(start),
			Tokens:     tokens,
			Model:      req.Model,
			OccurredAt: start,
		})
	}
	return resp, err
}

// account records usage and, only when that succeeded, advances the session.
// Failures here never affect the reply.
func (cb *ChatBot) account(ctx context.Context, a *assistant.Assistant, sess *session.ChatSession, t Turn, req *backend.Request, ans *answer, latency time.Duration) {
	model := ans.model
	if model == "" {
		model = req.Model
	}
	if model == "" {
		model = string(a.Type)
	}

	rec := usage.Record{
		AssistantID:      a.ID,
		UserID:           t.UserID,
		Endpoint:         req.Endpoint,
		Model:            model,
		PromptTokens:     ans.usage.PromptTokens,
		CompletionTokens: ans.usage.CompletionTokens,
		TotalTokens:      ans.usage.TotalTokens,
		Cost:             ans.cost,
		UserText:         t.Message,
		AssistantText:    ans.text,
		Latency:          latency,
		OccurredAt:       cb.now(),
	}
	if cb.recorder != nil {
		if err := cb.recorder.Record(ctx, rec); err != nil {
			cb.logger.Error("failed to record usage", "assistant_id", a.ID, "user_id", t.UserID, "error", err)
			return
		}
	}
	if err := cb.sessions.Advance(ctx, sess); err != nil {
		cb.logger.Error("failed to advance session", "assistant_id", a.ID, "user_id", t.UserID, "error", err)
	}
}
