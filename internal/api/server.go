package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"BotProxy/internal/apperr"
	"BotProxy/internal/backend"
	"BotProxy/internal/chatbot"
	"BotProxy/internal/usage"
)

const (
	UserIDHeader    = "X-User-Id"
	AnonymousUser   = "anonymous"
	DefaultStatDays = 30
	maxStatDays     = 366
	maxBodyBytes    = 1 << 20
)

type TurnHandler interface {
	HandleTurn(ctx context.Context, t chatbot.Turn) (*chatbot.Reply, error)
}

type UsageSource interface {
	ListDailyUsage(ctx context.Context, since time.Time) ([]usage.DailyUsage, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	bot      TurnHandler
	usage    UsageSource
	db       Pinger
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewServer builds the HTTP API. db may be nil, in which case /healthz always reports ok.
func NewServer(bot TurnHandler, usageSource UsageSource, db Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		bot:      bot,
		usage:    usageSource,
		db:       db,
		logger:   logger,
		validate: v,
		now:      time.Now,
	}
}

// Handler returns the routed handler wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.Use(s.withRequestLog, s.withRecover)

	r.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/chat", allow(http.MethodPost)).Methods(http.MethodOptions)
	r.HandleFunc("/chat/ws", s.handleChatSocket).Methods(http.MethodGet)
	r.HandleFunc("/usage-stats", s.handleUsageStats).Methods(http.MethodGet)
	r.HandleFunc("/usage-stats", allow(http.MethodGet)).Methods(http.MethodOptions)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:       []string{"*"},
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type", "Authorization", UserIDHeader},
		MaxAge:               86400,
		OptionsSuccessStatus: http.StatusOK,
	})
	return c.Handler(r)
}

// allow answers a plain OPTIONS request. CORS preflights never reach it.
func allow(methods ...string) http.HandlerFunc {
	value := strings.Join(append(methods, http.MethodOptions), ", ")
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", value)
		w.WriteHeader(http.StatusOK)
	}
}

type chatRequest struct {
	Message     string                 `json:"message" validate:"required"`
	AssistantID string                 `json:"assistant_id" validate:"required"`
	History     []backend.HistoryEntry `json:"history" validate:"omitempty,dive"`
}

func (s *Server) decodeChat(r *http.Request) (*chatRequest, error) {
	var req chatRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return nil, apperr.Validation("invalid JSON body")
	}
	return s.validateChat(&req)
}

func (s *Server) validateChat(req *chatRequest) (*chatRequest, error) {
	req.Message = strings.TrimSpace(req.Message)
	req.AssistantID = strings.TrimSpace(req.AssistantID)

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, apperr.Validation("invalid request")
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()[strings.IndexByte(fe.Namespace(), '.')+1:])
		}
		return nil, apperr.Validation("missing required fields", fields...)
	}
	return req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChat(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	userID := userOf(r)

	// A client disconnect must not abort upstream calls or accounting.
	ctx := context.WithoutCancel(r.Context())
	reply, err := s.bot.HandleTurn(ctx, chatbot.Turn{
		AssistantID: req.AssistantID,
		UserID:      userID,
		Message:     req.Message,
		History:     req.History,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func userOf(r *http.Request) string {
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if userID == "" {
		return AnonymousUser
	}
	return userID
}

type usageStat struct {
	Endpoint              string  `json:"endpoint"`
	Model                 string  `json:"model"`
	Date                  string  `json:"date"`
	RequestCount          int64   `json:"request_count"`
	TotalTokens           int64   `json:"total_tokens"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalCost             float64 `json:"total_cost"`
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	days := DefaultStatDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxStatDays {
			s.writeError(w, r, apperr.Validation("invalid days parameter"))
			return
		}
		days = n
	}

	since := s.now().UTC().AddDate(0, 0, -days)
	rows, err := s.usage.ListDailyUsage(r.Context(), since)
	if err != nil {
		s.writeError(w, r, apperr.Internal("failed to load usage stats", err))
		return
	}

	out := make([]usageStat, 0, len(rows))
	for _, row := range rows {
		model := row.Model
		if model == "" {
			model = "unknown"
		}
		out = append(out, usageStat{
			Endpoint:              row.Endpoint,
			Model:                 model,
			Date:                  row.Day,
			RequestCount:          row.RequestCount,
			TotalTokens:           row.TotalTokens,
			TotalPromptTokens:     row.PromptTokens,
			TotalCompletionTokens: row.CompletionTokens,
			TotalCost:             row.Cost.InexactFloat64(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logError(r, err)
	writeJSON(w, apperr.HTTPStatus(err), errorBodyOf(err))
}

func (s *Server) logError(r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	attrs := []any{
		"request_id", RequestID(r.Context()),
		"status", status,
		"kind", apperr.KindOf(err).String(),
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Warn("request rejected", attrs...)
	}
}

func errorBodyOf(err error) errorBody {
	body := errorBody{Error: apperr.PublicMessage(err)}
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind == apperr.KindValidation {
		body.Missing = e.Missing
	}
	return body
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
