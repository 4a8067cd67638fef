package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"BotProxy/internal/apperr"
	"BotProxy/internal/retry"
)

// Upstream names the gateway in errors and telemetry.
const Upstream = "GPTunnel gateway"

// APIKeySecret is the secrets-table entry holding the gateway key.
const APIKeySecret = "GPTUNNEL_API_KEY"

const DefaultBaseURL = "https://gptunnel.ru"

var ErrSecretNotFound = errors.New("secret not found")

// SecretStore looks up named secrets.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Gateway sends requests to the LLM gateway.
type Gateway struct {
	baseURL    string
	apiKey     string
	secrets    SecretStore
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	tracer     trace.Tracer
	latency    metric.Float64Histogram
}

type GatewayOption func(*Gateway)

// WithAPIKey sets the key used when the secret store has none.
func WithAPIKey(key string) GatewayOption {
	return func(g *Gateway) { g.apiKey = key }
}

// WithSecrets looks up the API key in s before every request.
func WithSecrets(s SecretStore) GatewayOption {
	return func(g *Gateway) { g.secrets = s }
}

// WithHTTPClient replaces the default client. Its Timeout bounds each attempt.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.httpClient = c }
}

// WithPolicy sets the retry policy for transport failures.
func WithPolicy(p retry.Policy) GatewayOption {
	return func(g *Gateway) { g.policy = p }
}

func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithTelemetry traces gateway calls and records their latency.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) GatewayOption {
	return func(g *Gateway) {
		g.tracer = tracer
		g.latency = newLatencyHistogram(meter)
	}
}

// NewGateway returns a gateway client for baseURL, or DefaultBaseURL when it is empty.
func NewGateway(baseURL string, opts ...GatewayOption) *Gateway {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		policy:     retry.Gateway(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("botproxy/backend"),
		latency:    newLatencyHistogram(otel.Meter("botproxy/backend")),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.policy = g.policy.WithLogger(g.logger)
	return g
}

func newLatencyHistogram(meter metric.Meter) metric.Float64Histogram {
	h, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil
	}
	return h
}

// Send performs the call under the gateway retry policy.
func (g *Gateway) Send(ctx context.Context, req *Request) (Response, error) {
	return g.send(ctx, req, g.policy)
}

// SendOnce performs a single attempt with the same per-attempt timeout.
func (g *Gateway) SendOnce(ctx context.Context, req *Request) (Response, error) {
	return g.send(ctx, req, g.policy.Once())
}

func (g *Gateway) send(ctx context.Context, req *Request, policy retry.Policy) (Response, error) {
	key, err := g.resolveKey(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req.body())
	if err != nil {
		return nil, apperr.Internal("failed to marshal gateway request", err)
	}

	var resp Response
	err = policy.Do(ctx, Upstream, func(ctx context.Context) error {
		r, err := g.call(ctx, key, req.Endpoint, payload, req.External != nil)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) resolveKey(ctx context.Context) (string, error) {
	if g.secrets != nil {
		key, err := g.secrets.GetSecret(ctx, APIKeySecret)
		switch {
		case err == nil && key != "":
			return key, nil
		case err != nil && !errors.Is(err, ErrSecretNotFound):
			g.logger.Warn("failed to read gateway key from secrets", "error", err)
		}
	}
	if g.apiKey != "" {
		return g.apiKey, nil
	}
	return "", apperr.Configuration("%s not configured", APIKeySecret)
}

// call performs one HTTP exchange. Plain errors are transport failures and are retried.
func (g *Gateway) call(ctx context.Context, key, endpoint string, payload []byte, external bool) (Response, error) {
	ctx, span := g.tracer.Start(ctx, "gateway_api_call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gateway.endpoint", endpoint)),
	)
	defer span.End()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Internal("failed to create gateway request", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	g.recordLatency(ctx, endpoint, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		g.logger.Warn("gateway returned error", "endpoint", endpoint, "status", resp.StatusCode)
		return nil, apperr.Protocol(Upstream, resp.StatusCode, string(body))
	}

	if external {
		var out ExternalResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, apperr.Protocol(Upstream, http.StatusBadGateway, "malformed response")
		}
		return &out, nil
	}

	var out SimpleResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperr.Protocol(Upstream, http.StatusBadGateway, "malformed response")
	}
	return &out, nil
}

func (g *Gateway) recordLatency(ctx context.Context, endpoint string, status int, d time.Duration) {
	if g.latency == nil {
		return
	}
	g.latency.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("upstream", "gateway"),
		attribute.String("gateway.endpoint", endpoint),
		attribute.Int("http.response.status_code", status),
	))
}
