package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
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

// Upstream names the search API in errors and telemetry.
const Upstream = "search API"

const DefaultSearchURL = "https://api2.qqrenta.ru/api/v2/search"

// Searcher fetches raw search results.
type Searcher interface {
	Search(ctx context.Context, baseURL string, query url.Values) ([]byte, error)
}

// SearchClient calls the accommodation search API over HTTP.
type SearchClient struct {
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	tracer     trace.Tracer
	latency    metric.Float64Histogram
}

// NewSearchClient returns a client that retries transport failures under policy.
func NewSearchClient(httpClient *http.Client, policy retry.Policy, logger *slog.Logger) *SearchClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &SearchClient{
		httpClient: httpClient,
		policy:     policy.WithLogger(logger),
		logger:     logger,
		tracer:     otel.Tracer("botproxy/tools"),
	}
	c.latency, _ = otel.Meter("botproxy/tools").Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return c
}

// Search performs GET baseURL?query under the search retry policy.
func (c *SearchClient) Search(ctx context.Context, baseURL string, query url.Values) ([]byte, error) {
	if baseURL == "" {
		baseURL = DefaultSearchURL
	}
	target := baseURL
	if enc := query.Encode(); enc != "" {
		sep := "?"
		if strings.Contains(baseURL, "?") {
			sep = "&"
		}
		target = baseURL + sep + enc
	}

	var body []byte
	err := c.policy.Do(ctx, Upstream, func(ctx context.Context) error {
		b, err := c.get(ctx, target)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *SearchClient) get(ctx context.Context, target string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "search_api_call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperr.Internal("failed to create search request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
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

	if c.latency != nil {
		c.latency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
			attribute.String("upstream", "search"),
			attribute.Int("http.response.status_code", resp.StatusCode),
		))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, apperr.Protocol(Upstream, resp.StatusCode, string(body))
	}
	return body, nil
}

// Result is one accommodation returned by the search API.
type Result map[string]any

// ParseResults accepts either a bare array or an object with a results array.
func ParseResults(raw []byte) ([]Result, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []Result
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, apperr.Protocol(Upstream, http.StatusBadGateway, "malformed response")
		}
		return list, nil
	}
	var wrapped struct {
		Results []Result `json:"results"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, apperr.Protocol(Upstream, http.StatusBadGateway, "malformed response")
	}
	return wrapped.Results, nil
}
