package tools

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"BotProxy/internal/assistant"
	"BotProxy/internal/cache"
)

// OversizedLimit is the longest free-text answer returned when structured output was expected.
const OversizedLimit = 500

// Execution is the outcome of one search tool call.
type Execution struct {
	Call     Call
	Query    url.Values
	Filters  Filters
	Raw      []byte
	Results  []Result
	CacheHit bool
}

// Mediator validates tool calls and runs them against the search API through the cache.
type Mediator struct {
	searcher   Searcher
	cache      cache.SearchCache
	shaper     Shaper
	defaultURL string
	logger     *slog.Logger
}

type MediatorOption func(*Mediator)

// WithCache enables the search cache. Without it every call reaches the search API.
func WithCache(c cache.SearchCache) MediatorOption {
	return func(m *Mediator) { m.cache = c }
}

// WithShaper replaces the default response shaper.
func WithShaper(s Shaper) MediatorOption {
	return func(m *Mediator) { m.shaper = s }
}

// WithDefaultURL sets the search endpoint for tools that have no base URL.
func WithDefaultURL(u string) MediatorOption {
	return func(m *Mediator) { m.defaultURL = u }
}

func WithLogger(l *slog.Logger) MediatorOption {
	return func(m *Mediator) { m.logger = l }
}

// NewMediator returns a mediator that calls searcher for every cache miss.
func NewMediator(searcher Searcher, opts ...MediatorOption) *Mediator {
	m := &Mediator{
		searcher:   searcher,
		defaultURL: DefaultSearchURL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute validates the call, derives the query and returns the search results.
// A cached response skips the network; a failed search writes nothing to the cache.
func (m *Mediator) Execute(ctx context.Context, tool *assistant.ToolDefinition, call Call) (*Execution, error) {
	if err := ValidateArguments(call.Arguments); err != nil {
		return nil, err
	}
	query, filters, err := Derive(call.Arguments)
	if err != nil {
		return nil, err
	}

	endpoint := m.defaultURL
	if tool != nil && tool.BaseURL != "" {
		endpoint = tool.BaseURL
	}
	key := cache.Key(endpoint, query)

	exec := &Execution{Call: call, Query: query, Filters: filters}

	if raw, ok := m.cached(ctx, key); ok {
		results, err := ParseResults(raw)
		if err == nil {
			m.logger.Info("cache hit", "key", key[:16])
			exec.Raw, exec.Results, exec.CacheHit = raw, results, true
			return exec, nil
		}
		m.logger.Warn("discarding unreadable cache entry", "key", key[:16], "error", err)
	}

	raw, err := m.searcher.Search(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	results, err := ParseResults(raw)
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.Put(ctx, key, raw); err != nil {
			m.logger.Warn("failed to cache search response", "key", key[:16], "error", err)
		} else {
			m.logger.Info("cached search response", "key", key[:16], "results", len(results))
		}
	}

	exec.Raw, exec.Results = raw, results
	return exec, nil
}

// Shape applies the json-mode post-filters to an execution.
func (m *Mediator) Shape(e *Execution) []Result {
	return m.shaper.Shape(e.Results, e.Filters, e.Query)
}

func (m *Mediator) cached(ctx context.Context, key string) ([]byte, bool) {
	if m.cache == nil {
		return nil, false
	}
	raw, err := m.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			m.logger.Warn("search cache read failed", "key", key[:16], "error", err)
		}
		return nil, false
	}
	return raw, true
}
