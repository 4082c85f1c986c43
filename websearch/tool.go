package websearch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/terellcodes/claim-assist/config"
	"github.com/terellcodes/claim-assist/metrics"
)

const ToolName = "web_search"

// TimeoutError means the search did not finish within the tool deadline.
type TimeoutError struct {
	Query   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("web search %q timed out after %s", e.Query, e.Timeout)
}

// Tool wraps a Searcher with a deadline, an outbound rate limit and a TTL
// cache. Search never returns an error; failures produce no results.
type Tool struct {
	searcher   Searcher
	limiter    *rate.Limiter
	cache      *cache.Cache
	timeout    time.Duration
	maxResults int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Tool)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tool) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tool) {
		t.metrics = m
	}
}

// NewTool accepts a nil searcher; the tool then reports itself unavailable.
func NewTool(searcher Searcher, cfg config.SearchConfig, opts ...Option) *Tool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	t := &Tool{
		searcher:   searcher,
		limiter:    rate.NewLimiter(limit, burst),
		cache:      cache.New(ttl, 2*ttl),
		timeout:    timeout,
		maxResults: maxResults,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewToolFromConfig wires a Tavily-backed tool, or an unavailable one when
// no API key is configured.
func NewToolFromConfig(cfg config.SearchConfig, opts ...Option) *Tool {
	client, err := NewTavilyClient(TavilyOptions{APIKey: cfg.TavilyAPIKey, BaseURL: cfg.TavilyBaseURL})
	if err != nil {
		return NewTool(nil, cfg, opts...)
	}
	return NewTool(client, cfg, opts...)
}

func (t *Tool) Available() bool {
	return t != nil && t.searcher != nil
}

func (t *Tool) MaxResults() int {
	return t.maxResults
}

func (t *Tool) Search(ctx context.Context, query string) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Result{}
	}
	if !t.Available() {
		t.logger.Debug("web search unavailable", zap.String("query", query))
		return []Result{}
	}

	key := strings.ToLower(query)
	if cached, ok := t.cache.Get(key); ok {
		t.metrics.SearchCacheHit()
		return append([]Result(nil), cached.([]Result)...)
	}

	results, err := t.lookup(ctx, query)
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			t.metrics.ToolCall(ToolName, "timeout")
		} else {
			t.metrics.ToolCall(ToolName, "error")
		}
		t.logger.Warn("web search failed, continuing without results",
			zap.String("tool", ToolName),
			zap.String("query", query),
			zap.Error(err),
		)
		return []Result{}
	}

	t.metrics.ToolCall(ToolName, "ok")
	t.cache.SetDefault(key, append([]Result(nil), results...))
	return results
}

func (t *Tool) lookup(ctx context.Context, query string) ([]Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	wrap := func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			if ctx.Err() == nil {
				return &TimeoutError{Query: query, Timeout: t.timeout}
			}
		}
		return err
	}

	if err := t.limiter.Wait(callCtx); err != nil {
		return nil, wrap(fmt.Errorf("wait for rate limiter: %w", err))
	}

	results, err := t.searcher.Search(callCtx, query, t.maxResults)
	if err != nil {
		return nil, wrap(err)
	}
	if len(results) > t.maxResults {
		results = results[:t.maxResults]
	}
	return results, nil
}
