package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/terellcodes/claim-assist/config"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/metrics"
)

// Searcher is the similarity query surface of the vector index.
type Searcher interface {
	Query(ctx context.Context, namespace, text string, k int) ([]index.Match, error)
}

// RerankerBuilder constructs the reranker for one strategy.
type RerankerBuilder func(ctx context.Context) (Reranker, error)

// Pipeline is a fully constructed strategy. It is not tied to a namespace
// and is safe to share between concurrent evaluations.
type Pipeline struct {
	strategy      Strategy
	profile       Profile
	searcher      Searcher
	reranker      Reranker
	rerankTimeout time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func (p *Pipeline) Strategy() Strategy {
	return p.strategy
}

func (p *Pipeline) FinalK() int {
	return p.profile.FinalK
}

func (p *Pipeline) CandidateK() int {
	return p.profile.CandidateK
}

// Reranker returns nil for strategies that do not rerank.
func (p *Pipeline) Reranker() Reranker {
	return p.reranker
}

// Bind scopes the pipeline to one policy namespace for a single evaluation.
func (p *Pipeline) Bind(namespace string) *Retriever {
	return &Retriever{pipeline: p, namespace: namespace}
}

type Retriever struct {
	pipeline  *Pipeline
	namespace string
}

func (r *Retriever) Namespace() string {
	return r.namespace
}

func (r *Retriever) Strategy() Strategy {
	return r.pipeline.strategy
}

func (r *Retriever) FinalK() int {
	return r.pipeline.profile.FinalK
}

// Retrieve returns at most FinalK chunks from the bound namespace. A rerank
// failure degrades to similarity order.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]index.Match, error) {
	p := r.pipeline
	candidates, err := p.searcher.Query(ctx, r.namespace, query, p.profile.CandidateK)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	if p.reranker == nil || len(candidates) <= 1 {
		return truncate(candidates, p.profile.FinalK), nil
	}

	rctx, cancel := context.WithTimeout(ctx, p.rerankTimeout)
	defer cancel()

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}
	scores, err := p.reranker.Rerank(rctx, query, docs)
	if err == nil && len(scores) != len(candidates) {
		err = fmt.Errorf("reranker returned %d scores for %d candidates", len(scores), len(candidates))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("rerank failed, using similarity order",
			zap.String("strategy", string(p.strategy)),
			zap.String("reranker", p.reranker.Name()),
			zap.String("policy_id", r.namespace),
			zap.Error(err),
		)
		p.metrics.RerankFailure(string(p.strategy))
		return truncate(candidates, p.profile.FinalK), nil
	}

	return applyScores(candidates, scores, p.profile.FinalK), nil
}

// applyScores reorders by reranker score; equal scores keep similarity rank.
func applyScores(candidates []index.Match, scores []float64, finalK int) []index.Match {
	type ranked struct {
		match index.Match
		rank  int
		score float64
	}
	items := make([]ranked, len(candidates))
	for i, c := range candidates {
		items[i] = ranked{match: c, rank: i, score: scores[i]}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].rank < items[j].rank
	})

	out := make([]index.Match, 0, len(items))
	for _, it := range items {
		m := it.match
		m.Score = it.score
		out = append(out, m)
	}
	return truncate(out, finalK)
}

func truncate(matches []index.Match, k int) []index.Match {
	if matches == nil {
		return []index.Match{}
	}
	if len(matches) > k {
		return matches[:k]
	}
	return matches
}

type Factory struct {
	searcher      Searcher
	builders      map[Strategy]RerankerBuilder
	rerankTimeout time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

type Option func(*Factory)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) {
		f.metrics = m
	}
}

// WithRerankerBuilder replaces the reranker construction for a strategy.
func WithRerankerBuilder(s Strategy, build RerankerBuilder) Option {
	return func(f *Factory) {
		f.builders[s] = build
	}
}

func NewFactory(searcher Searcher, cfg config.RetrievalConfig, opts ...Option) *Factory {
	timeout := cfg.RerankTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	f := &Factory{
		searcher:      searcher,
		rerankTimeout: timeout,
		logger:        zap.NewNop(),
		builders: map[Strategy]RerankerBuilder{
			AdvancedFlashrank: func(context.Context) (Reranker, error) {
				if !cfg.LocalRerankerEnabled {
					return nil, errors.New("local reranker is disabled")
				}
				return NewLexicalReranker(), nil
			},
			AdvancedCohere: func(context.Context) (Reranker, error) {
				return NewCohereReranker(CohereOptions{
					APIKey:  cfg.CohereAPIKey,
					BaseURL: cfg.CohereBaseURL,
					Model:   cfg.CohereModel,
					Timeout: timeout,
				})
			},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Pipeline constructs the requested strategy, walking the fallback order on
// construction failure. The returned pipeline is never nil for a known
// strategy; Pipeline.Strategy reports the effective one.
func (f *Factory) Pipeline(ctx context.Context, requested Strategy) (*Pipeline, error) {
	if !requested.Valid() {
		return nil, fmt.Errorf("unknown retrieval strategy %q", requested)
	}

	var lastErr error
	for _, s := range fallbackChain(requested) {
		p, err := f.construct(ctx, s)
		if err != nil {
			lastErr = err
			f.logger.Warn("retriever construction failed, falling back",
				zap.String("requested", string(requested)),
				zap.String("strategy", string(s)),
				zap.Error(err),
			)
			continue
		}
		if s != requested {
			f.logger.Warn("retrieval strategy degraded",
				zap.String("requested", string(requested)),
				zap.String("effective", string(s)),
				zap.NamedError("cause", lastErr),
			)
			f.metrics.StrategyFallback(string(requested), string(s))
		}
		return p, nil
	}

	// Basic has no optional parts; reaching here means the chain is misconfigured.
	return nil, fmt.Errorf("no retrieval strategy could be constructed: %w", lastErr)
}

// Build is the one-shot form: construct for a strategy and bind to namespace.
func (f *Factory) Build(ctx context.Context, namespace string, requested Strategy) (*Retriever, Strategy, error) {
	p, err := f.Pipeline(ctx, requested)
	if err != nil {
		return nil, "", err
	}
	return p.Bind(namespace), p.strategy, nil
}

func (f *Factory) construct(ctx context.Context, s Strategy) (p *Pipeline, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, &ConstructionError{Strategy: s, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if f.searcher == nil {
		return nil, &ConstructionError{Strategy: s, Err: errors.New("no vector index configured")}
	}

	profile := s.Profile()
	p = &Pipeline{
		strategy:      s,
		profile:       profile,
		searcher:      f.searcher,
		rerankTimeout: f.rerankTimeout,
		logger:        f.logger,
		metrics:       f.metrics,
	}
	if !profile.Rerank {
		return p, nil
	}

	build, ok := f.builders[s]
	if !ok {
		return nil, &ConstructionError{Strategy: s, Err: errors.New("no reranker registered")}
	}
	reranker, err := build(ctx)
	if err != nil {
		return nil, &ConstructionError{Strategy: s, Err: err}
	}
	if reranker == nil {
		return nil, &ConstructionError{Strategy: s, Err: errors.New("reranker builder returned nil")}
	}
	p.reranker = reranker
	return p, nil
}

