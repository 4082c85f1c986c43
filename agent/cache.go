package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/terellcodes/claim-assist/llm"
	"github.com/terellcodes/claim-assist/retrieval"
)

// Builder constructs the agent for a requested strategy.
type Builder func(ctx context.Context, requested retrieval.Strategy) (*Agent, error)

// NewBuilder builds agents whose retrieval pipeline comes from factory, so a
// cached agent may run a weaker strategy than the one it is keyed by.
func NewBuilder(client llm.Client, factory *retrieval.Factory, search WebSearcher, opts Options) Builder {
	return func(ctx context.Context, requested retrieval.Strategy) (*Agent, error) {
		pipeline, err := factory.Pipeline(ctx, requested)
		if err != nil {
			return nil, err
		}
		return New(client, pipeline, search, opts), nil
	}
}

// Cache holds one agent per requested strategy for the process lifetime.
type Cache struct {
	build  Builder
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[retrieval.Strategy]*Agent
	group  singleflight.Group
}

func NewCache(build Builder, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		build:  build,
		logger: logger,
		agents: make(map[retrieval.Strategy]*Agent),
	}
}

// GetOrCreate returns the cached agent for strategy, constructing it once.
// Concurrent first calls share a single construction.
func (c *Cache) GetOrCreate(ctx context.Context, strategy retrieval.Strategy) (*Agent, error) {
	c.mu.RLock()
	a, ok := c.agents[strategy]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	v, err, _ := c.group.Do(string(strategy), func() (interface{}, error) {
		c.mu.RLock()
		existing, ok := c.agents[strategy]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built, err := c.build(ctx, strategy)
		if err != nil {
			return nil, fmt.Errorf("build agent for %s: %w", strategy, err)
		}

		c.mu.Lock()
		c.agents[strategy] = built
		c.mu.Unlock()

		c.logger.Info("agent cached",
			zap.String("requested", string(strategy)),
			zap.String("effective", string(built.Strategy())),
		)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Agent), nil
}

type Entry struct {
	Requested retrieval.Strategy `json:"requested"`
	Effective retrieval.Strategy `json:"effective"`
}

// Entries lists cached agents ordered by requested strategy.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.agents))
	for requested, a := range c.agents {
		out = append(out, Entry{Requested: requested, Effective: a.Strategy()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requested < out[j].Requested })
	return out
}
