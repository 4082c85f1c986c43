// Package index stores chunked policy text in per-policy namespaces and
// answers similarity queries scoped to a single namespace.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terellcodes/claim-assist/embeddings"
)

// ErrNamespaceNotFound is matched by errors.Is for any NamespaceNotFoundError.
var ErrNamespaceNotFound = errors.New("namespace not found")

type NamespaceNotFoundError struct {
	Namespace string
}

func (e *NamespaceNotFoundError) Error() string {
	return fmt.Sprintf("policy namespace %q not found", e.Namespace)
}

func (e *NamespaceNotFoundError) Is(target error) bool {
	return target == ErrNamespaceNotFound
}

// Passage is a unit of policy text as delivered by the upload pipeline.
type Passage struct {
	Text    string `json:"text"`
	Locator string `json:"source_locator"`
}

// Chunk is immutable once written. Index is the position within its
// namespace and breaks similarity ties.
type Chunk struct {
	Namespace string
	ID        string
	Index     int
	Text      string
	Locator   string
	Embedding []float32
}

type Match struct {
	Chunk
	Score float64
}

// Backend persists chunks. Implementations must never return chunks from a
// namespace other than the one requested.
type Backend interface {
	Write(ctx context.Context, namespace string, chunks []Chunk) error
	Search(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error)
	Count(ctx context.Context, namespace string) (int, error)
	Drop(ctx context.Context, namespace string) error
}

type Index struct {
	backend   Backend
	embedder  embeddings.Embedder
	batchSize int
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*namespaceLock
}

// namespaceLock lives in Index.locks only while refs > 0, so the map is
// bounded by in-flight operations rather than by every id ever seen.
type namespaceLock struct {
	sync.RWMutex
	refs int
}

type Option func(*Index)

func WithLogger(logger *zap.Logger) Option {
	return func(x *Index) {
		if logger != nil {
			x.logger = logger
		}
	}
}

func WithBatchSize(size int) Option {
	return func(x *Index) {
		if size > 0 {
			x.batchSize = size
		}
	}
}

func New(backend Backend, embedder embeddings.Embedder, opts ...Option) *Index {
	x := &Index{
		backend:   backend,
		embedder:  embedder,
		batchSize: 64,
		logger:    zap.NewNop(),
		locks:     make(map[string]*namespaceLock),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Index) acquire(namespace string) *namespaceLock {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.locks[namespace]
	if !ok {
		l = &namespaceLock{}
		x.locks[namespace] = l
	}
	l.refs++
	return l
}

func (x *Index) release(namespace string, l *namespaceLock) {
	x.mu.Lock()
	defer x.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(x.locks, namespace)
	}
}

// readLock and writeLock return the matching unlock func.
func (x *Index) readLock(namespace string) func() {
	l := x.acquire(namespace)
	l.RLock()
	return func() {
		l.RUnlock()
		x.release(namespace, l)
	}
}

func (x *Index) writeLock(namespace string) func() {
	l := x.acquire(namespace)
	l.Lock()
	return func() {
		l.Unlock()
		x.release(namespace, l)
	}
}

// Upsert embeds and appends passages to the namespace. Queries against the
// same namespace wait until the write completes.
func (x *Index) Upsert(ctx context.Context, namespace string, passages []Passage) (int, error) {
	if strings.TrimSpace(namespace) == "" {
		return 0, fmt.Errorf("namespace is empty")
	}

	kept := make([]Passage, 0, len(passages))
	for _, p := range passages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return 0, nil
	}

	texts := make([]string, len(kept))
	for i, p := range kept {
		texts[i] = p.Text
	}
	vectors, err := embeddings.EmbedBatched(ctx, x.embedder, texts, x.batchSize)
	if err != nil {
		return 0, fmt.Errorf("embed passages: %w", err)
	}

	defer x.writeLock(namespace)()

	offset, err := x.backend.Count(ctx, namespace)
	if err != nil {
		return 0, fmt.Errorf("count namespace chunks: %w", err)
	}

	chunks := make([]Chunk, len(kept))
	for i, p := range kept {
		chunks[i] = Chunk{
			Namespace: namespace,
			ID:        uuid.NewString(),
			Index:     offset + i,
			Text:      p.Text,
			Locator:   p.Locator,
			Embedding: vectors[i],
		}
	}

	if err := x.backend.Write(ctx, namespace, chunks); err != nil {
		return 0, fmt.Errorf("write chunks: %w", err)
	}

	x.logger.Info("namespace upserted",
		zap.String("policy_id", namespace),
		zap.Int("chunks", len(chunks)),
		zap.Int("offset", offset),
	)
	return len(chunks), nil
}

// Query returns at most k matches ordered by descending score, ties broken
// by chunk order. An unknown or empty namespace yields an empty result.
func (x *Index) Query(ctx context.Context, namespace, text string, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}

	defer x.readLock(namespace)()

	count, err := x.backend.Count(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("count namespace chunks: %w", err)
	}
	if count == 0 {
		return []Match{}, nil
	}

	vectors, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	matches, err := x.backend.Search(ctx, namespace, vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("search namespace: %w", err)
	}

	out := matches[:0]
	for _, m := range matches {
		if m.Namespace == namespace {
			out = append(out, m)
		}
	}
	SortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (x *Index) Exists(ctx context.Context, namespace string) (bool, error) {
	defer x.readLock(namespace)()

	count, err := x.backend.Count(ctx, namespace)
	if err != nil {
		return false, fmt.Errorf("count namespace chunks: %w", err)
	}
	return count > 0, nil
}

// Require reports a NamespaceNotFoundError when the namespace holds no chunks.
func (x *Index) Require(ctx context.Context, namespace string) error {
	ok, err := x.Exists(ctx, namespace)
	if err != nil {
		return err
	}
	if !ok {
		return &NamespaceNotFoundError{Namespace: namespace}
	}
	return nil
}

func (x *Index) Delete(ctx context.Context, namespace string) error {
	defer x.writeLock(namespace)()

	if err := x.backend.Drop(ctx, namespace); err != nil {
		return fmt.Errorf("drop namespace: %w", err)
	}
	x.logger.Info("namespace deleted", zap.String("policy_id", namespace))
	return nil
}

// SortMatches orders by descending score, then ascending chunk index.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Index < matches[j].Index
	})
}
