package index

import (
	"context"
	"math"
	"sync"
)

// MemoryBackend keeps chunks in process memory and scores by cosine similarity.
type MemoryBackend struct {
	mu     sync.RWMutex
	chunks map[string][]Chunk
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{chunks: make(map[string][]Chunk)}
}

func (b *MemoryBackend) Write(_ context.Context, namespace string, chunks []Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		b.chunks[namespace] = append(b.chunks[namespace], c)
	}
	return nil
}

func (b *MemoryBackend) Search(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	b.mu.RLock()
	stored := b.chunks[namespace]
	matches := make([]Match, 0, len(stored))
	for _, c := range stored {
		matches = append(matches, Match{Chunk: c, Score: cosine(vector, c.Embedding)})
	}
	b.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	SortMatches(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (b *MemoryBackend) Count(_ context.Context, namespace string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks[namespace]), nil
}

func (b *MemoryBackend) Drop(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chunks, namespace)
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Backend = (*MemoryBackend)(nil)
