package retrieval

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// Reranker returns one relevance score per document, aligned with docs.
type Reranker interface {
	Name() string
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// LexicalReranker is the offline reranker behind advanced_flashrank. It
// scores candidates with BM25 over the candidate set itself, so it needs no
// model download or network access.
type LexicalReranker struct {
	k1 float64
	b  float64
}

func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{k1: 1.2, b: 0.75}
}

func (r *LexicalReranker) Name() string {
	return "lexical-bm25"
}

func (r *LexicalReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := tokenize(query)
	scores := make([]float64, len(docs))
	if len(terms) == 0 || len(docs) == 0 {
		return scores, nil
	}

	tokenized := make([][]string, len(docs))
	docFreq := make(map[string]int)
	totalLen := 0
	for i, doc := range docs {
		tokenized[i] = tokenize(doc)
		totalLen += len(tokenized[i])
		seen := make(map[string]bool)
		for _, tok := range tokenized[i] {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		return scores, nil
	}

	n := float64(len(docs))
	for i, toks := range tokenized {
		tf := make(map[string]int, len(toks))
		for _, tok := range toks {
			tf[tok]++
		}
		docLen := float64(len(toks))
		for _, term := range terms {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			df := float64(docFreq[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			scores[i] += idf * (f * (r.k1 + 1)) / (f + r.k1*(1-r.b+r.b*docLen/avgLen))
		}
	}
	return scores, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "was": true, "with": true, "my": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

// stem drops a plural suffix so "pipes" matches "pipe".
func stem(word string) string {
	if len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
		return word[:len(word)-1]
	}
	return word
}

var _ Reranker = (*LexicalReranker)(nil)
