// Package retrieval builds namespace-bound retrievers for a requested
// strategy, degrading to weaker strategies when a reranker cannot be built.
package retrieval

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	Basic             Strategy = "basic"
	AdvancedFlashrank Strategy = "advanced_flashrank"
	AdvancedCohere    Strategy = "advanced_cohere"
)

// Profile fixes how many candidates are fetched and how many survive.
type Profile struct {
	CandidateK int
	FinalK     int
	Rerank     bool
}

var profiles = map[Strategy]Profile{
	Basic:             {CandidateK: 5, FinalK: 5},
	AdvancedFlashrank: {CandidateK: 20, FinalK: 5, Rerank: true},
	AdvancedCohere:    {CandidateK: 20, FinalK: 5, Rerank: true},
}

// fallbackOrder lists strategies strongest first. Construction starts at the
// requested strategy and walks right; Basic must be last.
var fallbackOrder = []Strategy{AdvancedCohere, AdvancedFlashrank, Basic}

func Strategies() []Strategy {
	return []Strategy{Basic, AdvancedFlashrank, AdvancedCohere}
}

// ParseStrategy accepts only the literal strategy tokens.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.TrimSpace(raw))
	if _, ok := profiles[s]; !ok {
		return "", fmt.Errorf("unknown retrieval strategy %q (expected basic, advanced_flashrank or advanced_cohere)", raw)
	}
	return s, nil
}

func (s Strategy) Valid() bool {
	_, ok := profiles[s]
	return ok
}

func (s Strategy) Profile() Profile {
	return profiles[s]
}

func (s Strategy) String() string {
	return string(s)
}

func fallbackChain(requested Strategy) []Strategy {
	for i, s := range fallbackOrder {
		if s == requested {
			return fallbackOrder[i:]
		}
	}
	return []Strategy{Basic}
}
