package retrieval

import "fmt"

// ConstructionError reports a strategy whose reranker could not be built.
// The factory absorbs it by falling back.
type ConstructionError struct {
	Strategy Strategy
	Err      error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct %s retriever: %v", e.Strategy, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}
