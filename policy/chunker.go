package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/terellcodes/claim-assist/index"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var policySeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunker splits page text into overlapping passages that keep the page
// locator of their source.
type Chunker struct {
	splitter textsplitter.TextSplitter
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(policySeparators),
		),
	}
}

// Split chunks every page in order. Blank pages produce no passages.
func (c *Chunker) Split(pages []Page) ([]index.Passage, error) {
	var passages []index.Passage
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		parts, err := c.splitter.SplitText(page.Text)
		if err != nil {
			return nil, fmt.Errorf("split page %d: %w", page.Number, err)
		}
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			passages = append(passages, index.Passage{Text: part, Locator: page.Locator()})
		}
	}
	return passages, nil
}

// NewPolicyID returns a fresh identifier for every upload, so the same file
// uploaded twice yields two namespaces.
func NewPolicyID(filename string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if filename == "" || name == "" || name == "." {
		return "policy_" + suffix
	}
	name = strings.ReplaceAll(name, " ", "_")
	if r := []rune(name); len(r) > 10 {
		name = string(r[:10])
	}
	return fmt.Sprintf("policy_%s_%s", name, suffix)
}
