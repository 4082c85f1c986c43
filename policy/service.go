// Package policy turns uploaded policy PDFs into searchable namespaces and
// keeps a registry of what has been uploaded.
package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/knowledge"
	"github.com/terellcodes/claim-assist/metrics"
	"github.com/terellcodes/claim-assist/model"
)

var (
	ErrNotPDF       = errors.New("only PDF files are supported")
	ErrEmptyUpload  = errors.New("uploaded file is empty")
	ErrNoPolicyText = errors.New("no extractable text in policy document")
)

// Store is the slice of index.Index the upload pipeline needs.
type Store interface {
	Upsert(ctx context.Context, namespace string, passages []index.Passage) (int, error)
	Require(ctx context.Context, namespace string) error
	Delete(ctx context.Context, namespace string) error
}

// Graph mirrors policy structure; optional.
type Graph interface {
	SyncPolicy(ctx context.Context, policy knowledge.Policy) error
	PolicyInsights(ctx context.Context, policyID string) (knowledge.Insight, error)
	DeletePolicy(ctx context.Context, policyID string) error
}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type Service struct {
	index    Store
	registry Registry
	graph    Graph
	chunker  *Chunker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Metadata is the registry entry plus graph insight. Graph is nil when no
// graph is configured or the lookup failed.
type Metadata struct {
	model.PolicyMetadata
	Graph *knowledge.Insight `json:"graph,omitempty"`
}

// NewService wires the pipeline. graph may be nil.
func NewService(store Store, registry Registry, graph Graph, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Service{
		index:    store,
		registry: registry,
		graph:    graph,
		chunker:  NewChunker(opts.ChunkSize, opts.ChunkOverlap),
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Upload extracts, chunks and indexes a policy PDF under a fresh policy id.
func (s *Service) Upload(ctx context.Context, filename string, data []byte) (model.PolicyMetadata, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return model.PolicyMetadata{}, ErrNotPDF
	}
	if len(data) == 0 {
		return model.PolicyMetadata{}, ErrEmptyUpload
	}

	pages, err := ExtractPages(data)
	if err != nil {
		return model.PolicyMetadata{}, err
	}
	details := ExtractDetails(pages)

	passages, err := s.chunker.Split(pages)
	if err != nil {
		return model.PolicyMetadata{}, err
	}
	if len(passages) == 0 {
		return model.PolicyMetadata{}, ErrNoPolicyText
	}

	meta := model.PolicyMetadata{
		PolicyID:     NewPolicyID(filename),
		Filename:     filepath.Base(filename),
		Insurer:      details.Insurer,
		PolicyNumber: details.PolicyNumber,
		Summary:      details.Summary(),
		TotalPages:   details.TotalPages,
	}
	return s.commit(ctx, meta, passages)
}

// Ingest indexes passages that were parsed elsewhere. Locators are used as
// given; the policy id must be supplied by the caller.
func (s *Service) Ingest(ctx context.Context, policyID string, passages []index.Passage) (model.PolicyMetadata, error) {
	policyID = strings.TrimSpace(policyID)
	if policyID == "" {
		return model.PolicyMetadata{}, errors.New("policy id is required")
	}
	pages := make(map[string]struct{})
	for _, p := range passages {
		if strings.TrimSpace(p.Text) != "" {
			pages[p.Locator] = struct{}{}
		}
	}
	if len(pages) == 0 {
		return model.PolicyMetadata{}, ErrNoPolicyText
	}
	meta := model.PolicyMetadata{
		PolicyID:     policyID,
		Insurer:      notSpecified,
		PolicyNumber: notSpecified,
		TotalPages:   len(pages),
	}
	if existing, err := s.registry.Get(ctx, policyID); err == nil {
		meta = existing
	}
	return s.commit(ctx, meta, passages)
}

func (s *Service) commit(ctx context.Context, meta model.PolicyMetadata, passages []index.Passage) (model.PolicyMetadata, error) {
	fresh := meta.Chunks == 0
	written, err := s.index.Upsert(ctx, meta.PolicyID, passages)
	if err != nil {
		return model.PolicyMetadata{}, fmt.Errorf("index policy %s: %w", meta.PolicyID, err)
	}

	meta.Chunks += written
	if meta.Summary == "" {
		meta.Summary = Details{TotalPages: meta.TotalPages, Insurer: meta.Insurer}.Summary()
	}
	meta.UploadedAt = s.now().UTC()
	if err := s.registry.Save(ctx, meta); err != nil {
		return model.PolicyMetadata{}, err
	}

	// Appends to an existing namespace leave the graph as first synced.
	if s.graph != nil && fresh {
		if err := s.graph.SyncPolicy(ctx, graphPolicy(meta, passages)); err != nil {
			s.logger.Warn("policy graph sync failed",
				zap.String("policy_id", meta.PolicyID),
				zap.Error(err),
			)
		}
	}

	s.metrics.PolicyUploaded(written)
	s.logger.Info("policy indexed",
		zap.String("policy_id", meta.PolicyID),
		zap.String("insurer", meta.Insurer),
		zap.Int("pages", meta.TotalPages),
		zap.Int("chunks", written),
	)
	return meta, nil
}

// Metadata returns the registry entry for a policy together with graph
// insight when a graph is configured.
func (s *Service) Metadata(ctx context.Context, policyID string) (Metadata, error) {
	meta, err := s.registry.Get(ctx, policyID)
	if err != nil {
		return Metadata{}, err
	}
	out := Metadata{PolicyMetadata: meta}
	if s.graph != nil {
		insight, err := s.graph.PolicyInsights(ctx, policyID)
		if err != nil {
			s.logger.Warn("policy graph lookup failed", zap.String("policy_id", policyID), zap.Error(err))
		} else {
			out.Graph = &insight
		}
	}
	return out, nil
}

func (s *Service) List(ctx context.Context) ([]model.PolicyMetadata, error) {
	return s.registry.List(ctx)
}

// Delete ends a namespace. Unknown ids report NamespaceNotFoundError.
func (s *Service) Delete(ctx context.Context, policyID string) error {
	_, regErr := s.registry.Get(ctx, policyID)
	idxErr := s.index.Require(ctx, policyID)
	if regErr != nil && idxErr != nil {
		if errors.Is(idxErr, index.ErrNamespaceNotFound) {
			return idxErr
		}
		return regErr
	}

	if err := s.index.Delete(ctx, policyID); err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, policyID); err != nil {
		return err
	}
	if s.graph != nil {
		if err := s.graph.DeletePolicy(ctx, policyID); err != nil {
			s.logger.Warn("policy graph delete failed", zap.String("policy_id", policyID), zap.Error(err))
		}
	}
	s.logger.Info("policy deleted", zap.String("policy_id", policyID))
	return nil
}

func graphPolicy(meta model.PolicyMetadata, passages []index.Passage) knowledge.Policy {
	out := knowledge.Policy{
		ID:           meta.PolicyID,
		Filename:     meta.Filename,
		PolicyNumber: meta.PolicyNumber,
	}
	if meta.Insurer != notSpecified {
		out.Insurer = meta.Insurer
	}

	byLocator := make(map[string]int)
	for i, p := range passages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		pos, ok := byLocator[p.Locator]
		if !ok {
			pos = len(out.Pages)
			byLocator[p.Locator] = pos
			out.Pages = append(out.Pages, knowledge.Page{Number: pageNumber(p.Locator, pos+1)})
		}
		out.Pages[pos].Chunks = append(out.Pages[pos].Chunks, knowledge.Chunk{Index: i, Text: p.Text})
	}
	return out
}

func pageNumber(locator string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(locator, "page %d", &n); err == nil && n > 0 {
		return n
	}
	return fallback
}
