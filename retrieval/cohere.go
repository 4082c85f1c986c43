package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	"github.com/cohere-ai/cohere-go/v2/option"
)

const defaultCohereModel = "rerank-english-v3.0"

type CohereOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Client  *http.Client
}

// CohereReranker scores documents with the hosted Cohere v2 rerank API.
type CohereReranker struct {
	client *cohereclient.Client
	model  string
}

func NewCohereReranker(opts CohereOptions) (*CohereReranker, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("COHERE_API_KEY not set")
	}

	httpClient := opts.Client
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	// The rerank call is already bounded by the pipeline timeout; a failure
	// falls back to similarity order instead of retrying.
	clientOpts := []option.RequestOption{
		option.WithToken(opts.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxAttempts(1),
	}
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid cohere base url %q", opts.BaseURL)
		}
		clientOpts = append(clientOpts, option.WithBaseURL(base))
	}

	model := opts.Model
	if model == "" {
		model = defaultCohereModel
	}
	return &CohereReranker{
		client: cohereclient.NewClient(clientOpts...),
		model:  model,
	}, nil
}

func (r *CohereReranker) Name() string {
	return "cohere:" + r.model
}

func (r *CohereReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return []float64{}, nil
	}

	topN := len(docs)
	resp, err := r.client.V2.Rerank(ctx, &cohere.V2RerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: docs,
		TopN:      &topN,
	})
	if err != nil {
		return nil, fmt.Errorf("cohere rerank: %w", err)
	}

	// Documents the service omits rank below every returned one.
	scores := make([]float64, len(docs))
	for i := range scores {
		scores[i] = -1
	}
	for _, res := range resp.Results {
		if res == nil {
			continue
		}
		if res.Index < 0 || res.Index >= len(docs) {
			return nil, fmt.Errorf("cohere returned out-of-range index %d", res.Index)
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}

var _ Reranker = (*CohereReranker)(nil)
