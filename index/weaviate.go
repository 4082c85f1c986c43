package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

const WeaviateClassName = "PolicyChunk"

// WeaviateBackend stores each chunk as a PolicyChunk object with a
// client-supplied vector. Namespaces map to an exact-match policy_id filter.
type WeaviateBackend struct {
	client    *weaviate.Client
	className string
}

func NewWeaviateBackend(client *weaviate.Client) *WeaviateBackend {
	return &WeaviateBackend{client: client, className: WeaviateClassName}
}

func PolicyChunkClass() *models.Class {
	filterable := true
	return &models.Class{
		Class:       WeaviateClassName,
		Description: "Chunked policy text scoped by policy_id",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "policy_id",
				DataType:        []string{"text"},
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
			{
				Name:     "chunk_index",
				DataType: []string{"int"},
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:         "locator",
				DataType:     []string{"text"},
				Tokenization: "field",
			},
		},
	}
}

// EnsureSchema creates the PolicyChunk class if it does not exist.
func (b *WeaviateBackend) EnsureSchema(ctx context.Context) error {
	exists, err := b.client.Schema().ClassExistenceChecker().WithClassName(b.className).Do(ctx)
	if err != nil {
		return fmt.Errorf("check weaviate class: %w", err)
	}
	if exists {
		return nil
	}
	if err := b.client.Schema().ClassCreator().WithClass(PolicyChunkClass()).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class: %w", err)
	}
	return nil
}

func (b *WeaviateBackend) namespaceFilter(namespace string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"policy_id"}).
		WithOperator(filters.Equal).
		WithValueString(namespace)
}

func (b *WeaviateBackend) Write(ctx context.Context, namespace string, chunks []Chunk) error {
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class: b.className,
			ID:    strfmt.UUID(c.ID),
			Properties: map[string]interface{}{
				"policy_id":   namespace,
				"chunk_index": c.Index,
				"content":     c.Text,
				"locator":     c.Locator,
			},
			Vector: models.C11yVector(c.Embedding),
		}
	}

	result, err := b.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch import failed: %w", err)
	}

	var failures []string
	for _, obj := range result {
		if obj.Result == nil || obj.Result.Errors == nil {
			continue
		}
		for _, e := range obj.Result.Errors.Error {
			failures = append(failures, e.Message)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("batch import rejected %d objects: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

func (b *WeaviateBackend) Search(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = 5
	}

	nearVector := b.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "chunk_index"},
		{Name: "content"},
		{Name: "locator"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	result, err := b.client.GraphQL().Get().
		WithClassName(b.className).
		WithFields(fields...).
		WithWhere(b.namespaceFilter(namespace)).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	matches, err := parseWeaviateMatches(result, b.className, namespace)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	return matches, nil
}

type weaviateChunk struct {
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	Locator    string `json:"locator"`
	Additional struct {
		ID        string  `json:"id"`
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

type weaviateMeta struct {
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
}

// decodeGraphQL re-encodes the loosely typed GraphQL payload into T.
func decodeGraphQL[T any](resp *models.GraphQLResponse) (T, error) {
	var out T
	if resp == nil {
		return out, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return out, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return out, fmt.Errorf("marshal GraphQL response data: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal GraphQL response data: %w", err)
	}
	return out, nil
}

func parseWeaviateMatches(resp *models.GraphQLResponse, className, namespace string) ([]Match, error) {
	parsed, err := decodeGraphQL[struct {
		Get map[string][]weaviateChunk `json:"Get"`
	}](resp)
	if err != nil {
		return nil, err
	}

	items := parsed.Get[className]
	matches := make([]Match, 0, len(items))
	for _, item := range items {
		matches = append(matches, Match{
			Chunk: Chunk{
				Namespace: namespace,
				ID:        item.Additional.ID,
				Index:     item.ChunkIndex,
				Text:      item.Content,
				Locator:   item.Locator,
			},
			// certainty is (1 + cosine) / 2 for cosine-distance classes.
			Score: 2*item.Additional.Certainty - 1,
		})
	}
	return matches, nil
}

func parseWeaviateCount(resp *models.GraphQLResponse, className string) (int, error) {
	parsed, err := decodeGraphQL[struct {
		Aggregate map[string][]weaviateMeta `json:"Aggregate"`
	}](resp)
	if err != nil {
		return 0, err
	}
	groups := parsed.Aggregate[className]
	if len(groups) == 0 {
		return 0, nil
	}
	return groups[0].Meta.Count, nil
}

func (b *WeaviateBackend) Count(ctx context.Context, namespace string) (int, error) {
	result, err := b.client.GraphQL().Aggregate().
		WithClassName(b.className).
		WithWhere(b.namespaceFilter(namespace)).
		WithFields(graphql.Field{
			Name:   "meta",
			Fields: []graphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	if len(result.Errors) > 0 && strings.Contains(result.Errors[0].Message, "Cannot query field") {
		// The class has not been created yet, so nothing is indexed.
		return 0, nil
	}
	count, err := parseWeaviateCount(result, b.className)
	if err != nil {
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	return count, nil
}

func (b *WeaviateBackend) Drop(ctx context.Context, namespace string) error {
	_, err := b.client.Batch().ObjectsBatchDeleter().
		WithClassName(b.className).
		WithWhere(b.namespaceFilter(namespace)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete namespace objects: %w", err)
	}
	return nil
}

var _ Backend = (*WeaviateBackend)(nil)
