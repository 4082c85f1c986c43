// Package knowledge mirrors uploaded policies into a Neo4j graph:
// (:Insurer)<-[:ISSUED_BY]-(:Policy)-[:HAS_PAGE]->(:Page)-[:HAS_CHUNK]->(:Chunk).
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

var errNilDriver = errors.New("neo4j driver is nil")

type Policy struct {
	ID           string
	Filename     string
	Insurer      string
	PolicyNumber string
	Pages        []Page
}

type Page struct {
	Number int
	Chunks []Chunk
}

type Chunk struct {
	Index int
	Text  string
}

// Insight summarises the structure stored for one policy.
type Insight struct {
	Pages           int      `json:"pages"`
	Chunks          int      `json:"chunks"`
	Insurer         string   `json:"insurer,omitempty"`
	RelatedPolicies []string `json:"related_policies"`
}

type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

func NewGraph(driver neo4j.DriverWithContext, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{driver: driver, logger: logger}
}

// SyncPolicy replaces the stored structure of a policy.
func (g *Graph) SyncPolicy(ctx context.Context, policy Policy) error {
	if g.driver == nil {
		return errNilDriver
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (p:Policy {id: $id})
			SET p.filename = $filename,
			    p.policy_number = $policy_number,
			    p.updated_at = datetime()
		`, map[string]any{
			"id":            policy.ID,
			"filename":      policy.Filename,
			"policy_number": policy.PolicyNumber,
		}); err != nil {
			return nil, fmt.Errorf("upsert policy node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (p:Policy {id: $id})-[r:ISSUED_BY]->(:Insurer)
			DELETE r
		`, map[string]any{"id": policy.ID}); err != nil {
			return nil, fmt.Errorf("remove stale insurer relation: %w", err)
		}
		if policy.Insurer != "" {
			if _, err := tx.Run(ctx, `
				MATCH (p:Policy {id: $id})
				MERGE (i:Insurer {name: $insurer})
				MERGE (p)-[:ISSUED_BY]->(i)
			`, map[string]any{"id": policy.ID, "insurer": policy.Insurer}); err != nil {
				return nil, fmt.Errorf("upsert insurer relation: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (p:Policy {id: $id})-[:HAS_PAGE]->(pg:Page)
			OPTIONAL MATCH (pg)-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c, pg
		`, map[string]any{"id": policy.ID}); err != nil {
			return nil, fmt.Errorf("clear existing pages: %w", err)
		}

		for _, page := range policy.Pages {
			chunks := make([]map[string]any, 0, len(page.Chunks))
			for _, c := range page.Chunks {
				chunks = append(chunks, map[string]any{"index": c.Index, "text": c.Text})
			}
			if _, err := tx.Run(ctx, `
				MATCH (p:Policy {id: $id})
				CREATE (p)-[:HAS_PAGE {order: $number}]->(pg:Page {policy_id: $id, number: $number})
				WITH pg
				UNWIND $chunks AS chunk
				CREATE (pg)-[:HAS_CHUNK {order: chunk.index}]->(:Chunk {policy_id: $id, index: chunk.index, text: chunk.text})
			`, map[string]any{
				"id":     policy.ID,
				"number": page.Number,
				"chunks": chunks,
			}); err != nil {
				return nil, fmt.Errorf("upsert page %d: %w", page.Number, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	g.logger.Debug("policy graph synced", zap.String("policy_id", policy.ID), zap.Int("pages", len(policy.Pages)))
	return nil
}

// PolicyInsights reports page and chunk counts plus other policies from the
// same insurer. A policy missing from the graph yields a zero Insight.
func (g *Graph) PolicyInsights(ctx context.Context, policyID string) (Insight, error) {
	if g.driver == nil {
		return Insight{}, errNilDriver
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (p:Policy {id: $id})
			OPTIONAL MATCH (p)-[:HAS_PAGE]->(pg:Page)
			OPTIONAL MATCH (pg)-[:HAS_CHUNK]->(c:Chunk)
			OPTIONAL MATCH (p)-[:ISSUED_BY]->(i:Insurer)
			OPTIONAL MATCH (i)<-[:ISSUED_BY]-(other:Policy)
			WHERE other.id <> p.id
			RETURN count(DISTINCT pg) AS pages,
			       count(DISTINCT c) AS chunks,
			       coalesce(i.name, '') AS insurer,
			       collect(DISTINCT other.id) AS related
		`, map[string]any{"id": policyID})
		if err != nil {
			return nil, fmt.Errorf("run policy insights query: %w", err)
		}
		if !result.Next(ctx) {
			return Insight{RelatedPolicies: []string{}}, result.Err()
		}
		return decodeInsight(result.Record())
	})
	if err != nil {
		return Insight{}, err
	}
	return out.(Insight), nil
}

func decodeInsight(record *neo4j.Record) (Insight, error) {
	pages, _, err := neo4j.GetRecordValue[int64](record, "pages")
	if err != nil {
		return Insight{}, fmt.Errorf("decode pages: %w", err)
	}
	chunks, _, err := neo4j.GetRecordValue[int64](record, "chunks")
	if err != nil {
		return Insight{}, fmt.Errorf("decode chunks: %w", err)
	}
	insurer, _, err := neo4j.GetRecordValue[string](record, "insurer")
	if err != nil {
		return Insight{}, fmt.Errorf("decode insurer: %w", err)
	}
	related, _ := record.Get("related")
	return Insight{
		Pages:           int(pages),
		Chunks:          int(chunks),
		Insurer:         insurer,
		RelatedPolicies: stringList(related),
	}, nil
}

func stringList(value any) []string {
	out := []string{}
	raw, ok := value.([]any)
	if !ok {
		return out
	}
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// DeletePolicy removes the policy subtree and any insurer left without policies.
func (g *Graph) DeletePolicy(ctx context.Context, policyID string) error {
	if g.driver == nil {
		return errNilDriver
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (p:Policy {id: $id})
			OPTIONAL MATCH (p)-[:HAS_PAGE]->(pg:Page)
			OPTIONAL MATCH (pg)-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c, pg, p
		`, map[string]any{"id": policyID}); err != nil {
			return nil, fmt.Errorf("delete policy subtree: %w", err)
		}
		if _, err := tx.Run(ctx, `
			MATCH (i:Insurer)
			WHERE NOT (i)<-[:ISSUED_BY]-(:Policy)
			DELETE i
		`, nil); err != nil {
			return nil, fmt.Errorf("cleanup insurers: %w", err)
		}
		return nil, nil
	})
	return err
}
