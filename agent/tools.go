package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/terellcodes/claim-assist/llm"
	"github.com/terellcodes/claim-assist/websearch"
)

const (
	ToolRetrievePolicyClauses = "retrieve_policy_clauses"
	ToolWebSearch             = websearch.ToolName
)

var queryParameters = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"query": {Type: jsonschema.String, Description: "What to look up"},
	},
	Required: []string{"query"},
}

func toolDefinitions() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolRetrievePolicyClauses,
			Description: "Search the policyholder's uploaded insurance policy for clauses about covered perils, exclusions and conditions. Use this first.",
			Parameters:  queryParameters,
		},
		{
			Name:        ToolWebSearch,
			Description: "Search the web for legal standards or definitions of insurance terminology. Use only when the policy text is insufficient.",
			Parameters:  queryParameters,
		},
	}
}

func queryArgument(raw string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", fmt.Errorf("arguments must be a JSON object with a query: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("query must not be empty")
	}
	return strings.TrimSpace(args.Query), nil
}
