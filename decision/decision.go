// Package decision parses model output into a ClaimDecision and enforces
// the decision invariants before a result leaves the engine.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/terellcodes/claim-assist/model"
)

// FormatError is returned for output that cannot be parsed or that breaks a
// decision invariant.
type FormatError struct {
	Problems []string
	Raw      string
}

func (e *FormatError) Error() string {
	return "malformed claim decision: " + strings.Join(e.Problems, "; ")
}

// Parse decodes a reply that must be exactly one JSON object. A single
// markdown fence around the whole reply is allowed; any other text is a
// FormatError. A blank email draft is treated as absent.
func Parse(raw string) (model.ClaimDecision, error) {
	body := unfence(raw)
	if !strings.HasPrefix(body, "{") {
		return model.ClaimDecision{}, &FormatError{Problems: []string{"reply is not a JSON object"}, Raw: raw}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var d model.ClaimDecision
	if err := dec.Decode(&d); err != nil {
		return model.ClaimDecision{}, &FormatError{Problems: []string{fmt.Sprintf("decode decision: %v", err)}, Raw: raw}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return model.ClaimDecision{}, &FormatError{Problems: []string{"unexpected text after the JSON object"}, Raw: raw}
	}
	if d.EmailDraft != nil && strings.TrimSpace(*d.EmailDraft) == "" {
		d.EmailDraft = nil
	}
	return d, nil
}

func unfence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
	text = strings.TrimPrefix(text, "json")
	return strings.TrimSpace(text)
}

// NeedsReview builds the conservative verdict used when the engine cannot
// reach a confident decision.
func NeedsReview(evaluation string, citations []model.Citation) model.ClaimDecision {
	if strings.TrimSpace(evaluation) == "" {
		evaluation = "The claim could not be evaluated with confidence and requires manual review."
	}
	return model.ClaimDecision{
		IsValid:     false,
		ClaimStatus: model.StatusNeedsReview,
		Evaluation:  evaluation,
		Suggestions: model.Suggestions{"A claims specialist should review the policy and incident details."},
		Citations:   citations,
	}
}

// Schema is the JSON schema handed to providers that support constrained
// output.
func Schema() jsonschema.Definition {
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"is_valid": {Type: jsonschema.Boolean},
			"claim_status": {
				Type: jsonschema.String,
				Enum: []string{string(model.StatusValid), string(model.StatusInvalid), string(model.StatusNeedsReview)},
			},
			"evaluation": {Type: jsonschema.String, Description: "Reasoning that references the policy clauses consulted"},
			"email_draft": {
				Type:        jsonschema.String,
				Description: "Professional claim email; only when claim_status is valid",
			},
			"suggestions": {
				Type:        jsonschema.Array,
				Items:       &jsonschema.Definition{Type: jsonschema.String},
				Description: "Actionable next steps; empty when claim_status is valid",
			},
			"citations": {
				Type: jsonschema.Array,
				Items: &jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"excerpt":        {Type: jsonschema.String},
						"source_locator": {Type: jsonschema.String},
					},
					Required: []string{"excerpt", "source_locator"},
				},
			},
		},
		Required: []string{"is_valid", "claim_status", "evaluation", "citations"},
	}
}
