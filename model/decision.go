package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Status string

const (
	StatusValid       Status = "valid"
	StatusInvalid     Status = "invalid"
	StatusNeedsReview Status = "needs_review"
)

func (s Status) Valid() bool {
	switch s {
	case StatusValid, StatusInvalid, StatusNeedsReview:
		return true
	}
	return false
}

// UnmarshalJSON accepts only the literal status tokens.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("claim_status must be a string: %w", err)
	}
	if !Status(raw).Valid() {
		return fmt.Errorf("unknown claim_status %q", raw)
	}
	*s = Status(raw)
	return nil
}

type Citation struct {
	Excerpt       string `json:"excerpt" validate:"required"`
	SourceLocator string `json:"source_locator" validate:"required"`
}

// Suggestions always serializes as a JSON array. It also decodes from a
// single string, splitting it into lines.
type Suggestions []string

func (s Suggestions) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

func (s *Suggestions) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = splitSuggestions(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("suggestions must be a list of strings: %w", err)
	}
	*s = list
	return nil
}

func splitSuggestions(text string) Suggestions {
	var out Suggestions
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•0123456789.) "))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

type ClaimDecision struct {
	IsValid     bool        `json:"is_valid"`
	ClaimStatus Status      `json:"claim_status"`
	Evaluation  string      `json:"evaluation"`
	EmailDraft  *string     `json:"email_draft"`
	Suggestions Suggestions `json:"suggestions"`
	Citations   []Citation  `json:"citations"`
}

// HasEmail reports a present, non-blank email draft.
func (d ClaimDecision) HasEmail() bool {
	return d.EmailDraft != nil && strings.TrimSpace(*d.EmailDraft) != ""
}

func (d ClaimDecision) MarshalJSON() ([]byte, error) {
	type plain ClaimDecision
	out := plain(d)
	if out.Citations == nil {
		out.Citations = []Citation{}
	}
	return json.Marshal(out)
}

func StringPtr(s string) *string {
	return &s
}
