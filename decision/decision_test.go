package decision

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terellcodes/claim-assist/model"
)

func validDecision() model.ClaimDecision {
	return model.ClaimDecision{
		IsValid:     true,
		ClaimStatus: model.StatusValid,
		Evaluation:  "Burst pipe water damage is expressly covered.",
		EmailDraft:  model.StringPtr("Dear Claims Team, I am writing to file a claim..."),
		Citations: []model.Citation{
			{Excerpt: "Water damage from burst pipes is covered.", SourceLocator: "page 2"},
		},
	}
}

const page2Text = "Coverage A. Water damage from burst pipes is covered.\nSee exclusions for flood."

func page2Evidence() Evidence {
	e := NewEvidence()
	e.Add("page 2", page2Text)
	return e
}

func TestParseAcceptsWholeReplyFence(t *testing.T) {
	raw := "```json\n{\"is_valid\": false, \"claim_status\": \"invalid\", \"evaluation\": \"Flood {excluded}\", \"email_draft\": \"\", \"suggestions\": \"Check flood rider\", \"citations\": []}\n```"

	d, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, d.ClaimStatus)
	assert.Equal(t, "Flood {excluded}", d.Evaluation)
	assert.Nil(t, d.EmailDraft, "blank email drafts are treated as absent")
	assert.Equal(t, model.Suggestions{"Check flood rider"}, d.Suggestions)
}

func TestParseRejectsProseAroundObject(t *testing.T) {
	body := `{"is_valid": false, "claim_status": "needs_review", "evaluation": "x", "citations": []}`
	for name, raw := range map[string]string{
		"leading":  "Sure! Here is my verdict:\n" + body,
		"trailing": body + "\nLet me know if you need anything else.",
		"fenced":   "Verdict:\n```json\n" + body + "\n```",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			var ferr *FormatError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, raw, ferr.Raw)
		})
	}
}

func TestParseRejectsLooseStatus(t *testing.T) {
	_, err := Parse(`{"is_valid": false, "claim_status": "Needs Review", "evaluation": "x", "citations": []}`)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
}

func TestParseRejectsNonJSON(t *testing.T) {
	_, err := Parse("The claim is VALID because the policy covers it.")
	var ferr *FormatError
	require.True(t, errors.As(err, &ferr))
	assert.Contains(t, ferr.Raw, "VALID")
}

func TestParseRejectsUnknownStatus(t *testing.T) {
	_, err := Parse(`{"is_valid": true, "claim_status": "approved", "evaluation": "x"}`)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
}

func TestValidateAcceptsGroundedValidDecision(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate(validDecision(), page2Evidence()))
}

func TestValidateIsIdempotent(t *testing.T) {
	v := NewValidator()
	d := validDecision()
	before := validDecision()
	evidence := page2Evidence()

	require.NoError(t, v.Validate(d, evidence))
	require.NoError(t, v.Validate(d, evidence))
	if diff := cmp.Diff(before, d); diff != "" {
		t.Fatalf("validator mutated decision (-want +got):\n%s", diff)
	}
}

func TestValidateStatusInvariants(t *testing.T) {
	evidence := page2Evidence()
	v := NewValidator()

	cases := map[string]func(d *model.ClaimDecision){
		"valid without email": func(d *model.ClaimDecision) {
			d.EmailDraft = nil
		},
		"valid with suggestions": func(d *model.ClaimDecision) {
			d.Suggestions = model.Suggestions{"send receipts"}
		},
		"is_valid contradicts status": func(d *model.ClaimDecision) {
			d.IsValid = false
		},
		"invalid with email": func(d *model.ClaimDecision) {
			d.IsValid = false
			d.ClaimStatus = model.StatusInvalid
		},
		"needs review with email": func(d *model.ClaimDecision) {
			d.IsValid = false
			d.ClaimStatus = model.StatusNeedsReview
		},
		"empty evaluation": func(d *model.ClaimDecision) {
			d.Evaluation = " "
		},
		"unknown status": func(d *model.ClaimDecision) {
			d.ClaimStatus = "approved"
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDecision()
			mutate(&d)
			err := v.Validate(d, evidence)
			var ferr *FormatError
			require.ErrorAs(t, err, &ferr)
			assert.NotEmpty(t, ferr.Problems)
		})
	}
}

func TestValidateRejectsHallucinatedCitation(t *testing.T) {
	d := validDecision()
	d.Citations = append(d.Citations, model.Citation{Excerpt: "Mold is covered.", SourceLocator: "page 40"})

	err := NewValidator().Validate(d, page2Evidence())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"page 40" was not retrieved`)
}

func TestValidateRejectsFabricatedExcerpt(t *testing.T) {
	d := validDecision()
	d.Citations = []model.Citation{{Excerpt: "All water damage of any kind is covered.", SourceLocator: "page 2"}}

	err := NewValidator().Validate(d, page2Evidence())
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, err.Error(), `citations[0].excerpt does not match the text retrieved from "page 2"`)
}

func TestEvidenceSupportsNormalizedExcerpts(t *testing.T) {
	e := page2Evidence()
	e.Add("page 2", "Mold is excluded.")

	assert.True(t, e.Supports("Page 2", "water damage from  BURST pipes"))
	assert.True(t, e.Supports("page 2", `"Coverage A. Water damage ... see exclusions for flood."`))
	assert.True(t, e.Supports("page 2", "Mold is excluded."))
	assert.False(t, e.Supports("page 2", "Coverage A ... Mold is excluded."), "fragments must come from one passage")
	assert.False(t, e.Supports("page 3", "Water damage"))
	assert.False(t, e.Supports("page 2", " ... "))
}

func TestValidateRejectsIncompleteCitation(t *testing.T) {
	d := validDecision()
	d.Citations = []model.Citation{{Excerpt: "covered"}}

	err := NewValidator().Validate(d, page2Evidence())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "citations[0].source_locator is required")
}

func TestNeedsReviewSatisfiesInvariants(t *testing.T) {
	d := NeedsReview("", nil)
	require.NoError(t, NewValidator().Validate(d, NewEvidence()))
	assert.Equal(t, model.StatusNeedsReview, d.ClaimStatus)
	assert.False(t, d.IsValid)
	assert.Nil(t, d.EmailDraft)
}

func TestSchemaRequiresStatus(t *testing.T) {
	s := Schema()
	assert.Contains(t, s.Required, "claim_status")
	assert.Equal(t, []string{"valid", "invalid", "needs_review"}, s.Properties["claim_status"].Enum)
}
