package decision

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/terellcodes/claim-assist/model"
)

// Evidence is the policy text retrieved during one evaluation, keyed by
// normalized source locator.
type Evidence map[string][]string

func NewEvidence() Evidence {
	return Evidence{}
}

// Add records a retrieved passage. Blank locators are ignored.
func (e Evidence) Add(locator, text string) {
	key := normalize(locator)
	if key == "" {
		return
	}
	e[key] = append(e[key], normalize(text))
}

func (e Evidence) Contains(locator string) bool {
	_, ok := e[normalize(locator)]
	return ok
}

// Supports reports whether excerpt appears in a passage retrieved from
// locator. Case, whitespace, surrounding quotes and elided spans ("...")
// are ignored; each remaining fragment must occur in the same passage.
func (e Evidence) Supports(locator, excerpt string) bool {
	fragments := excerptFragments(excerpt)
	if len(fragments) == 0 {
		return false
	}
	for _, text := range e[normalize(locator)] {
		found := true
		for _, f := range fragments {
			if !strings.Contains(text, f) {
				found = false
				break
			}
		}
		if found {
			return true
		}
	}
	return false
}

var ellipses = strings.NewReplacer("…", "\x00", "...", "\x00")

func excerptFragments(excerpt string) []string {
	var out []string
	for _, part := range strings.Split(ellipses.Replace(excerpt), "\x00") {
		part = strings.Trim(normalize(part), `"'“”‘’ `)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type Validator struct {
	fields *validator.Validate
}

func NewValidator() *Validator {
	fields := validator.New(validator.WithRequiredStructEnabled())
	fields.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return &Validator{fields: fields}
}

// Validate checks status consistency and citation grounding. It never
// modifies d, so validating an accepted decision again yields the same result.
func (v *Validator) Validate(d model.ClaimDecision, evidence Evidence) error {
	var problems []string

	if !d.ClaimStatus.Valid() {
		problems = append(problems, fmt.Sprintf("claim_status %q is not one of valid, invalid, needs_review", d.ClaimStatus))
	}
	if strings.TrimSpace(d.Evaluation) == "" {
		problems = append(problems, "evaluation is empty")
	}
	if d.IsValid != (d.ClaimStatus == model.StatusValid) {
		problems = append(problems, fmt.Sprintf("is_valid=%t contradicts claim_status %q", d.IsValid, d.ClaimStatus))
	}

	if d.ClaimStatus == model.StatusValid {
		if !d.HasEmail() {
			problems = append(problems, "a valid claim requires a non-empty email_draft")
		}
		if len(d.Suggestions) > 0 {
			problems = append(problems, "a valid claim must not carry suggestions")
		}
	} else if d.EmailDraft != nil {
		problems = append(problems, "email_draft must be absent unless claim_status is valid")
	}

	for i, c := range d.Citations {
		if err := v.fields.Struct(c); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					problems = append(problems, fmt.Sprintf("citations[%d].%s is %s", i, fe.Field(), fe.Tag()))
				}
				continue
			}
			problems = append(problems, fmt.Sprintf("citations[%d]: %v", i, err))
			continue
		}
		switch {
		case !evidence.Contains(c.SourceLocator):
			problems = append(problems, fmt.Sprintf("citations[%d].source_locator %q was not retrieved in this evaluation", i, c.SourceLocator))
		case !evidence.Supports(c.SourceLocator, c.Excerpt):
			problems = append(problems, fmt.Sprintf("citations[%d].excerpt does not match the text retrieved from %q", i, c.SourceLocator))
		}
	}

	if len(problems) > 0 {
		return &FormatError{Problems: problems}
	}
	return nil
}
