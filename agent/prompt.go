package agent

import (
	"fmt"
	"strings"

	"github.com/terellcodes/claim-assist/decision"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/model"
	"github.com/terellcodes/claim-assist/websearch"
)

const systemPrompt = `You are an expert insurance claims consultant.

Your job is to evaluate whether a policyholder's insurance claim is valid, based on their uploaded insurance policy. You have exactly two tools:

1. retrieve_policy_clauses: searches the uploaded policy and returns relevant clauses with their page locators.
2. web_search: researches external facts such as legal standards or definitions of insurance terminology.

Tool usage:
- Always consult retrieve_policy_clauses first and as often as needed. Your decision must rest on what the policy says.
- Use web_search only after policy retrieval, and only when the policy wording is unclear or the claim involves a technical situation or legal standard that needs an outside definition. It is never a substitute for the policy.

Procedure:
1. Identify the scenario, cause of loss, location, date and key perils in the claim.
2. Retrieve clauses covering perils, exclusions and conditions that apply.
3. Decide whether the claim is valid, invalid, or needs human review when the evidence is insufficient.
4. If valid, draft a professional email the policyholder can send to their insurer that references the relevant clauses.
5. If not valid, explain why and give clear, actionable suggestions to strengthen or reframe the claim.

When you are done calling tools, reply with a single JSON object and nothing else:
{
  "is_valid": true | false,
  "claim_status": "valid" | "invalid" | "needs_review",
  "evaluation": "your reasoning, referencing the clauses you relied on",
  "email_draft": "only when claim_status is valid, otherwise omit or null",
  "suggestions": ["only when claim_status is not valid"],
  "citations": [{"excerpt": "quoted policy text", "source_locator": "the locator shown with the clause, e.g. page 3"}]
}
is_valid must be true exactly when claim_status is "valid". Only cite locators returned by retrieve_policy_clauses.`

// FormatClaim renders a request the way a policyholder would describe it.
func FormatClaim(req model.ClaimRequest) string {
	when := strings.TrimSpace(req.IncidentDate + " " + req.IncidentTime)
	return fmt.Sprintf(`On %s, I experienced an incident at %s.
Policy holder: %s

Description: %s

I would like to file a claim under my insurance policy and need help determining if this claim is valid based on my policy terms.`,
		when, req.Location, req.PolicyHolderName, req.Description)
}

func renderClauses(matches []index.Match) string {
	if len(matches) == 0 {
		return "No matching policy clauses were found."
	}
	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (source_locator: %s)\n%s", i+1, m.Locator, strings.TrimSpace(m.Text))
	}
	return b.String()
}

func renderSearch(results []websearch.Result) string {
	if len(results) == 0 {
		return "No web results are available. Continue using the policy text."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s", i+1, r.Title, r.URL, strings.TrimSpace(r.Snippet))
	}
	return b.String()
}

func correctivePrompt(ferr *decision.FormatError) string {
	var b strings.Builder
	b.WriteString("Your previous reply could not be accepted as a claim decision:\n")
	for _, p := range ferr.Problems {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("Reply again with only the corrected JSON object. Do not call tools.")
	return b.String()
}

const forceDecisionPrompt = `You have reached the limit on policy lookups. Using only the evidence gathered so far, reply now with the JSON decision object. Do not call tools.`
