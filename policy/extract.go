package policy

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const notSpecified = "Not specified"

var knownInsurers = []string{"SHELTER", "STATE FARM", "ALLSTATE", "GEICO", "PROGRESSIVE"}

var policyNumberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`POLICY\s*(?:NUMBER|NO\.?)\s*:?\s*([A-Z0-9\-]+)`),
	regexp.MustCompile(`POLICY\s+([A-Z0-9\-]{6,})`),
}

// Page is the plain text of one PDF page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

func (p Page) Locator() string {
	return fmt.Sprintf("page %d", p.Number)
}

// Details is what can be inferred about a policy from its text alone.
type Details struct {
	TotalPages   int
	Insurer      string
	PolicyNumber string
}

func (d Details) Summary() string {
	return fmt.Sprintf("Processed %d pages from %s", d.TotalPages, d.Insurer)
}

// ExtractPages returns the text of every page. Pages without extractable
// text are kept with an empty body so page numbering stays stable.
func ExtractPages(data []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	pages := make([]Page, 0, total)
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

// ExtractDetails scans the first page, where declarations live, for the
// insurer and policy number.
func ExtractDetails(pages []Page) Details {
	var upper string
	if len(pages) > 0 {
		upper = strings.ToUpper(pages[0].Text)
	}

	details := Details{
		TotalPages:   len(pages),
		Insurer:      notSpecified,
		PolicyNumber: notSpecified,
	}
	for _, name := range knownInsurers {
		if strings.Contains(upper, name) {
			details.Insurer = cases.Title(language.English).String(strings.ToLower(name))
			break
		}
	}
	for _, re := range policyNumberPatterns {
		if m := re.FindStringSubmatch(upper); len(m) > 1 {
			details.PolicyNumber = m[1]
			break
		}
	}
	return details
}
