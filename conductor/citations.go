// ABOUTME: Deterministic citation scan over perspective drafts, producing citations.json and report.md.
// ABOUTME: No driver involvement: the same drafts always yield the same citation set in the same order.
package conductor

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Citation is one URL found in a draft, with its validation outcome.
type Citation struct {
	URL         string `json:"url"`
	Perspective string `json:"perspective"`
	Valid       bool   `json:"valid"`
	Reason      string `json:"reason,omitempty"`
}

// CitationReport is the persisted citations.json document.
type CitationReport struct {
	SchemaVersion string     `json:"schema_version"`
	Total         int        `json:"total"`
	Valid         int        `json:"valid"`
	ValidRatio    float64    `json:"valid_ratio"`
	Citations     []Citation `json:"citations"`
}

const citationsSchemaVersion = "prism.citations.v1"

// markdownLinkRe matches the destination of [text](url) links.
var markdownLinkRe = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)\)`)

// bareURLRe matches http(s) URLs outside link syntax.
var bareURLRe = regexp.MustCompile(`https?://[^\s)\]>"']+`)

// ScanCitations reads every perspective draft, extracts markdown link
// destinations and bare URLs, validates each, and writes citations.json and
// report.md. Perspectives and URLs are visited in sorted order so the output
// is reproducible.
func ScanCitations(runRoot string, manifest *Manifest) (*CitationReport, error) {
	ids := make([]string, 0, len(manifest.Perspectives))
	for _, p := range manifest.Perspectives {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)

	report := &CitationReport{SchemaVersion: citationsSchemaVersion, Citations: []Citation{}}
	for _, id := range ids {
		data, err := os.ReadFile(DraftPath(runRoot, id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read draft %s: %w", id, err)
		}
		for _, raw := range extractURLs(string(data)) {
			c := Citation{URL: raw, Perspective: id}
			c.Valid, c.Reason = validateCitationURL(raw)
			report.Citations = append(report.Citations, c)
			report.Total++
			if c.Valid {
				report.Valid++
			}
		}
	}
	if report.Total > 0 {
		report.ValidRatio = float64(report.Valid) / float64(report.Total)
	}

	if err := writeJSONAtomic(CitationsPath(runRoot), report); err != nil {
		return nil, fmt.Errorf("write citations.json: %w", err)
	}
	if err := writeFileAtomic(CitationReportPath(runRoot), []byte(report.markdown())); err != nil {
		return nil, fmt.Errorf("write citation report: %w", err)
	}
	return report, nil
}

// ReadCitationReport loads citations.json from a run root.
func ReadCitationReport(runRoot string) (*CitationReport, error) {
	var r CitationReport
	if err := readJSONFile(CitationsPath(runRoot), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// extractURLs pulls URL candidates from markdown text, deduplicated and
// sorted for deterministic output.
func extractURLs(text string) []string {
	seen := map[string]bool{}
	for _, m := range markdownLinkRe.FindAllStringSubmatch(text, -1) {
		seen[strings.TrimRight(m[1], ".,;")] = true
	}
	for _, m := range bareURLRe.FindAllString(text, -1) {
		seen[strings.TrimRight(m, ".,;")] = true
	}
	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// validateCitationURL applies structural checks only. Whether a URL actually
// resolves is out of scope: validation here must be deterministic.
func validateCitationURL(raw string) (bool, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, "unparsable URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, fmt.Sprintf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return false, "missing host"
	}
	if !strings.Contains(u.Host, ".") && u.Host != "localhost" {
		return false, fmt.Sprintf("implausible host %q", u.Host)
	}
	return true, ""
}

func (r *CitationReport) markdown() string {
	var b strings.Builder
	b.WriteString("# Citation report\n\n")
	fmt.Fprintf(&b, "Total: %d, valid: %d (%.0f%%)\n\n", r.Total, r.Valid, r.ValidRatio*100)
	for _, c := range r.Citations {
		mark := "ok"
		if !c.Valid {
			mark = "INVALID: " + c.Reason
		}
		fmt.Fprintf(&b, "- [%s] `%s` (%s)\n", mark, c.URL, c.Perspective)
	}
	return b.String()
}
