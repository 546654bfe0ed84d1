// ABOUTME: Tests for the deterministic citation scan.
// ABOUTME: Covers URL extraction, structural validation, ordering, and the persisted report.
package conductor

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeDraft(t *testing.T, root, id, content string) {
	t.Helper()
	path := DraftPath(root, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanCitationsExtractsAndValidates(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))

	writeDraft(t, root, "alpha", "A claim [one](https://example.org/a) and a bare link https://example.org/b.\n")
	writeDraft(t, root, "beta", "Bad scheme [ftp](ftp://example.org/c) and [fine](http://example.org/d).\n")

	m, err := ReadManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	report, err := ScanCitations(root, m)
	if err != nil {
		t.Fatalf("ScanCitations: %v", err)
	}

	if report.Total != 4 {
		t.Fatalf("total: got %d, want 4", report.Total)
	}
	if report.Valid != 3 {
		t.Errorf("valid: got %d, want 3", report.Valid)
	}
	if report.ValidRatio != 0.75 {
		t.Errorf("valid_ratio: got %v, want 0.75", report.ValidRatio)
	}

	for _, c := range report.Citations {
		if c.URL == "ftp://example.org/c" {
			if c.Valid {
				t.Error("ftp citation should be invalid")
			}
			if c.Reason == "" {
				t.Error("invalid citation should carry a reason")
			}
		}
	}

	// The scan persists citations.json and a human-readable report.
	saved, err := ReadCitationReport(root)
	if err != nil {
		t.Fatalf("ReadCitationReport: %v", err)
	}
	if saved.SchemaVersion != citationsSchemaVersion {
		t.Errorf("schema_version: got %s", saved.SchemaVersion)
	}
	if !reflect.DeepEqual(saved, report) {
		t.Error("persisted report differs from returned report")
	}
	if _, err := os.Stat(CitationReportPath(root)); err != nil {
		t.Errorf("report.md missing: %v", err)
	}
}

func TestScanCitationsDeterministicOrder(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))

	// Same URLs in different textual order across perspectives.
	writeDraft(t, root, "alpha", "https://example.org/z then https://example.org/a\n")
	writeDraft(t, root, "beta", "https://example.org/a only\n")

	m, err := ReadManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	first, err := ScanCitations(root, m)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ScanCitations(root, m)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("repeated scans over the same drafts should be identical")
	}

	// Within a perspective, URLs come out sorted.
	if first.Citations[0].Perspective != "alpha" || first.Citations[0].URL != "https://example.org/a" {
		t.Errorf("unexpected first citation: %+v", first.Citations[0])
	}
	if first.Citations[1].URL != "https://example.org/z" {
		t.Errorf("unexpected second citation: %+v", first.Citations[1])
	}
}

func TestScanCitationsMissingDraftsTolerated(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))

	m, err := ReadManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	report, err := ScanCitations(root, m)
	if err != nil {
		t.Fatalf("ScanCitations with no drafts: %v", err)
	}
	if report.Total != 0 || report.ValidRatio != 0 {
		t.Errorf("empty scan: got total=%d ratio=%v", report.Total, report.ValidRatio)
	}
}

func TestExtractURLsDedupesAndTrims(t *testing.T) {
	urls := extractURLs("See https://example.org/x. Also [x](https://example.org/x) again.")
	want := []string{"https://example.org/x"}
	if !reflect.DeepEqual(urls, want) {
		t.Errorf("extractURLs: got %v, want %v", urls, want)
	}
}

func TestValidateCitationURL(t *testing.T) {
	cases := []struct {
		url   string
		valid bool
	}{
		{"https://example.org/page", true},
		{"http://localhost/health", true},
		{"ftp://example.org/file", false},
		{"https://nodots/page", false},
		{"https:///missing-host", false},
	}
	for _, c := range cases {
		got, reason := validateCitationURL(c.url)
		if got != c.valid {
			t.Errorf("%s: got valid=%v (%s), want %v", c.url, got, reason, c.valid)
		}
	}
}
