// ABOUTME: Tests for .env loading.
// ABOUTME: Covers quoting, comments, export prefix, and no-clobber behavior.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	return path
}

func TestLoadDotEnvParsesFormats(t *testing.T) {
	path := writeEnvFile(t, `# comment
PRISM_TEST_PLAIN=hello
PRISM_TEST_DQ="double quoted"
PRISM_TEST_SQ='single quoted'
export PRISM_TEST_EXPORT=exported
PRISM_TEST_EQ=a=b=c

not-a-pair
`)
	for _, key := range []string{"PRISM_TEST_PLAIN", "PRISM_TEST_DQ", "PRISM_TEST_SQ", "PRISM_TEST_EXPORT", "PRISM_TEST_EQ"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	loadDotEnv(path)

	cases := map[string]string{
		"PRISM_TEST_PLAIN":  "hello",
		"PRISM_TEST_DQ":     "double quoted",
		"PRISM_TEST_SQ":     "single quoted",
		"PRISM_TEST_EXPORT": "exported",
		"PRISM_TEST_EQ":     "a=b=c",
	}
	for key, want := range cases {
		if got := os.Getenv(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestLoadDotEnvDoesNotClobber(t *testing.T) {
	path := writeEnvFile(t, "PRISM_TEST_KEEP=from_file\n")
	t.Setenv("PRISM_TEST_KEEP", "from_env")

	loadDotEnv(path)

	if got := os.Getenv("PRISM_TEST_KEEP"); got != "from_env" {
		t.Errorf("PRISM_TEST_KEEP = %q, want from_env", got)
	}
}

func TestLoadDotEnvMissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "does-not-exist"))
}
