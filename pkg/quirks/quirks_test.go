package quirks

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConf(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestGlobModelMatchMoreSpecificWins(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[*]\nblacklist = true\n")
	writeConf(t, dir, "b.conf", "[Acme Widget*]\nblacklist = false\n")

	qdb, err := LoadQuirksSet(dir)
	if err != nil {
		t.Fatalf("LoadQuirksSet: %v", err)
	}

	policy := qdb.Resolve(0, 0, "Acme Widget 3000")
	if policy.Blacklisted {
		t.Fatalf("Blacklisted = true, want false (specific match should win)")
	}
}

func TestHWIDMatchBeatsModelGlob(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[*]\nopen-timeout = 1000\n")
	writeConf(t, dir, "b.conf", "[1234:5678]\nopen-timeout = 9000\n")

	qdb, err := LoadQuirksSet(dir)
	if err != nil {
		t.Fatalf("LoadQuirksSet: %v", err)
	}

	policy := qdb.Resolve(0x1234, 0x5678, "Anything")
	if policy.OpenTimeout != 9*time.Second {
		t.Fatalf("OpenTimeout = %v, want 9s", policy.OpenTimeout)
	}
}

func TestHWIDWildcardPIDMatchesAnyProduct(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[1234:*]\nmin-chunk-size = 1M\n")

	qdb, err := LoadQuirksSet(dir)
	if err != nil {
		t.Fatalf("LoadQuirksSet: %v", err)
	}

	policy := qdb.Resolve(0x1234, 0x0001, "Anything")
	if policy.MinChunkSize != 1024*1024 {
		t.Fatalf("MinChunkSize = %d, want %d", policy.MinChunkSize, 1024*1024)
	}
}

func TestMissingQuirksDirIsNotAnError(t *testing.T) {
	qdb, err := LoadQuirksSet(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadQuirksSet: %v", err)
	}
	policy := qdb.Resolve(0, 0, "Anything")
	if policy.Blacklisted {
		t.Fatalf("default Blacklisted = true, want false")
	}
	if len(policy.OpenSessionResetLadder) == 0 {
		t.Fatalf("default OpenSessionResetLadder should be non-empty")
	}
}

func TestDefaultPolicyHasSaneValues(t *testing.T) {
	qdb, _ := LoadQuirksSet()
	policy := qdb.Resolve(0, 0, "")
	if policy.IOTimeout <= 0 {
		t.Fatalf("default IOTimeout must be positive")
	}
	if policy.MinChunkSize == 0 {
		t.Fatalf("default MinChunkSize must be positive")
	}
	if len(policy.WriteTargetLadder) == 0 {
		t.Fatalf("default WriteTargetLadder must be non-empty")
	}
}

func TestUnknownKeyToleratedForForwardCompat(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[*]\nsome-future-setting = 42\nblacklist = true\n")

	qdb, err := LoadQuirksSet(dir)
	if err != nil {
		t.Fatalf("LoadQuirksSet: %v", err)
	}
	policy := qdb.Resolve(0, 0, "x")
	if !policy.Blacklisted {
		t.Fatalf("Blacklisted = false, want true")
	}
}

func TestDuplicateKeyInSameSectionIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[*]\nblacklist = true\nblacklist = false\n")

	if _, err := LoadQuirksSet(dir); err == nil {
		t.Fatalf("expected error for duplicate key in same section")
	}
}

func TestGlobMatchWildcardsAndEscapes(t *testing.T) {
	cases := []struct {
		str, pattern string
		want         bool
	}{
		{"hello", "hello", true},
		{"hello", "h*o", true},
		{"hello", "h?llo", true},
		{"hello", "world", false},
		{"a*b", `a\*b`, true},
		{"axb", `a\*b`, false},
	}
	for _, c := range cases {
		got := GlobMatch(c.str, c.pattern) >= 0
		if got != c.want {
			t.Errorf("GlobMatch(%q, %q) = %v, want %v", c.str, c.pattern, got, c.want)
		}
	}
}

func TestParseHWIDPatternRejectsMalformed(t *testing.T) {
	cases := []string{"", "12345", "ZZZZ:1234", "1234-1234", "1234:ZZZZ"}
	for _, c := range cases {
		if p := ParseHWIDPattern(c); p != nil {
			t.Errorf("ParseHWIDPattern(%q) = %+v, want nil", c, p)
		}
	}
}
