package policy

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/lucasnoah/fixfactory/internal/config"
)

func testPolicy() config.SafetyPolicy {
	cfg := config.Default()
	return cfg.Policy
}

func newTestEngine(t *testing.T, p config.SafetyPolicy) *Engine {
	t.Helper()
	e, err := NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func diffFor(path string, added, removed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n@@ -1,%d +1,%d @@\n", path, path, removed, added)
	for i := 0; i < removed; i++ {
		fmt.Fprintf(&b, "-old line %d\n", i)
	}
	for i := 0; i < added; i++ {
		fmt.Fprintf(&b, "+new line %d\n", i)
	}
	return b.String()
}

func TestEvaluatePatchForbiddenWorkflowPath(t *testing.T) {
	e := newTestEngine(t, testPolicy())

	d := e.EvaluatePatch(diffFor(".github/workflows/ci.yml", 3, 1))
	if d.Allowed {
		t.Fatal("expected workflow edit to be blocked")
	}
	found := false
	for _, v := range d.Violations {
		if v.Code == "forbidden_path" && v.FilePath == ".github/workflows/ci.yml" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected forbidden_path violation, got %+v", d.Violations)
	}
	if d.Label != LabelNeedsReview {
		t.Errorf("expected needs-review label, got %q", d.Label)
	}
}

func TestEvaluatePatchSafeLabel(t *testing.T) {
	p := testPolicy()
	p.Danger.SafeMax = 25
	e := newTestEngine(t, p)

	// Two small files: per_file 5*2 = 10, no other buckets reached.
	diff := diffFor("pkg/a.go", 4, 2) + diffFor("pkg/b.go", 3, 1)
	d := e.EvaluatePatch(diff)
	if !d.Allowed {
		t.Fatalf("expected patch allowed, got violations %+v", d.Violations)
	}
	if d.DangerScore != 10 {
		t.Errorf("expected danger score 10, got %d (%+v)", d.DangerScore, d.DangerReasons)
	}
	if d.Label != LabelSafe {
		t.Errorf("expected safe label, got %q", d.Label)
	}
}

func TestEvaluatePatchRiskyPathCountedOnce(t *testing.T) {
	e := newTestEngine(t, testPolicy())

	diff := diffFor("infra/main.tf", 2, 0) + diffFor("svc/infra/vars.tf", 2, 0)
	d := e.EvaluatePatch(diff)
	// One risky_path reason for **/infra/** despite two matching files.
	risky := 0
	for _, r := range d.DangerReasons {
		if r.Code == "risky_path" {
			risky++
		}
	}
	if risky != 1 {
		t.Errorf("expected one risky_path reason, got %d (%+v)", risky, d.DangerReasons)
	}
}

func TestEvaluatePatchSecretAlwaysBlocks(t *testing.T) {
	e := newTestEngine(t, testPolicy())

	diff := "diff --git a/app/settings.py b/app/settings.py\n" +
		"--- a/app/settings.py\n+++ b/app/settings.py\n@@ -1 +1 @@\n" +
		"+password = \"hunter2\"\n"
	d := e.EvaluatePatch(diff)
	if d.Allowed {
		t.Fatal("expected secret to block")
	}
	if vs := d.BlockingViolations(); len(vs) == 0 || vs[0].Code != "secret_pattern" {
		t.Errorf("expected secret_pattern violation, got %+v", d.Violations)
	}
}

func TestEvaluatePatchSecretInRemovedLineIgnored(t *testing.T) {
	e := newTestEngine(t, testPolicy())

	diff := "diff --git a/app/settings.py b/app/settings.py\n" +
		"--- a/app/settings.py\n+++ b/app/settings.py\n@@ -1 +1 @@\n" +
		"-password = \"hunter2\"\n" +
		"+value = read_from_env()\n"
	d := e.EvaluatePatch(diff)
	if !d.Allowed {
		t.Fatalf("removing a secret should be allowed, got %+v", d.Violations)
	}
}

func TestEvaluatePatchSizeLimits(t *testing.T) {
	p := testPolicy()
	p.PatchLimits.MaxLinesAdded = 10
	e := newTestEngine(t, p)

	d := e.EvaluatePatch(diffFor("pkg/a.go", 11, 0))
	if d.Allowed {
		t.Fatal("expected max_lines_added to block")
	}
	if vs := d.BlockingViolations(); vs[0].Code != "max_lines_added" {
		t.Errorf("expected max_lines_added first, got %+v", vs)
	}
}

func TestEvaluatePatchMaxFiles(t *testing.T) {
	p := testPolicy()
	p.PatchLimits.MaxFiles = 2
	e := newTestEngine(t, p)

	diff := diffFor("a.go", 1, 0) + diffFor("b.go", 1, 0) + diffFor("c.go", 1, 0)
	d := e.EvaluatePatch(diff)
	if d.Allowed {
		t.Fatal("expected max_files to block")
	}
}

func TestEvaluatePatchMalformed(t *testing.T) {
	e := newTestEngine(t, testPolicy())

	for _, text := range []string{"", "   \n", "this is not a diff\n"} {
		d := e.EvaluatePatch(text)
		if d.Allowed {
			t.Errorf("expected %q to be blocked", text)
		}
		if len(d.Violations) != 1 || d.Violations[0].Code != "malformed_diff" {
			t.Errorf("expected single malformed_diff violation, got %+v", d.Violations)
		}
	}
}

func TestEvaluatePatchDeterministic(t *testing.T) {
	e := newTestEngine(t, testPolicy())

	diff := diffFor("Dockerfile", 5, 2) + diffFor("pkg/a.go", 60, 10)
	first := e.EvaluatePatch(diff)
	for i := 0; i < 5; i++ {
		if got := e.EvaluatePatch(diff); !reflect.DeepEqual(got, first) {
			t.Fatalf("decision differs on run %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestEvaluatePatchPathOrderBeforeLimits(t *testing.T) {
	p := testPolicy()
	p.PatchLimits.MaxLinesAdded = 1
	e := newTestEngine(t, p)

	d := e.EvaluatePatch(diffFor(".env", 5, 0))
	vs := d.BlockingViolations()
	if len(vs) < 2 {
		t.Fatalf("expected both path and limit violations, got %+v", vs)
	}
	if vs[0].Code != "forbidden_path" {
		t.Errorf("expected forbidden_path first, got %q", vs[0].Code)
	}
}

func TestEvaluatePlan(t *testing.T) {
	p := testPolicy()
	p.Paths.Allowed = []string{"src/**", "pkg/**"}
	e := newTestEngine(t, p)

	d := e.EvaluatePlan([]string{"src/main.go", "docs/readme.md"})
	if d.Allowed {
		t.Fatal("expected plan outside allow list to be blocked")
	}
	blocked := d.BlockingViolations()
	if len(blocked) != 1 || blocked[0].Code != "path_not_allowed" || blocked[0].FilePath != "docs/readme.md" {
		t.Errorf("unexpected violations %+v", blocked)
	}

	d = e.EvaluatePlan([]string{"src/main.go", "pkg/util.go"})
	if !d.Allowed {
		t.Fatalf("expected plan allowed, got %+v", d.Violations)
	}
	if d.DangerScore != 10 {
		t.Errorf("expected score 10 from per_file weight, got %d", d.DangerScore)
	}
}

func TestEvaluatePatchScoreClamped(t *testing.T) {
	p := testPolicy()
	p.PatchLimits.MaxFiles = 100
	p.PatchLimits.MaxLinesAdded = 100_000
	p.PatchLimits.MaxLinesRemoved = 100_000
	p.PatchLimits.MaxDiffBytes = 100_000_000
	e := newTestEngine(t, p)

	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString(diffFor(fmt.Sprintf("pkg/f%02d.go", i), 100, 50))
	}
	d := e.EvaluatePatch(b.String())
	if d.DangerScore != 100 {
		t.Errorf("expected score clamped to 100, got %d", d.DangerScore)
	}
}

func TestParseDiffCounts(t *testing.T) {
	diff := diffFor("a/b.go", 3, 2) + diffFor("z.go", 1, 0)
	parsed, ok := ParseDiff(diff)
	if !ok {
		t.Fatal("expected diff to parse")
	}
	if want := []string{"a/b.go", "z.go"}; !reflect.DeepEqual(parsed.Files, want) {
		t.Errorf("files = %v, want %v", parsed.Files, want)
	}
	if parsed.LinesAdded != 4 || parsed.LinesRemoved != 2 {
		t.Errorf("lines = +%d/-%d, want +4/-2", parsed.LinesAdded, parsed.LinesRemoved)
	}
	if parsed.FileLinesAdded("a/b.go") != 3 {
		t.Errorf("per-file added = %d, want 3", parsed.FileLinesAdded("a/b.go"))
	}
	if parsed.Bytes != len(diff) {
		t.Errorf("bytes = %d, want %d", parsed.Bytes, len(diff))
	}
}
