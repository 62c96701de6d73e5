package policy

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lucasnoah/fixfactory/internal/config"
)

// Engine evaluates plans and patches against a safety policy. It holds
// no mutable state: the same input and policy always produce the same
// decision, so gate outcomes can be stored and replayed for audit.
type Engine struct {
	policy  config.SafetyPolicy
	secrets []compiledSecret
}

type compiledSecret struct {
	pattern string
	re      *regexp.Regexp
}

// NewEngine compiles the policy's secret patterns and returns an engine.
func NewEngine(policy config.SafetyPolicy) (*Engine, error) {
	e := &Engine{policy: policy}
	for _, p := range policy.Secrets.ForbiddenPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile secret pattern %q: %w", p, err)
		}
		e.secrets = append(e.secrets, compiledSecret{pattern: p, re: re})
	}
	return e, nil
}

// EvaluatePlan checks a plan's target files against path rules and
// scores the planned change before any patch exists.
func (e *Engine) EvaluatePlan(targetFiles []string) Decision {
	var d Decision
	files := make([]string, 0, len(targetFiles))
	for _, f := range targetFiles {
		files = append(files, NormalizePath(f))
	}

	e.checkPaths(&d, files)
	e.scoreRiskyPaths(&d, files)
	e.scorePerFile(&d, len(files))

	return e.finalize(d)
}

// EvaluatePatch checks a unified diff against path rules, secret
// patterns, and size limits, in that order, and scores it.
func (e *Engine) EvaluatePatch(diff string) Decision {
	var d Decision
	parsed, ok := ParseDiff(diff)
	if !ok {
		d.Violations = append(d.Violations, Violation{
			Code:     "malformed_diff",
			Severity: SeverityBlock,
			Message:  "diff is empty or has no recognizable file headers",
		})
		return e.finalize(d)
	}

	e.checkPaths(&d, parsed.Files)
	e.checkSecrets(&d, parsed)
	e.checkLimits(&d, parsed)

	e.scoreRiskyPaths(&d, parsed.Files)
	e.scorePerFile(&d, len(parsed.Files))
	e.scoreLinesChanged(&d, parsed.LinesAdded+parsed.LinesRemoved)
	e.scoreDiffSize(&d, parsed.Bytes)

	return e.finalize(d)
}

// checkPaths applies the forbidden globs, then the allow list when one
// is configured. Forbidden wins over allowed.
func (e *Engine) checkPaths(d *Decision, files []string) {
	for _, f := range files {
		if glob, hit := matchAny(e.policy.Paths.Forbidden, f); hit {
			d.Violations = append(d.Violations, Violation{
				Code:     "forbidden_path",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("path %s matches forbidden pattern %s", f, glob),
				FilePath: f,
			})
			continue
		}
		if len(e.policy.Paths.Allowed) == 0 {
			continue
		}
		if _, hit := matchAny(e.policy.Paths.Allowed, f); !hit {
			d.Violations = append(d.Violations, Violation{
				Code:     "path_not_allowed",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("path %s matches no allowed pattern", f),
				FilePath: f,
			})
		}
	}
}

// checkSecrets scans added lines only. Context and removed lines can
// legitimately contain material being deleted.
func (e *Engine) checkSecrets(d *Decision, parsed *ParsedDiff) {
	for _, s := range e.secrets {
		for _, line := range parsed.AddedLines {
			if s.re.MatchString(line) {
				d.Violations = append(d.Violations, Violation{
					Code:     "secret_pattern",
					Severity: SeverityBlock,
					Message:  fmt.Sprintf("added line matches secret pattern %s", s.pattern),
				})
				break
			}
		}
	}
}

func (e *Engine) checkLimits(d *Decision, parsed *ParsedDiff) {
	lim := e.policy.PatchLimits
	if lim.MaxFiles > 0 && len(parsed.Files) > lim.MaxFiles {
		d.Violations = append(d.Violations, Violation{
			Code:     "max_files",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("diff touches %d files, limit is %d", len(parsed.Files), lim.MaxFiles),
		})
	}
	if lim.MaxLinesAdded > 0 && parsed.LinesAdded > lim.MaxLinesAdded {
		d.Violations = append(d.Violations, Violation{
			Code:     "max_lines_added",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("diff adds %d lines, limit is %d", parsed.LinesAdded, lim.MaxLinesAdded),
		})
	}
	if lim.MaxLinesRemoved > 0 && parsed.LinesRemoved > lim.MaxLinesRemoved {
		d.Violations = append(d.Violations, Violation{
			Code:     "max_lines_removed",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("diff removes %d lines, limit is %d", parsed.LinesRemoved, lim.MaxLinesRemoved),
		})
	}
	if lim.MaxDiffBytes > 0 && parsed.Bytes > lim.MaxDiffBytes {
		d.Violations = append(d.Violations, Violation{
			Code:     "max_diff_bytes",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("diff is %d bytes, limit is %d", parsed.Bytes, lim.MaxDiffBytes),
		})
	}
}

// scoreRiskyPaths adds each risky-path rule's weight at most once, no
// matter how many files match it.
func (e *Engine) scoreRiskyPaths(d *Decision, files []string) {
	for _, rule := range e.policy.Danger.RiskyPaths {
		for _, f := range files {
			if doublestar.MatchUnvalidated(rule.Glob, f) {
				msg := rule.Message
				if msg == "" {
					msg = fmt.Sprintf("touches risky path %s", rule.Glob)
				}
				d.DangerReasons = append(d.DangerReasons, DangerReason{
					Code:    "risky_path",
					Weight:  rule.Weight,
					Message: msg,
				})
				break
			}
		}
	}
}

func (e *Engine) scorePerFile(d *Decision, count int) {
	w := e.policy.Danger.Weights["per_file"]
	if w <= 0 || count == 0 {
		return
	}
	d.DangerReasons = append(d.DangerReasons, DangerReason{
		Code:    "file_count",
		Weight:  w * count,
		Message: fmt.Sprintf("%d files touched", count),
	})
}

// scoreLinesChanged charges per full 50-line bucket of total churn.
func (e *Engine) scoreLinesChanged(d *Decision, lines int) {
	w := e.policy.Danger.Weights["per_50_lines_changed"]
	buckets := lines / 50
	if w <= 0 || buckets == 0 {
		return
	}
	d.DangerReasons = append(d.DangerReasons, DangerReason{
		Code:    "lines_changed",
		Weight:  w * buckets,
		Message: fmt.Sprintf("%d lines changed", lines),
	})
}

// scoreDiffSize charges per full 10 KB bucket of diff text.
func (e *Engine) scoreDiffSize(d *Decision, bytes int) {
	w := e.policy.Danger.Weights["per_10kb_diff"]
	buckets := bytes / 10_000
	if w <= 0 || buckets == 0 {
		return
	}
	d.DangerReasons = append(d.DangerReasons, DangerReason{
		Code:    "diff_size",
		Weight:  w * buckets,
		Message: fmt.Sprintf("%d byte diff", bytes),
	})
}

// finalize sums the score, clamps it, and derives allowed and label.
func (e *Engine) finalize(d Decision) Decision {
	score := 0
	for _, r := range d.DangerReasons {
		score += r.Weight
	}
	if score > 100 {
		score = 100
	}
	d.DangerScore = score
	d.Allowed = len(d.BlockingViolations()) == 0
	if d.Allowed && score <= e.policy.Danger.SafeMax {
		d.Label = LabelSafe
	} else {
		d.Label = LabelNeedsReview
	}
	return d
}

func matchAny(globs []string, path string) (string, bool) {
	for _, g := range globs {
		if doublestar.MatchUnvalidated(g, path) {
			return g, true
		}
	}
	return "", false
}
