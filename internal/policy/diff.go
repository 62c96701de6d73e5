package policy

import (
	"bufio"
	"sort"
	"strings"
)

// ParsedDiff is the summary the engine evaluates instead of raw diff text.
type ParsedDiff struct {
	Files        []string
	LinesAdded   int
	LinesRemoved int
	Bytes        int
	AddedLines   []string

	added   map[string]int
	removed map[string]int
}

// FileLinesAdded returns the added-line count for one file.
func (d *ParsedDiff) FileLinesAdded(path string) int {
	return d.added[path]
}

// FileLinesRemoved returns the removed-line count for one file.
func (d *ParsedDiff) FileLinesRemoved(path string) int {
	return d.removed[path]
}

// ParseDiff scans a unified diff and extracts the touched file paths and
// line counts. Returns ok=false when the text contains no recognizable
// file headers, which the engine treats as a malformed diff.
func ParseDiff(text string) (*ParsedDiff, bool) {
	d := &ParsedDiff{
		Bytes:   len(text),
		added:   map[string]int{},
		removed: map[string]int{},
	}
	if strings.TrimSpace(text) == "" {
		return d, false
	}

	current := ""
	seen := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			if path := targetFromGitHeader(line); path != "" {
				current = path
				seen[current] = true
			}
		case strings.HasPrefix(line, "+++ "):
			if path := targetFromFileHeader(line); path != "" {
				current = path
				seen[current] = true
			}
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			d.LinesAdded++
			d.AddedLines = append(d.AddedLines, line[1:])
			if current != "" {
				d.added[current]++
			}
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			d.LinesRemoved++
			if current != "" {
				d.removed[current]++
			}
		}
	}
	if len(seen) == 0 {
		return d, false
	}

	d.Files = make([]string, 0, len(seen))
	for f := range seen {
		d.Files = append(d.Files, f)
	}
	sort.Strings(d.Files)
	return d, true
}

// targetFromGitHeader pulls the new-side path out of "diff --git a/x b/y".
func targetFromGitHeader(line string) string {
	idx := strings.Index(line, " b/")
	if idx < 0 {
		return ""
	}
	return NormalizePath(line[idx+3:])
}

// targetFromFileHeader pulls the path out of "+++ b/y" headers.
// "+++ /dev/null" means a deleted file and yields no path.
func targetFromFileHeader(line string) string {
	target := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
	if target == "/dev/null" || target == "" {
		return ""
	}
	target = strings.TrimPrefix(target, "b/")
	return NormalizePath(target)
}

// NormalizePath makes diff and plan paths comparable to policy globs.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.TrimSpace(p)
}
