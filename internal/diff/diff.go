// Package diff parses unified diff text into a structured file/hunk/line
// model and computes the forge's diff-position coordinate for every
// commentable line. The position counter is the load-bearing part: a comment
// posted at the wrong position is rejected by the forge with a 422.
package diff

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// LineKind classifies one line of a hunk.
type LineKind string

const (
	LineAdded   LineKind = "added"
	LineRemoved LineKind = "removed"
	LineContext LineKind = "context"
)

// FileStatus classifies one file of a diff.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusRemoved  FileStatus = "removed"
	StatusRenamed  FileStatus = "renamed"
)

// Line is a single line within a diff hunk.
type Line struct {
	Content string   `json:"content"`
	Kind    LineKind `json:"kind"`
	OldLine int      `json:"old_line"` // 0 for added lines
	NewLine int      `json:"new_line"` // 0 for removed lines

	// Position is the forge's 1-indexed ordinal within this file's slice of
	// the diff. The hunk header is counted; positions cumulate across hunks
	// of one file and reset at each file boundary.
	Position int `json:"position"`
}

// Hunk is an @@-block within a file diff.
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldCount int    `json:"old_count"`
	NewStart int    `json:"new_start"`
	NewCount int    `json:"new_count"`
	Header   string `json:"header"`  // raw @@ line
	Section  string `json:"section"` // enclosing-symbol label from the header's trailing text
	Lines    []Line `json:"lines"`
}

// FileDiff is one file's slice of a unified diff.
type FileDiff struct {
	Path      string     `json:"path"`     // new path (after rename if applicable)
	OldPath   string     `json:"old_path"` // set only when renamed
	Status    FileStatus `json:"status"`
	Language  string     `json:"language"` // empty when the extension is unknown
	Binary    bool       `json:"binary"`
	Hunks     []Hunk     `json:"hunks"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// Matches: @@ -10,5 +10,7 @@ optional section heading
var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

var gitHeaderRe = regexp.MustCompile(`^diff --git a/(.*) b/(.*)$`)

// Parse converts unified diff text into an ordered sequence of FileDiffs.
//
// Handled shapes: modified files, new files (--- /dev/null), deleted files
// (+++ /dev/null), renames with or without content changes, binary files
// ("Binary files ... differ"), multi-hunk files with cumulative positions,
// and "\ No newline at end of file" markers (consumed, no position).
//
// A file with a malformed hunk header is dropped with a logged reason; the
// remaining files parse normally. Empty input yields an empty slice.
func Parse(text string) []FileDiff {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var files []FileDiff
	var cur *FileDiff
	var hunk *Hunk
	var position, oldLine, newLine int
	badFile := false

	flush := func() {
		if cur == nil {
			return
		}
		if hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
			hunk = nil
		}
		if badFile {
			slog.Warn("dropping unparseable file diff", "path", cur.Path)
		} else {
			files = append(files, *cur)
		}
		cur = nil
		badFile = false
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			fd := FileDiff{Status: StatusModified}
			if m := gitHeaderRe.FindStringSubmatch(line); m != nil {
				fd.Path = m[2]
				if m[1] != m[2] {
					fd.OldPath = m[1]
					fd.Status = StatusRenamed
				}
			} else {
				fd.Path = line
			}
			fd.Language = DetectLanguage(fd.Path)
			cur = &fd
			position = 0
			continue
		}

		if cur == nil || badFile {
			continue
		}

		// File metadata lines appear before the first hunk.
		if hunk == nil && len(cur.Hunks) == 0 {
			switch {
			case strings.HasPrefix(line, "new file mode"):
				cur.Status = StatusAdded
				continue
			case strings.HasPrefix(line, "deleted file mode"):
				cur.Status = StatusRemoved
				continue
			case strings.HasPrefix(line, "similarity index"), strings.HasPrefix(line, "rename from"):
				cur.Status = StatusRenamed
				continue
			case strings.HasPrefix(line, "rename to"):
				continue
			case strings.HasPrefix(line, "Binary files"), strings.HasPrefix(line, "GIT binary patch"):
				cur.Binary = true
				continue
			case line == "--- /dev/null":
				cur.Status = StatusAdded
				continue
			case line == "+++ /dev/null":
				cur.Status = StatusRemoved
				continue
			case strings.HasPrefix(line, "+++ b/"):
				// Authoritative new path; git headers with spaces in names
				// can defeat the diff --git regex.
				cur.Path = strings.TrimPrefix(line, "+++ b/")
				cur.Language = DetectLanguage(cur.Path)
				continue
			case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "index "),
				strings.HasPrefix(line, "old mode"), strings.HasPrefix(line, "new mode"),
				strings.HasPrefix(line, "dissimilarity index"):
				continue
			}
		}

		if strings.HasPrefix(line, "@@") {
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil {
				badFile = true
				continue
			}
			if hunk != nil {
				cur.Hunks = append(cur.Hunks, *hunk)
			}
			// The header itself occupies a position.
			position++
			h := Hunk{
				OldStart: atoi(m[1]),
				OldCount: atoiDefault(m[2], 1),
				NewStart: atoi(m[3]),
				NewCount: atoiDefault(m[4], 1),
				Header:   line,
				Section:  strings.TrimSpace(m[5]),
			}
			hunk = &h
			oldLine = h.OldStart - 1
			newLine = h.NewStart - 1
			continue
		}

		if hunk == nil {
			continue
		}

		if strings.HasPrefix(line, `\ No newline at end of file`) {
			continue
		}
		// Valid body lines always start with '+', '-' or ' '; bare empty
		// lines come from trailing splits and are not part of the diff.
		if line == "" {
			continue
		}

		position++

		switch line[0] {
		case '+':
			newLine++
			hunk.Lines = append(hunk.Lines, Line{
				Content:  line[1:],
				Kind:     LineAdded,
				NewLine:  newLine,
				Position: position,
			})
			cur.Additions++
		case '-':
			oldLine++
			hunk.Lines = append(hunk.Lines, Line{
				Content:  line[1:],
				Kind:     LineRemoved,
				OldLine:  oldLine,
				Position: position,
			})
			cur.Deletions++
		default:
			oldLine++
			newLine++
			content := line
			if line[0] == ' ' {
				content = line[1:]
			}
			hunk.Lines = append(hunk.Lines, Line{
				Content:  content,
				Kind:     LineContext,
				OldLine:  oldLine,
				NewLine:  newLine,
				Position: position,
			})
		}
	}

	flush()
	return files
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}
