package diff

// LineToPosition maps new-file line numbers to diff positions for one file.
// Only added and context lines appear: removed lines have no new-file line
// and are never commentable.
func LineToPosition(fd FileDiff) map[int]int {
	m := make(map[int]int)
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			if l.Kind == LineRemoved || l.NewLine == 0 {
				continue
			}
			m[l.NewLine] = l.Position
		}
	}
	return m
}

// SameHunk reports whether both new-file line numbers are commentable lines
// of the same hunk. Multi-line comments whose range straddles a hunk boundary
// are rejected by the forge; the validator stays conservative.
func SameHunk(fd FileDiff, startLine, endLine int) bool {
	for _, h := range fd.Hunks {
		foundStart, foundEnd := false, false
		for _, l := range h.Lines {
			if l.Kind == LineRemoved || l.NewLine == 0 {
				continue
			}
			if l.NewLine == startLine {
				foundStart = true
			}
			if l.NewLine == endLine {
				foundEnd = true
			}
		}
		if foundStart && foundEnd {
			return true
		}
	}
	return false
}

// ChangedRanges returns the inclusive new-file line ranges covered by added
// lines, per hunk. Static-analysis findings outside these ranges are noise
// about pre-existing code and get discarded.
func ChangedRanges(fd FileDiff) [][2]int {
	var ranges [][2]int
	for _, h := range fd.Hunks {
		start, end := 0, 0
		for _, l := range h.Lines {
			if l.Kind != LineAdded {
				if start != 0 {
					ranges = append(ranges, [2]int{start, end})
					start, end = 0, 0
				}
				continue
			}
			if start == 0 {
				start = l.NewLine
			}
			end = l.NewLine
		}
		if start != 0 {
			ranges = append(ranges, [2]int{start, end})
		}
	}
	return ranges
}

// InChangedRange reports whether the new-file line falls inside any added range.
func InChangedRange(fd FileDiff, line int) bool {
	for _, r := range ChangedRanges(fd) {
		if line >= r[0] && line <= r[1] {
			return true
		}
	}
	return false
}
