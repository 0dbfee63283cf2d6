package diff

import "strings"

// Render serializes a FileDiff back to unified diff text. Parse(Render(fd))
// yields the same FileDiff, which keeps cached diffs and test fixtures honest.
func Render(fd FileDiff) string {
	var sb strings.Builder

	oldPath := fd.Path
	if fd.OldPath != "" {
		oldPath = fd.OldPath
	}
	sb.WriteString("diff --git a/" + oldPath + " b/" + fd.Path + "\n")

	switch fd.Status {
	case StatusAdded:
		sb.WriteString("new file mode 100644\n")
	case StatusRemoved:
		sb.WriteString("deleted file mode 100644\n")
	case StatusRenamed:
		sb.WriteString("rename from " + oldPath + "\n")
		sb.WriteString("rename to " + fd.Path + "\n")
	}

	if fd.Binary {
		sb.WriteString("Binary files a/" + oldPath + " and b/" + fd.Path + " differ\n")
		return sb.String()
	}

	if len(fd.Hunks) > 0 {
		switch fd.Status {
		case StatusAdded:
			sb.WriteString("--- /dev/null\n")
			sb.WriteString("+++ b/" + fd.Path + "\n")
		case StatusRemoved:
			sb.WriteString("--- a/" + oldPath + "\n")
			sb.WriteString("+++ /dev/null\n")
		default:
			sb.WriteString("--- a/" + oldPath + "\n")
			sb.WriteString("+++ b/" + fd.Path + "\n")
		}
	}

	for _, h := range fd.Hunks {
		sb.WriteString(h.Header + "\n")
		for _, l := range h.Lines {
			switch l.Kind {
			case LineAdded:
				sb.WriteString("+" + l.Content + "\n")
			case LineRemoved:
				sb.WriteString("-" + l.Content + "\n")
			default:
				sb.WriteString(" " + l.Content + "\n")
			}
		}
	}

	return sb.String()
}

// RenderAll serializes a sequence of FileDiffs into one diff text.
func RenderAll(fds []FileDiff) string {
	var sb strings.Builder
	for _, fd := range fds {
		sb.WriteString(Render(fd))
	}
	return sb.String()
}
