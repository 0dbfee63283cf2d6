package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"openrabbit/internal/diff"
	"openrabbit/internal/llm"
)

// renderBudget caps the diff text sent to the summary call; huge PRs get the
// head of the diff plus a file listing rather than the full text.
const renderBudget = 60_000

// runSummary is S1: one cheap call over the whole diff yielding a prose
// summary and a risk grade that steers the later stages.
func runSummary(ctx context.Context, rc *ReviewContext, client llm.Client) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pull request: %s (%d files)\n\n", rc.Task.Repo, len(rc.Files))
	for _, fd := range rc.Files {
		fmt.Fprintf(&sb, "%s %s (+%d/-%d)\n", fd.Status, fd.Path, fd.Additions, fd.Deletions)
	}
	sb.WriteString("\n")

	rendered := diff.RenderAll(rc.Files)
	if len(rendered) > renderBudget {
		rendered = rendered[:renderBudget] + "\n[diff truncated]"
	}
	sb.WriteString(rendered)

	resp, err := rc.complete(ctx, client, "summary", llm.TierCheap, summarySystemPrompt, sb.String())
	if err != nil {
		return err
	}

	var out struct {
		Summary string `json:"summary"`
		Risk    string `json:"risk"`
	}
	if err := parseJSONBlock(resp.Text, &out); err != nil {
		slog.Debug("summary response not json, using raw text", "error", err)
		rc.Summary = strings.TrimSpace(resp.Text)
		rc.Risk = "medium"
		return nil
	}
	rc.Summary = out.Summary
	switch out.Risk {
	case "low", "medium", "high":
		rc.Risk = out.Risk
	default:
		rc.Risk = "medium"
	}
	return nil
}
