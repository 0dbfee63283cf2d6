package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"openrabbit/internal/config"
	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
	"openrabbit/internal/llm"
	"openrabbit/internal/reverr"
)

// styleOverlapLines is how close a style remark may sit to an existing defect
// finding before it is considered noise and dropped.
const styleOverlapLines = 3

// runStyle is S4: cheap per-hunk style calls, skipped entirely when the repo
// config disables style review. Remarks overlapping an S2 finding are dropped.
func runStyle(ctx context.Context, rc *ReviewContext, client llm.Client, cfg config.ReviewConfig) error {
	if !rc.RepoCfg.StyleEnabled() {
		slog.Debug("style stage disabled by repo config", "repo", rc.Task.Repo)
		return nil
	}

	defectLines := make(map[string][]int)
	for _, f := range rc.Findings() {
		defectLines[f.Path] = append(defectLines[f.Path], f.StartLine)
	}

	prompt := styleSystemPrompt
	if g := rc.RepoCfg.Review.CustomGuidelines; g != "" {
		prompt += "\nRepository guidelines:\n" + g
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(cfg.ModelConcurrency))

	for i := range rc.Files {
		fd := &rc.Files[i]
		if fd.Binary || fd.Status == diff.StatusRemoved {
			continue
		}
		for j := range fd.Hunks {
			h := &fd.Hunks[j]
			g.Go(func() error {
				return styleCall(gctx, rc, client, prompt, fd, h, defectLines[fd.Path])
			})
		}
	}

	err := g.Wait()
	if reverr.KindOf(err) == reverr.KindCostCeiling {
		slog.Info("style stage truncated by budget", "repo", rc.Task.Repo, "pr", rc.Task.PRNumber)
		return nil
	}
	return err
}

func styleCall(ctx context.Context, rc *ReviewContext, client llm.Client, prompt string, fd *diff.FileDiff, h *diff.Hunk, taken []int) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s (%s)\n\n", fd.Path, fd.Language)
	sb.WriteString(renderHunk(fd, h))

	resp, err := rc.complete(ctx, client, "style", llm.TierCheap, prompt, sb.String())
	if err != nil {
		return err
	}

	var raw []modelFinding
	if err := parseJSONBlock(resp.Text, &raw); err != nil {
		slog.Debug("unparseable style response", "path", fd.Path, "error", err)
		return nil
	}

	var kept []*domain.Finding
	for _, f := range convertFindings(raw, fd, domain.CategoryStyle) {
		if f.Severity != domain.SeverityLow && f.Severity != domain.SeverityInfo {
			f.Severity = domain.SeverityLow
		}
		if overlapsAny(f.StartLine, taken) {
			continue
		}
		kept = append(kept, f)
	}
	rc.AddFindings(kept...)
	return nil
}

func overlapsAny(line int, taken []int) bool {
	for _, t := range taken {
		if line >= t-styleOverlapLines && line <= t+styleOverlapLines {
			return true
		}
	}
	return false
}
