package review

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"openrabbit/internal/config"
	"openrabbit/internal/domain"
	"openrabbit/internal/llm"
	"openrabbit/internal/reverr"
)

// runSynthesis is S5: deterministic pruning first, then one optional cheap
// model call to pare the survivors when there are still too many to post.
func runSynthesis(ctx context.Context, rc *ReviewContext, client llm.Client, cfg config.ReviewConfig) {
	findings := rc.Findings()

	threshold := cfg.SeverityThreshold
	if rc.RepoCfg.Review.SeverityThreshold != "" {
		threshold = rc.RepoCfg.Review.SeverityThreshold
	}
	maxRank := domain.Severity(threshold).Rank()

	// Map lines to diff positions; anything unmappable cannot be posted
	// inline and is dropped here rather than bounced by the forge.
	byPath := make(map[string][]*domain.Finding)
	for _, f := range findings {
		f.Position = rc.Positions[f.Path][f.StartLine]
		if f.Position == 0 {
			slog.Debug("dropping unmappable finding", "path", f.Path, "line", f.StartLine)
			continue
		}
		if f.Severity.Rank() > maxRank {
			continue
		}
		byPath[f.Path] = append(byPath[f.Path], f)
	}

	// Findings with overlapping line ranges in the same file are one issue
	// seen by several stages; the best of each cluster survives.
	var kept []*domain.Finding
	for _, fs := range byPath {
		sort.Slice(fs, func(i, j int) bool { return fs[i].StartLine < fs[j].StartLine })
		best, end := fs[0], rangeEnd(fs[0])
		for _, f := range fs[1:] {
			if f.StartLine <= end {
				if e := rangeEnd(f); e > end {
					end = e
				}
				if outranks(f, best) {
					best = f
				}
				continue
			}
			kept = append(kept, best)
			best, end = f, rangeEnd(f)
		}
		kept = append(kept, best)
	}

	sortFindings(kept)

	if len(kept) > cfg.PareThreshold {
		kept = pareFindings(ctx, rc, client, kept)
	}
	if len(kept) > cfg.MaxFindings {
		kept = kept[:cfg.MaxFindings]
	}

	rc.SetFindings(kept)
}

// pareFindings asks the cheap model which findings to keep. Any failure keeps
// the deterministic ordering untouched.
func pareFindings(ctx context.Context, rc *ReviewContext, client llm.Client, findings []*domain.Finding) []*domain.Finding {
	var sb strings.Builder
	for i, f := range findings {
		fmt.Fprintf(&sb, "%d. [%s/%s] %s:%d %s: %s\n", i, f.Severity, f.Category, f.Path, f.StartLine, f.Title, firstLine(f.Body))
	}

	resp, err := rc.complete(ctx, client, "pare", llm.TierCheap, pareSystemPrompt, sb.String())
	if err != nil {
		if reverr.KindOf(err) != reverr.KindCostCeiling {
			slog.Warn("pare call failed, keeping full set", "error", err)
		}
		return findings
	}

	var keep []int
	if err := parseJSONBlock(resp.Text, &keep); err != nil || len(keep) == 0 {
		return findings
	}

	var pared []*domain.Finding
	for _, i := range keep {
		if i >= 0 && i < len(findings) {
			pared = append(pared, findings[i])
		}
	}
	if len(pared) == 0 {
		return findings
	}
	sortFindings(pared)
	return pared
}

func rangeEnd(f *domain.Finding) int {
	if f.EndLine > f.StartLine {
		return f.EndLine
	}
	return f.StartLine
}

// outranks reports whether a beats b: higher severity first, confidence
// breaking ties.
func outranks(a, b *domain.Finding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() < b.Severity.Rank()
	}
	return a.Confidence > b.Confidence
}

// sortFindings orders by severity, then path, then line, so the review reads
// top down from most serious to least.
func sortFindings(fs []*domain.Finding) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Severity.Rank() != fs[j].Severity.Rank() {
			return fs[i].Severity.Rank() < fs[j].Severity.Rank()
		}
		if fs[i].Path != fs[j].Path {
			return fs[i].Path < fs[j].Path
		}
		return fs[i].StartLine < fs[j].StartLine
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
