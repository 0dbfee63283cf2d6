package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"openrabbit/internal/config"
	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
	"openrabbit/internal/llm"
	"openrabbit/internal/reverr"
)

// modelFinding is the wire shape the defect and style prompts ask for.
type modelFinding struct {
	Line       int     `json:"line"`
	EndLine    int     `json:"end_line"`
	Severity   string  `json:"severity"`
	Category   string  `json:"category"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Suggestion string  `json:"suggestion"`
	Confidence float64 `json:"confidence"`
}

// runDefects is S2. Security-sensitive paths and many-hunk files get one
// capable-model call over the whole file diff; everything else gets a cheap
// call per hunk. Calls fan out under the shared model concurrency limit.
func runDefects(ctx context.Context, rc *ReviewContext, client llm.Client, cfg config.ReviewConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(cfg.ModelConcurrency))

	for i := range rc.Files {
		fd := &rc.Files[i]
		if fd.Binary || fd.Status == diff.StatusRemoved || len(fd.Hunks) == 0 {
			continue
		}

		if isSecurityPath(fd.Path, cfg.SecurityPaths) || len(fd.Hunks) > cfg.FileReviewHunks {
			g.Go(func() error {
				return defectCall(gctx, rc, client, fd, diff.Render(*fd), llm.TierCapable)
			})
			continue
		}
		for j := range fd.Hunks {
			h := &fd.Hunks[j]
			g.Go(func() error {
				return defectCall(gctx, rc, client, fd, renderHunk(fd, h), llm.TierCheap)
			})
		}
	}

	err := g.Wait()
	// A ceiling hit truncates the stage; whatever findings landed are kept.
	if reverr.KindOf(err) == reverr.KindCostCeiling {
		slog.Info("defect stage truncated by budget", "repo", rc.Task.Repo, "pr", rc.Task.PRNumber)
		return nil
	}
	return err
}

func defectCall(ctx context.Context, rc *ReviewContext, client llm.Client, fd *diff.FileDiff, text string, tier llm.Tier) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s (%s)\n", fd.Path, fd.Language)
	if rule, ok := rc.RepoCfg.Review.LanguageRules[fd.Language]; ok {
		fmt.Fprintf(&sb, "Repository rule for %s: %s\n", fd.Language, rule)
	}
	sb.WriteString("\n")
	sb.WriteString(text)

	resp, err := rc.complete(ctx, client, "defects", tier, defectSystemPrompt, sb.String())
	if err != nil {
		return err
	}

	var raw []modelFinding
	if err := parseJSONBlock(resp.Text, &raw); err != nil {
		slog.Debug("unparseable defect response", "path", fd.Path, "error", err)
		return nil
	}
	rc.AddFindings(convertFindings(raw, fd, domain.CategoryDefect)...)
	return nil
}

// convertFindings validates model output against the parsed diff. Lines the
// model invented map to position 0 and get dropped later; everything else is
// normalized here.
func convertFindings(raw []modelFinding, fd *diff.FileDiff, fallback domain.Category) []*domain.Finding {
	var out []*domain.Finding
	for _, mf := range raw {
		if mf.Line <= 0 || mf.Body == "" {
			continue
		}
		end := mf.EndLine
		if end < mf.Line {
			end = mf.Line
		}
		f := &domain.Finding{
			ID:         uuid.NewString(),
			Path:       fd.Path,
			StartLine:  mf.Line,
			EndLine:    end,
			Severity:   normalizeSeverity(mf.Severity),
			Category:   normalizeCategory(mf.Category, fallback),
			Title:      mf.Title,
			Body:       mf.Body,
			Suggestion: mf.Suggestion,
			Confidence: mf.Confidence,
		}
		if f.Confidence <= 0 || f.Confidence > 1 {
			f.Confidence = 0.5
		}
		out = append(out, f)
	}
	return out
}

func normalizeSeverity(s string) domain.Severity {
	switch domain.Severity(strings.ToLower(s)) {
	case domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow, domain.SeverityInfo:
		return domain.Severity(strings.ToLower(s))
	default:
		return domain.SeverityMedium
	}
}

func normalizeCategory(s string, fallback domain.Category) domain.Category {
	switch domain.Category(strings.ToLower(s)) {
	case domain.CategoryDefect, domain.CategorySecurity, domain.CategoryStyle,
		domain.CategoryPerformance, domain.CategoryDocs, domain.CategoryBreakingChange:
		return domain.Category(strings.ToLower(s))
	default:
		return fallback
	}
}

func isSecurityPath(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// renderHunk serializes one hunk with its file header for a per-hunk call.
func renderHunk(fd *diff.FileDiff, h *diff.Hunk) string {
	single := *fd
	single.Hunks = []diff.Hunk{*h}
	return diff.Render(single)
}
