package review

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
	"openrabbit/internal/llm"
	"openrabbit/internal/reverr"
)

// CallSite is one place that calls a changed symbol.
type CallSite struct {
	Path    string
	Line    int
	Snippet string
}

// SymbolGraph resolves who calls a symbol within the indexed repository.
// Implementations are optional; cross-file analysis degrades to nothing
// without one.
type SymbolGraph interface {
	CallersOf(ctx context.Context, repoID int64, symbol string) ([]CallSite, error)
}

// VectorSearch retrieves semantically similar code for extra reviewer
// context. Optional, same as SymbolGraph.
type VectorSearch interface {
	SimilarCode(ctx context.Context, repoID int64, snippet string, limit int) ([]CallSite, error)
}

// Heuristic signature-change detector: a removed line declaring a function
// paired with an added declaration of the same name in the same hunk.
var signatureRe = regexp.MustCompile(`^\s*(?:func|def|function|fn|public|private|protected|static)[\s(]+.*?(\w+)\s*\(`)

// runCrossFile is S3. It only runs when the summary graded the change as
// high risk or a signature change was detected, and it needs an index: with
// no SymbolGraph wired the stage is a no-op.
func runCrossFile(ctx context.Context, rc *ReviewContext, client llm.Client, graph SymbolGraph, search VectorSearch) error {
	changed := changedSignatures(rc.Files)
	if rc.Risk != "high" && len(changed) == 0 {
		return nil
	}
	if graph == nil {
		slog.Debug("cross-file stage skipped, no symbol graph", "repo", rc.Task.Repo)
		return nil
	}

	for sym, fd := range changed {
		sites, err := graph.CallersOf(ctx, rc.Task.RepoID, sym)
		if err != nil {
			slog.Warn("caller lookup failed", "error", err, "symbol", sym)
			continue
		}
		if search != nil && len(sites) == 0 {
			sites, _ = search.SimilarCode(ctx, rc.Task.RepoID, sym, 5)
		}
		for _, site := range sites {
			if site.Path == fd.Path {
				continue
			}
			if err := crossFileCall(ctx, rc, client, sym, fd, site); err != nil {
				if reverr.KindOf(err) == reverr.KindCostCeiling {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

func crossFileCall(ctx context.Context, rc *ReviewContext, client llm.Client, sym string, fd *diff.FileDiff, site CallSite) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Changed symbol: %s\n\nDiff of the definition:\n%s\n", sym, diff.Render(*fd))
	fmt.Fprintf(&sb, "Call site %s:%d:\n%s\n", site.Path, site.Line, site.Snippet)

	resp, err := rc.complete(ctx, client, "crossfile", llm.TierCapable, crossFileSystemPrompt, sb.String())
	if err != nil {
		return err
	}

	var out struct {
		Breaks     bool    `json:"breaks"`
		Severity   string  `json:"severity"`
		Title      string  `json:"title"`
		Body       string  `json:"body"`
		Confidence float64 `json:"confidence"`
	}
	if err := parseJSONBlock(resp.Text, &out); err != nil || !out.Breaks {
		return nil
	}
	rc.AddFindings(&domain.Finding{
		ID:         uuid.NewString(),
		Path:       fd.Path,
		StartLine:  firstAddedLine(fd),
		EndLine:    firstAddedLine(fd),
		Severity:   normalizeSeverity(out.Severity),
		Category:   domain.CategoryBreakingChange,
		Title:      out.Title,
		Body:       fmt.Sprintf("%s\n\nAffected call site: %s:%d", out.Body, site.Path, site.Line),
		Confidence: out.Confidence,
	})
	return nil
}

// changedSignatures finds symbols whose declaration line was both removed and
// re-added within one hunk.
func changedSignatures(files []diff.FileDiff) map[string]*diff.FileDiff {
	out := make(map[string]*diff.FileDiff)
	for i := range files {
		fd := &files[i]
		for _, h := range fd.Hunks {
			removed := make(map[string]bool)
			for _, l := range h.Lines {
				m := signatureRe.FindStringSubmatch(l.Content)
				if m == nil {
					continue
				}
				switch l.Kind {
				case diff.LineRemoved:
					removed[m[1]] = true
				case diff.LineAdded:
					if removed[m[1]] {
						out[m[1]] = fd
					}
				}
			}
		}
	}
	return out
}

func firstAddedLine(fd *diff.FileDiff) int {
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			if l.Kind == diff.LineAdded {
				return l.NewLine
			}
		}
	}
	return 0
}
