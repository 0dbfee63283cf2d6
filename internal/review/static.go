package review

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
)

// analyzerCommands maps a language to an external analyzer invoked per file.
// Commands must emit gcc-style "file:line:col: message" lines. A language
// without an entry simply skips S0.
var analyzerCommands = map[string][]string{
	"python":     {"ruff", "check", "--output-format", "concise"},
	"javascript": {"eslint", "--format", "unix"},
	"typescript": {"eslint", "--format", "unix"},
	"bash":       {"shellcheck", "--format", "gcc"},
	"ruby":       {"rubocop", "--format", "emacs"},
}

// gcc-style diagnostic: path:line[:col]: message
var diagnosticRe = regexp.MustCompile(`^(.+?):(\d+)(?::\d+)?:\s*(.+)$`)

// Analyzer runs external static analyzers over fetched file content in an
// isolated per-review directory.
type Analyzer struct {
	Timeout time.Duration
}

// FileFetcher resolves file content at a commit; the forge client provides it.
type FileFetcher interface {
	FetchFileAtRef(ctx context.Context, owner, repo, path, ref string) (string, error)
}

// Run executes S0 for every reviewable file with a known analyzer. Findings
// whose line falls outside the changed hunks are discarded; a failing
// analyzer is logged and skipped, never fatal.
func (a *Analyzer) Run(ctx context.Context, rc *ReviewContext, fetcher FileFetcher) []*domain.Finding {
	dir, err := os.MkdirTemp("", "openrabbit-s0-*")
	if err != nil {
		slog.Warn("static analysis temp dir failed", "error", err)
		return nil
	}
	defer os.RemoveAll(dir)

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var findings []*domain.Finding
	for i := range rc.Files {
		fd := &rc.Files[i]
		if fd.Binary || fd.Status == diff.StatusRemoved {
			continue
		}
		cmd, ok := analyzerCommands[fd.Language]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return findings
		}

		content, err := fetcher.FetchFileAtRef(ctx, rc.Owner, rc.Repo, fd.Path, rc.Task.HeadSHA)
		if err != nil {
			slog.Warn("fetch for static analysis failed", "error", err, "path", fd.Path)
			continue
		}
		local := filepath.Join(dir, strings.ReplaceAll(fd.Path, "/", "__"))
		if err := os.WriteFile(local, []byte(content), 0o600); err != nil {
			slog.Warn("write for static analysis failed", "error", err, "path", fd.Path)
			continue
		}

		out := a.runAnalyzer(ctx, cmd, local, timeout)
		for _, raw := range parseDiagnostics(out) {
			if !diff.InChangedRange(*fd, raw.line) {
				continue
			}
			findings = append(findings, &domain.Finding{
				ID:         uuid.NewString(),
				Path:       fd.Path,
				StartLine:  raw.line,
				EndLine:    raw.line,
				Severity:   domain.SeverityLow,
				Category:   domain.CategoryDefect,
				Title:      "static analysis",
				Body:       raw.message,
				Confidence: 0.8,
			})
		}
	}
	return findings
}

func (a *Analyzer) runAnalyzer(ctx context.Context, argv []string, path string, timeout time.Duration) []byte {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, argv[1:]...), path)
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	cmd.Dir = filepath.Dir(path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	// Analyzers exit non-zero when they find anything; only log when we got
	// no output at all.
	if err := cmd.Run(); err != nil && stdout.Len() == 0 {
		slog.Debug("analyzer produced no output", "analyzer", argv[0], "error", err)
	}
	return stdout.Bytes()
}

type diagnostic struct {
	line    int
	message string
}

func parseDiagnostics(out []byte) []diagnostic {
	var diags []diagnostic
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := diagnosticRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil || line <= 0 {
			continue
		}
		diags = append(diags, diagnostic{line: line, message: strings.TrimSpace(m[3])})
	}
	return diags
}
