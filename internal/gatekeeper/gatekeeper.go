// Package gatekeeper decides, before anything is enqueued, whether a pull
// request event deserves a review and which lane it belongs to. The filter is
// deterministic and performs no I/O; rules fire in a fixed order and the
// first match wins.
package gatekeeper

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"openrabbit/internal/metrics"
)

// Lane is the queue lane a decision routes to.
type Lane string

const (
	LaneFast Lane = "fast"
	LaneSlow Lane = "slow"
	LaneSkip Lane = "skip"
)

// botLogins are well-known automation accounts whose PRs are never reviewed.
// Any login ending in "[bot]" is treated the same way.
var botLogins = map[string]struct{}{
	"dependabot[bot]":                  {},
	"dependabot-preview[bot]":          {},
	"renovate[bot]":                    {},
	"snyk-bot":                         {},
	"github-actions[bot]":              {},
	"imgbot[bot]":                      {},
	"whitesource-bolt-for-github[bot]": {},
	"semantic-release-bot":             {},
	"allcontributors[bot]":             {},
}

// noReviewPatterns match file basenames that carry no reviewable code:
// documentation, media, lockfiles, build artifacts, IDE config.
var noReviewPatterns = []string{
	"*.md", "*.rst", "*.txt", "*.adoc", "*.wiki",
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.ico", "*.webp",
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "*.lock", "*.sum",
	"Cargo.lock", "poetry.lock", "Gemfile.lock", "composer.lock", "packages.lock.json",
	"*.min.js", "*.min.css", "*.map",
	".gitignore", ".gitattributes", ".editorconfig", "*.iml",
}

var vendorDirs = map[string]struct{}{
	"vendor":       {},
	"node_modules": {},
	".git":         {},
	"__pycache__":  {},
	"dist":         {},
	"build":        {},
}

// Event is the slice of a pull-request webhook payload the filter needs.
type Event struct {
	AuthorLogin string
	Labels      []string
	Draft       bool
}

// Options carries the configurable knobs plus per-repo ignore patterns.
type Options struct {
	SkipLabel        string
	LargePRThreshold int

	// IgnorePatterns are repo-supplied doublestar globs matched against the
	// full path, on top of the built-in basename patterns.
	IgnorePatterns []string
}

// Decision is the filter outcome. Reason names the triggering rule for logs.
type Decision struct {
	Admit  bool
	Reason string
	Lane   Lane
}

// Evaluate applies the ordered rules to one event. changedPaths may be nil
// when the path list was not retrievable; file-based rules are then skipped.
func Evaluate(ev Event, changedPaths []string, opts Options) Decision {
	d, rule := evaluate(ev, changedPaths, opts)
	metrics.GatekeeperDecisions.WithLabelValues(string(d.Lane), rule).Inc()
	slog.Info("gatekeeper decision", "lane", d.Lane, "rule", rule, "reason", d.Reason)
	return d
}

func evaluate(ev Event, changedPaths []string, opts Options) (Decision, string) {
	if opts.SkipLabel == "" {
		opts.SkipLabel = "skip-ai-review"
	}
	if opts.LargePRThreshold <= 0 {
		opts.LargePRThreshold = 50
	}

	if _, known := botLogins[ev.AuthorLogin]; known || strings.HasSuffix(ev.AuthorLogin, "[bot]") {
		return Decision{Admit: false, Reason: "bot pr from " + ev.AuthorLogin, Lane: LaneSkip}, "bot_author"
	}

	for _, l := range ev.Labels {
		if l == opts.SkipLabel {
			return Decision{Admit: false, Reason: opts.SkipLabel + " label present", Lane: LaneSkip}, "skip_label"
		}
	}

	if ev.Draft {
		return Decision{Admit: false, Reason: "draft pr", Lane: LaneSkip}, "draft"
	}

	if changedPaths != nil {
		reviewable := ReviewableFiles(changedPaths, opts.IgnorePatterns)
		if len(reviewable) == 0 {
			return Decision{
				Admit:  false,
				Reason: fmt.Sprintf("all %d files match no-review patterns", len(changedPaths)),
				Lane:   LaneSkip,
			}, "no_reviewable_files"
		}

		if len(changedPaths) > opts.LargePRThreshold {
			return Decision{
				Admit:  true,
				Reason: fmt.Sprintf("large pr: %d files", len(changedPaths)),
				Lane:   LaneSlow,
			}, "large_pr"
		}

		return Decision{
			Admit:  true,
			Reason: fmt.Sprintf("reviewable pr: %d code files", len(reviewable)),
			Lane:   LaneFast,
		}, "default"
	}

	return Decision{Admit: true, Reason: "no file list", Lane: LaneFast}, "default"
}

// ReviewableFiles drops paths matching the built-in basename patterns, the
// vendor directory set, and any repo-supplied full-path globs.
func ReviewableFiles(changedPaths, ignorePatterns []string) []string {
	var reviewable []string

next:
	for _, p := range changedPaths {
		base := path.Base(p)
		for _, pattern := range noReviewPatterns {
			if ok, _ := doublestar.Match(pattern, base); ok {
				continue next
			}
		}
		for _, part := range strings.Split(p, "/") {
			if _, ok := vendorDirs[part]; ok {
				continue next
			}
		}
		for _, pattern := range ignorePatterns {
			if ok, _ := doublestar.Match(pattern, p); ok {
				continue next
			}
		}
		reviewable = append(reviewable, p)
	}
	return reviewable
}
