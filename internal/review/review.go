// Package review runs the staged analysis pipeline over one pull request:
// static analyzers, a summary pass, per-hunk and per-file defect hunting,
// optional cross-file impact checks, style remarks, then synthesis and
// posting. Every stage degrades on its own; only a diff fetch or a total
// posting failure fails the task.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"openrabbit/internal/config"
	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
	"openrabbit/internal/gatekeeper"
	"openrabbit/internal/llm"
	"openrabbit/internal/metrics"
	"openrabbit/internal/queue"
	"openrabbit/internal/repocfg"
	"openrabbit/internal/reverr"
	"openrabbit/internal/store"
)

// Forge is the per-installation client surface the pipeline uses.
type Forge interface {
	Poster
	FetchDiff(ctx context.Context, owner, repo string, number int) (string, error)
	FetchRepoConfig(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// ForgeFactory builds a client authenticated for one installation.
type ForgeFactory func(installationID int64) (Forge, error)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	ThreadStore
	CreateReview(ctx context.Context, rev *domain.Review) (bool, error)
	GetReviewByKey(ctx context.Context, repoID int64, prNumber int, headSHA string) (*domain.Review, error)
	StartReview(ctx context.Context, id string) error
	SetReviewStage(ctx context.Context, id, stage string) error
	CompleteReview(ctx context.Context, id string, costCents int64, findings []*domain.Finding) error
}

// Orchestrator wires the stages together and is the queue handler for review
// tasks.
type Orchestrator struct {
	Forges   ForgeFactory
	Client   llm.Client
	Store    Store
	Cfg      config.ReviewConfig
	Analyzer *Analyzer

	// Graph and Search are optional; without them S3 degrades to a no-op.
	Graph  SymbolGraph
	Search VectorSearch
}

// Run processes one review task. The passed context carries the soft
// deadline; when it cancels mid-pipeline the orchestrator commits what it has
// under a detached context and reports a canceled kind.
func (o *Orchestrator) Run(ctx context.Context, t *queue.Task) error {
	owner, repo, err := splitRepo(t.Repo)
	if err != nil {
		return reverr.New(reverr.KindInvariant, err)
	}

	fc, err := o.Forges(t.InstallationID)
	if err != nil {
		return reverr.New(reverr.KindAuth, fmt.Errorf("forge client: %w", err))
	}

	rev, err := o.ensureReview(ctx, t)
	if err != nil {
		return err
	}

	// The diff is the one input nothing can substitute for.
	rawDiff, err := fc.FetchDiff(ctx, owner, repo, t.PRNumber)
	if err != nil {
		return fmt.Errorf("fetch diff: %w", err)
	}
	files := diff.Parse(rawDiff)

	// Repo config is read at the base commit so the PR itself cannot loosen
	// its own review.
	rcfg := repocfg.Load(ctx, fc, owner, repo, t.BaseSHA)
	if !rcfg.Enabled() {
		slog.Info("review disabled by repo config", "repo", t.Repo, "pr", t.PRNumber)
		metrics.ReviewsTotal.WithLabelValues("skipped").Inc()
		return o.Store.CompleteReview(ctx, rev.ID, 0, nil)
	}

	// The gateway saw no file list; the non-reviewable set and the repo's
	// ignore globs bind here instead.
	files = reviewableDiffs(files, rcfg.Review.IgnorePatterns)
	positions := make(map[string]map[int]int, len(files))
	for _, fd := range files {
		positions[fd.Path] = diff.LineToPosition(fd)
	}

	rc := &ReviewContext{
		Task:      t,
		Owner:     owner,
		Repo:      repo,
		RepoCfg:   rcfg,
		Files:     files,
		Positions: positions,
	}
	rc.cost.ceiling = o.Cfg.CostCeilingCents

	runErr := o.runStages(ctx, rc, fc, rev.ID)
	if runErr != nil && reverr.KindOf(runErr) != reverr.KindCanceled {
		return runErr
	}

	// Commit under a detached context: a soft-deadline cancellation must not
	// also cancel the write of what was produced.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	o.Store.SetReviewStage(commitCtx, rev.ID, "synthesis")
	runSynthesis(commitCtx, rc, o.Client, o.Cfg)

	o.Store.SetReviewStage(commitCtx, rev.ID, "posting")
	if err := postReview(commitCtx, rc, fc, o.Store, o.Cfg.MaxConcurrentPosts); err != nil {
		return err
	}

	findings := rc.Findings()
	for _, f := range findings {
		f.ReviewID = rev.ID
	}
	if err := o.Store.CompleteReview(commitCtx, rev.ID, rc.CostCents(), findings); err != nil {
		return fmt.Errorf("complete review: %w", err)
	}

	metrics.ReviewsTotal.WithLabelValues("completed").Inc()
	slog.Info("review completed", "repo", t.Repo, "pr", t.PRNumber,
		"findings", len(findings), "cost_cents", rc.CostCents(), "truncated", rc.Truncated)
	return runErr
}

// runStages executes S0 through S4 in order, stopping at the soft deadline.
// A canceled-kind return means partial results are in rc and should be
// committed.
func (o *Orchestrator) runStages(ctx context.Context, rc *ReviewContext, fc Forge, reviewID string) error {
	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{"static", func(ctx context.Context) error {
			rc.AddFindings(o.Analyzer.Run(ctx, rc, fc)...)
			return nil
		}},
		{"summary", func(ctx context.Context) error {
			err := runSummary(ctx, rc, o.Client)
			if reverr.KindOf(err) == reverr.KindCostCeiling {
				return nil
			}
			return err
		}},
		{"defects", func(ctx context.Context) error {
			return runDefects(ctx, rc, o.Client, o.Cfg)
		}},
		{"crossfile", func(ctx context.Context) error {
			return runCrossFile(ctx, rc, o.Client, o.Graph, o.Search)
		}},
		{"style", func(ctx context.Context) error {
			return runStyle(ctx, rc, o.Client, o.Cfg)
		}},
	}

	for _, st := range stages {
		if ctx.Err() != nil {
			slog.Warn("soft deadline hit, committing partial review",
				"repo", rc.Task.Repo, "pr", rc.Task.PRNumber, "next_stage", st.name)
			rc.Truncated = true
			return reverr.New(reverr.KindCanceled, ctx.Err())
		}
		o.Store.SetReviewStage(ctx, reviewID, st.name)
		if err := st.run(ctx); err != nil {
			if reverr.KindOf(err) == reverr.KindCanceled {
				rc.Truncated = true
				return err
			}
			return fmt.Errorf("stage %s: %w", st.name, err)
		}
	}
	return nil
}

// ensureReview creates or resumes the review row for this (repo, pr, head).
func (o *Orchestrator) ensureReview(ctx context.Context, t *queue.Task) (*domain.Review, error) {
	rev := &domain.Review{
		ID:         uuid.NewString(),
		RepoID:     t.RepoID,
		PRNumber:   t.PRNumber,
		BaseSHA:    t.BaseSHA,
		HeadSHA:    t.HeadSHA,
		Status:     domain.ReviewQueued,
		EnqueuedAt: t.EnqueuedAt,
	}
	created, err := o.Store.CreateReview(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("create review: %w", err)
	}
	if !created {
		// Retry attempt or restart: reuse the existing row.
		existing, err := o.Store.GetReviewByKey(ctx, t.RepoID, t.PRNumber, t.HeadSHA)
		if err != nil {
			return nil, fmt.Errorf("load review: %w", err)
		}
		if existing.Status.Terminal() {
			return nil, reverr.Newf(reverr.KindCanceled, "review already %s", existing.Status)
		}
		rev = existing
	}
	if err := o.Store.StartReview(ctx, rev.ID); err != nil {
		return nil, fmt.Errorf("start review: %w", err)
	}
	return rev, nil
}

// FailAndNotify is the dead-letter callback: mark the review failed and leave
// one neutral PR comment carrying a reference id for support.
func FailAndNotify(st *store.Store, forges ForgeFactory) func(ctx context.Context, t *queue.Task, taskErr error) {
	return func(ctx context.Context, t *queue.Task, taskErr error) {
		if t.Kind != queue.KindReview {
			return
		}
		metrics.ReviewsTotal.WithLabelValues("failed").Inc()

		rev, err := st.GetReviewByKey(ctx, t.RepoID, t.PRNumber, t.HeadSHA)
		if err == nil {
			if err := st.FailReview(ctx, rev.ID, taskErr.Error(), rev.CostCents); err != nil {
				slog.Error("marking review failed", "error", err, "review", rev.ID)
			}
		}

		owner, repo, err := splitRepo(t.Repo)
		if err != nil {
			return
		}
		fc, err := forges(t.InstallationID)
		if err != nil {
			slog.Error("forge client for failure notice", "error", err)
			return
		}
		body := fmt.Sprintf("The automated review of this pull request could not be completed. Reference: `%s`.", t.ID)
		if err := fc.PostIssueComment(ctx, owner, repo, t.PRNumber, body); err != nil {
			slog.Error("posting failure notice", "error", err, "repo", t.Repo, "pr", t.PRNumber)
		}
	}
}

// reviewableDiffs drops files the gatekeeper's path rules or the repo's
// ignore globs exclude.
func reviewableDiffs(files []diff.FileDiff, ignorePatterns []string) []diff.FileDiff {
	paths := make([]string, len(files))
	for i, fd := range files {
		paths[i] = fd.Path
	}
	keep := make(map[string]struct{})
	for _, p := range gatekeeper.ReviewableFiles(paths, ignorePatterns) {
		keep[p] = struct{}{}
	}
	kept := files[:0]
	for _, fd := range files {
		if _, ok := keep[fd.Path]; ok {
			kept = append(kept, fd)
		}
	}
	return kept
}

func splitRepo(full string) (owner, repo string, err error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed repo name %q", full)
	}
	return parts[0], parts[1], nil
}
