package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
	"openrabbit/internal/forge"
	"openrabbit/internal/metrics"
)

// Poster is the forge surface the posting step needs.
type Poster interface {
	PostReview(ctx context.Context, owner, repo string, number int, commitID, body string, comments []forge.Comment) (int64, error)
	PostInlineComment(ctx context.Context, owner, repo string, number int, commitID string, cm forge.Comment) (int64, error)
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error
	ListReviewComments(ctx context.Context, owner, repo string, number int, reviewID int64) ([]forge.ReviewComment, error)
	FetchFileAtRef(ctx context.Context, owner, repo, path, ref string) (string, error)
}

// ThreadStore persists conversation anchors for posted findings.
type ThreadStore interface {
	SetFindingComment(ctx context.Context, findingID string, commentID int64) error
	SaveThread(ctx context.Context, th *domain.Thread) error
}

// postReview publishes the synthesized findings and the summary. The summary
// always goes out, even when every inline comment was rejected; only a total
// posting failure is returned to the caller.
func postReview(ctx context.Context, rc *ReviewContext, poster Poster, threads ThreadStore, postLimit int64) error {
	findings := rc.Findings()
	valid := validateForPosting(rc, findings)

	body := reviewBody(rc, len(valid))
	comments := make([]forge.Comment, 0, len(valid))
	for _, f := range valid {
		comments = append(comments, forge.Comment{
			Path:     f.Path,
			Position: f.Position,
			Body:     commentBody(f),
		})
	}

	reviewID, err := poster.PostReview(ctx, rc.Owner, rc.Repo, rc.Task.PRNumber, rc.Task.HeadSHA, body, comments)
	switch {
	case err == nil:
		matchComments(ctx, rc, poster, reviewID, valid)
	case errors.Is(err, forge.ErrBatchRejected):
		// The forge rejects the whole batch when any position is stale.
		// Re-post one by one so the good comments still land.
		slog.Warn("review batch rejected, posting individually",
			"repo", rc.Task.Repo, "pr", rc.Task.PRNumber, "comments", len(comments))
		valid = postIndividually(ctx, rc, poster, valid, postLimit)
		if err := poster.PostIssueComment(ctx, rc.Owner, rc.Repo, rc.Task.PRNumber, body); err != nil {
			return fmt.Errorf("post summary: %w", err)
		}
	default:
		return fmt.Errorf("post review: %w", err)
	}

	rc.SetFindings(valid)
	recordThreads(ctx, rc, poster, threads, valid)
	return nil
}

// validateForPosting drops findings whose position no longer checks out
// against the parsed diff. Multi-line findings must stay within one hunk.
func validateForPosting(rc *ReviewContext, findings []*domain.Finding) []*domain.Finding {
	var valid []*domain.Finding
	for _, f := range findings {
		fd := rc.FileFor(f.Path)
		if fd == nil || f.Position == 0 {
			metrics.CommentPostFailures.WithLabelValues("invalid_position").Inc()
			slog.Info("dropping finding with no diff position", "path", f.Path, "line", f.StartLine)
			continue
		}
		if f.EndLine > f.StartLine && !diff.SameHunk(*fd, f.StartLine, f.EndLine) {
			metrics.CommentPostFailures.WithLabelValues("invalid_position").Inc()
			slog.Info("dropping finding straddling hunks", "path", f.Path, "start", f.StartLine, "end", f.EndLine)
			continue
		}
		valid = append(valid, f)
	}
	return valid
}

// postIndividually re-posts comments after a rejected batch, a bounded number
// in flight at a time. Offenders are dropped; survivors get their comment id
// from the response.
func postIndividually(ctx context.Context, rc *ReviewContext, poster Poster, findings []*domain.Finding, limit int64) []*domain.Finding {
	if limit < 1 {
		limit = 1
	}
	var (
		mu     sync.Mutex
		posted []*domain.Finding
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(int(limit))
	for _, f := range findings {
		f := f
		g.Go(func() error {
			id, err := poster.PostInlineComment(ctx, rc.Owner, rc.Repo, rc.Task.PRNumber, rc.Task.HeadSHA, forge.Comment{
				Path:     f.Path,
				Position: f.Position,
				Body:     commentBody(f),
			})
			if err != nil {
				metrics.CommentPostFailures.WithLabelValues("api_error").Inc()
				slog.Info("inline comment rejected", "path", f.Path, "position", f.Position, "error", err)
				return nil
			}
			mu.Lock()
			f.CommentID = id
			posted = append(posted, f)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	sortFindings(posted)
	return posted
}

// matchComments resolves the forge-assigned comment ids of a batch review by
// listing its comments and matching on path+position. Failure here degrades
// conversation tracking but never fails the review.
func matchComments(ctx context.Context, rc *ReviewContext, poster Poster, reviewID int64, findings []*domain.Finding) {
	if len(findings) == 0 {
		return
	}
	comments, err := poster.ListReviewComments(ctx, rc.Owner, rc.Repo, rc.Task.PRNumber, reviewID)
	if err != nil {
		slog.Warn("listing posted comments failed, threads not recorded", "error", err)
		return
	}
	byLocation := make(map[string]int64)
	for _, c := range comments {
		byLocation[fmt.Sprintf("%s:%d", c.Path, c.Position)] = c.ID
	}
	for _, f := range findings {
		if id, ok := byLocation[fmt.Sprintf("%s:%d", f.Path, f.Position)]; ok {
			f.CommentID = id
		}
	}
}

// recordThreads stores the confirmed comment ids and seeds conversation
// threads with the file content at the reviewed head.
func recordThreads(ctx context.Context, rc *ReviewContext, poster Poster, threads ThreadStore, findings []*domain.Finding) {
	for _, f := range findings {
		if f.CommentID == 0 {
			continue
		}
		if err := threads.SetFindingComment(ctx, f.ID, f.CommentID); err != nil {
			slog.Warn("recording comment id failed", "error", err, "finding", f.ID)
		}
		content, err := poster.FetchFileAtRef(ctx, rc.Owner, rc.Repo, f.Path, rc.Task.HeadSHA)
		if err != nil {
			slog.Debug("caching file for thread failed", "error", err, "path", f.Path)
		}
		th := &domain.Thread{
			CommentID:   f.CommentID,
			FindingID:   f.ID,
			RepoID:      rc.Task.RepoID,
			PRNumber:    rc.Task.PRNumber,
			Path:        f.Path,
			Line:        f.StartLine,
			CommitSHA:   rc.Task.HeadSHA,
			FileContent: content,
			History: []domain.Message{{
				Role:    "assistant",
				Content: commentBody(f),
				At:      time.Now().UTC(),
			}},
			CreatedAt: time.Now().UTC(),
		}
		if err := threads.SaveThread(ctx, th); err != nil {
			slog.Warn("saving thread failed", "error", err, "comment", f.CommentID)
		}
	}
}

// reviewBody renders the summary posted as the review's top-level text.
func reviewBody(rc *ReviewContext, findingCount int) string {
	var sb strings.Builder
	sb.WriteString("## Review summary\n\n")
	sb.WriteString(rc.Summary)
	fmt.Fprintf(&sb, "\n\n**Risk:** %s · **Findings:** %d", rc.Risk, findingCount)
	if rc.Truncated {
		sb.WriteString("\n\n_Review truncated: the analysis budget for this pull request was reached._")
	}
	return sb.String()
}

// commentBody renders one finding as an inline comment.
func commentBody(f *domain.Finding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** `%s/%s`\n\n%s", f.Title, f.Severity, f.Category, f.Body)
	if f.Suggestion != "" {
		fmt.Fprintf(&sb, "\n\n```suggestion\n%s\n```", strings.TrimRight(f.Suggestion, "\n"))
	}
	return sb.String()
}
