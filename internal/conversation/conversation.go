// Package conversation answers developer replies under posted review
// comments. Each posted finding owns a thread keyed by the forge comment id;
// replies are classified by intent and answered with the thread's cached
// context plus a fresh read of the file at the current PR head.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"openrabbit/internal/domain"
	"openrabbit/internal/forge"
	"openrabbit/internal/llm"
	"openrabbit/internal/queue"
	"openrabbit/internal/reverr"
	"openrabbit/internal/store"
)

const replySystemPrompt = `You are a code review assistant answering a developer's reply to one of your
review comments. Be concrete and brief. When asked for code, base it on the file content you are shown.`

// dismissReply is canned; a dismissal needs no model call.
const dismissReply = "Understood. I've marked this finding as dismissed and it won't be raised again for this pull request."

// Forge is the client surface a reply handler needs.
type Forge interface {
	FetchPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error)
	FetchFileAtRef(ctx context.Context, owner, repo, path, ref string) (string, error)
	PostReply(ctx context.Context, owner, repo string, number int, inReplyTo int64, body string) (int64, error)
}

// ForgeFactory builds a client authenticated for one installation.
type ForgeFactory func(installationID int64) (Forge, error)

// Store is the thread persistence surface.
type Store interface {
	GetThread(ctx context.Context, commentID int64) (*domain.Thread, error)
	UpdateThreadHistory(ctx context.Context, commentID int64, history []domain.Message) error
	SetFindingFlags(ctx context.Context, findingID string, applied, dismissed bool) error
}

// Tracker is the queue handler for conversation tasks.
type Tracker struct {
	Forges   ForgeFactory
	Client   llm.Client
	Store    Store
	MaxTurns int // history cap per thread, oldest dropped first
}

// Handle processes one reply. A reply to a comment we never posted is not an
// error; it is acked silently.
func (tr *Tracker) Handle(ctx context.Context, t *queue.Task) error {
	th, err := tr.Store.GetThread(ctx, t.CommentID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("reply to unknown comment, ignoring", "comment", t.CommentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}

	owner, repo, err := splitRepo(t.Repo)
	if err != nil {
		return reverr.New(reverr.KindInvariant, err)
	}
	fc, err := tr.Forges(t.InstallationID)
	if err != nil {
		return reverr.New(reverr.KindAuth, fmt.Errorf("forge client: %w", err))
	}

	intent := Classify(ctx, tr.Client, t.Body)
	slog.Info("handling reply", "comment", t.CommentID, "intent", intent,
		"repo", t.Repo, "pr", th.PRNumber)

	var reply string
	switch intent {
	case IntentDismiss:
		if th.FindingID != "" {
			if err := tr.Store.SetFindingFlags(ctx, th.FindingID, false, true); err != nil {
				slog.Warn("flagging dismissed finding failed", "error", err, "finding", th.FindingID)
			}
		}
		reply = dismissReply
	default:
		reply, err = tr.generate(ctx, fc, th, owner, repo, intent, t.Body)
		if err != nil {
			return err
		}
	}

	if _, err := fc.PostReply(ctx, owner, repo, th.PRNumber, t.CommentID, reply); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}

	history := appendTurns(th.History, tr.MaxTurns,
		domain.Message{Role: "user", Content: t.Body, At: time.Now().UTC()},
		domain.Message{Role: "assistant", Content: reply, At: time.Now().UTC()})
	if err := tr.Store.UpdateThreadHistory(ctx, t.CommentID, history); err != nil {
		slog.Warn("persisting thread history failed", "error", err, "comment", t.CommentID)
	}
	return nil
}

// generate answers fix, explain and converse intents with one model call.
// Code generation always reads the file at the current PR head; the thread's
// stored commit may be many pushes old.
func (tr *Tracker) generate(ctx context.Context, fc Forge, th *domain.Thread, owner, repo string, intent Intent, body string) (string, error) {
	content := th.FileContent
	tier := llm.TierCheap
	if intent == IntentFix {
		tier = llm.TierCapable
		if pr, err := fc.FetchPullRequest(ctx, owner, repo, th.PRNumber); err == nil {
			if fresh, err := fc.FetchFileAtRef(ctx, owner, repo, th.Path, pr.HeadSHA); err == nil {
				content = fresh
			} else {
				slog.Warn("re-fetching file at head failed, using cached", "error", err, "path", th.Path)
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Review comment thread on %s line %d.\n\n", th.Path, th.Line)
	for _, m := range th.History {
		fmt.Fprintf(&sb, "[%s] %s\n\n", m.Role, m.Content)
	}
	fmt.Fprintf(&sb, "[user] %s\n\n", body)
	if content != "" {
		fmt.Fprintf(&sb, "Current content of %s:\n```\n%s\n```\n", th.Path, content)
	}
	if intent == IntentFix {
		sb.WriteString("\nProvide corrected code for the flagged lines.")
	}

	resp, err := tr.Client.Complete(ctx, "conversation", tier, replySystemPrompt, sb.String())
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// appendTurns adds messages and enforces the cap. The first message is the
// original finding and always survives; trimming drops the oldest turns
// after it.
func appendTurns(history []domain.Message, max int, msgs ...domain.Message) []domain.Message {
	if max <= 0 {
		max = 20
	}
	history = append(history, msgs...)
	if len(history) > max {
		capped := make([]domain.Message, 0, max)
		capped = append(capped, history[0])
		capped = append(capped, history[len(history)-(max-1):]...)
		history = capped
	}
	return history
}

func splitRepo(full string) (owner, repo string, err error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed repo name %q", full)
	}
	return parts[0], parts[1], nil
}
