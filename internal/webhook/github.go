// Package webhook is the ingestion gateway: it verifies, classifies and
// enqueues GitHub events within a fixed response budget. All heavy work
// happens in the lane workers; the handler's only jobs are authenticity,
// admission and a fast 200.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"openrabbit/internal/config"
	"openrabbit/internal/domain"
	"openrabbit/internal/gatekeeper"
	"openrabbit/internal/metrics"
	"openrabbit/internal/queue"
	"openrabbit/internal/signature"
)

// prActions are the pull_request actions that trigger a review.
var prActions = map[string]struct{}{
	"opened":      {},
	"synchronize": {},
	"reopened":    {},
}

// InstallationStore is the persistence surface for installation lifecycle
// events, which are written synchronously in the handler.
type InstallationStore interface {
	UpsertInstallation(ctx context.Context, inst *domain.Installation) error
	DeactivateInstallation(ctx context.Context, id int64) error
	UpsertRepository(ctx context.Context, repo *domain.Repository) error
}

// Handler receives GitHub webhook deliveries.
type Handler struct {
	cfg    *config.Config
	q      *queue.Queue
	keeper *queue.Keeper
	store  InstallationStore
}

func NewHandler(cfg *config.Config, q *queue.Queue, keeper *queue.Keeper, store InstallationStore) *Handler {
	return &Handler{cfg: cfg, q: q, keeper: keeper, store: store}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("read body failed", "error", err)
		metrics.WebhookRequests.WithLabelValues("error_read").Inc()
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	// Authenticity before anything else; nothing from the body is logged or
	// parsed until the signature checks out.
	if err := signature.Verify(r.Header.Get("X-Hub-Signature-256"), body, h.cfg.GitHub.WebhookSecret); err != nil {
		slog.Warn("webhook signature rejected", "error", err)
		metrics.WebhookRequests.WithLabelValues("invalid_signature").Inc()
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.responseBudget())
	defer cancel()

	event := r.Header.Get("X-GitHub-Event")
	var status string
	switch event {
	case "pull_request":
		status = h.handlePullRequest(ctx, body)
	case "pull_request_review_comment":
		status = h.handleReviewComment(ctx, body)
	case "installation":
		status = h.handleInstallation(ctx, body)
	case "installation_repositories":
		status = h.handleInstallationRepos(ctx, body)
	default:
		slog.Debug("ignoring event", "event", event)
		status = "skipped"
	}

	metrics.WebhookRequests.WithLabelValues(status).Inc()
	writeStatus(w, status)
}

func (h *Handler) responseBudget() time.Duration {
	if h.cfg.Server.ResponseBudget > 0 {
		return h.cfg.Server.ResponseBudget
	}
	return 100 * time.Millisecond
}

// enqueue bounds the Redis write to its own slice of the response budget so a
// slow broker cannot eat the whole handler deadline.
func (h *Handler) enqueue(ctx context.Context, t *queue.Task) error {
	if b := h.cfg.Queue.EnqueueSubBudget; b > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b)
		defer cancel()
	}
	return h.q.Enqueue(ctx, t)
}

func (h *Handler) handlePullRequest(ctx context.Context, body []byte) string {
	p := gjson.ParseBytes(body)
	if _, ok := prActions[p.Get("action").String()]; !ok {
		return "skipped"
	}

	ev := gatekeeper.Event{
		AuthorLogin: p.Get("pull_request.user.login").String(),
		Draft:       p.Get("pull_request.draft").Bool(),
	}
	for _, l := range p.Get("pull_request.labels.#.name").Array() {
		ev.Labels = append(ev.Labels, l.String())
	}

	// The payload carries no file list; path-based rules run in the worker.
	d := gatekeeper.Evaluate(ev, nil, gatekeeper.Options{
		SkipLabel:        h.cfg.Review.SkipLabel,
		LargePRThreshold: h.cfg.Review.LargePRThreshold,
	})
	if !d.Admit {
		return "skipped"
	}

	lane := queue.LaneFast
	if d.Lane == gatekeeper.LaneSlow || int(p.Get("pull_request.changed_files").Int()) > h.cfg.Review.LargePRThreshold {
		lane = queue.LaneSlow
	}

	repoID := p.Get("repository.id").Int()
	prNumber := int(p.Get("pull_request.number").Int())
	head := p.Get("pull_request.head.sha").String()

	acquired, err := h.keeper.Acquire(ctx, repoID, prNumber, head)
	if err != nil {
		slog.Error("idempotency check failed", "error", err, "repo", repoID, "pr", prNumber)
		// Fall through and enqueue: a duplicate review beats a missed one.
	} else if !acquired {
		slog.Info("duplicate delivery", "repo", repoID, "pr", prNumber, "head", head)
		return "duplicate"
	}

	t := &queue.Task{
		ID:             uuid.NewString(),
		Kind:           queue.KindReview,
		Lane:           lane,
		InstallationID: p.Get("installation.id").Int(),
		RepoID:         repoID,
		Repo:           p.Get("repository.full_name").String(),
		PRNumber:       prNumber,
		HeadSHA:        head,
		BaseSHA:        p.Get("pull_request.base.sha").String(),
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := h.enqueue(ctx, t); err != nil {
		// Still 200: the forge redelivers on its own schedule, and a 5xx
		// would only add retries for a fault on our side.
		slog.Error("enqueue failed", "error", err, "repo", t.Repo, "pr", t.PRNumber)
		metrics.WebhookRequests.WithLabelValues("enqueue_timeout").Inc()
		return "accepted"
	}
	slog.Info("review enqueued", "repo", t.Repo, "pr", t.PRNumber, "lane", lane, "head", head)
	return "accepted"
}

func (h *Handler) handleReviewComment(ctx context.Context, body []byte) string {
	p := gjson.ParseBytes(body)
	if p.Get("action").String() != "created" {
		return "skipped"
	}
	author := p.Get("comment.user.login").String()
	if strings.HasSuffix(author, "[bot]") {
		return "skipped"
	}

	// Replies carry the root comment's id; a top-level comment is its own root.
	commentID := p.Get("comment.in_reply_to_id").Int()
	if commentID == 0 {
		commentID = p.Get("comment.id").Int()
	}

	t := &queue.Task{
		ID:             uuid.NewString(),
		Kind:           queue.KindConversation,
		Lane:           queue.LaneConversation,
		InstallationID: p.Get("installation.id").Int(),
		RepoID:         p.Get("repository.id").Int(),
		Repo:           p.Get("repository.full_name").String(),
		PRNumber:       int(p.Get("pull_request.number").Int()),
		HeadSHA:        p.Get("pull_request.head.sha").String(),
		CommentID:      commentID,
		Body:           p.Get("comment.body").String(),
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := h.enqueue(ctx, t); err != nil {
		slog.Error("enqueue reply failed", "error", err, "repo", t.Repo, "comment", commentID)
		metrics.WebhookRequests.WithLabelValues("enqueue_timeout").Inc()
	}
	return "accepted"
}

func (h *Handler) handleInstallation(ctx context.Context, body []byte) string {
	p := gjson.ParseBytes(body)
	id := p.Get("installation.id").Int()

	switch p.Get("action").String() {
	case "created", "unsuspend", "new_permissions_accepted":
		inst := &domain.Installation{
			ID:           id,
			AccountLogin: p.Get("installation.account.login").String(),
			AccountKind:  p.Get("installation.account.type").String(),
			Active:       true,
		}
		if err := h.store.UpsertInstallation(ctx, inst); err != nil {
			slog.Error("saving installation failed", "error", err, "installation", id)
			return "accepted"
		}
		h.addRepositories(ctx, id, p.Get("repositories").Array())
		slog.Info("installation added", "installation", id, "account", inst.AccountLogin)
	case "deleted", "suspend":
		if err := h.store.DeactivateInstallation(ctx, id); err != nil {
			slog.Error("deactivating installation failed", "error", err, "installation", id)
		}
		slog.Info("installation removed", "installation", id)
	}
	return "accepted"
}

func (h *Handler) handleInstallationRepos(ctx context.Context, body []byte) string {
	p := gjson.ParseBytes(body)
	h.addRepositories(ctx, p.Get("installation.id").Int(), p.Get("repositories_added").Array())
	return "accepted"
}

// addRepositories persists new repositories and enqueues their initial
// indexing pass.
func (h *Handler) addRepositories(ctx context.Context, installationID int64, repos []gjson.Result) {
	for _, r := range repos {
		repo := &domain.Repository{
			ID:             r.Get("id").Int(),
			InstallationID: installationID,
			FullName:       r.Get("full_name").String(),
			IndexStatus:    domain.IndexPending,
		}
		if err := h.store.UpsertRepository(ctx, repo); err != nil {
			slog.Error("saving repository failed", "error", err, "repo", repo.FullName)
			continue
		}
		t := &queue.Task{
			ID:             uuid.NewString(),
			Kind:           queue.KindIndex,
			Lane:           queue.LaneIndex,
			InstallationID: installationID,
			RepoID:         repo.ID,
			Repo:           repo.FullName,
			EnqueuedAt:     time.Now().UTC(),
		}
		if err := h.enqueue(ctx, t); err != nil {
			slog.Error("enqueue index failed", "error", err, "repo", repo.FullName)
		}
	}
}

func writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
