// Package indexer runs the index lane. The actual tree indexing (symbol
// graph, embeddings) sits behind the TreeIndexer seam; the built-in
// implementation only walks the repository state machine so the rest of the
// system can rely on index_status being maintained.
package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"openrabbit/internal/domain"
	"openrabbit/internal/queue"
)

// TreeIndexer builds whatever index backs cross-file analysis and returns
// the commit it indexed.
type TreeIndexer interface {
	Index(ctx context.Context, installationID, repoID int64, fullName string) (sha string, err error)
}

// Store is the repository state surface.
type Store interface {
	SetIndexStatus(ctx context.Context, repoID int64, status domain.IndexStatus, sha string) error
}

// Worker is the queue handler for index tasks.
type Worker struct {
	Store Store
	// Tree is optional; without one the repository is marked ready with no
	// indexed commit recorded.
	Tree TreeIndexer
}

// Handle drives one repository through pending → indexing → ready/failed.
func (w *Worker) Handle(ctx context.Context, t *queue.Task) error {
	if err := w.Store.SetIndexStatus(ctx, t.RepoID, domain.IndexIndexing, ""); err != nil {
		return fmt.Errorf("mark indexing: %w", err)
	}

	var sha string
	if w.Tree != nil {
		var err error
		sha, err = w.Tree.Index(ctx, t.InstallationID, t.RepoID, t.Repo)
		if err != nil {
			if serr := w.Store.SetIndexStatus(ctx, t.RepoID, domain.IndexFailed, ""); serr != nil {
				slog.Error("mark index failed", "error", serr, "repo", t.Repo)
			}
			return fmt.Errorf("index %s: %w", t.Repo, err)
		}
	}

	if err := w.Store.SetIndexStatus(ctx, t.RepoID, domain.IndexReady, sha); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	slog.Info("repository indexed", "repo", t.Repo, "sha", sha)
	return nil
}
