package indexer

import (
	"context"
	"errors"
	"testing"

	"openrabbit/internal/domain"
	"openrabbit/internal/queue"
)

type mockStore struct {
	transitions []domain.IndexStatus
	shas        []string
}

func (m *mockStore) SetIndexStatus(ctx context.Context, repoID int64, status domain.IndexStatus, sha string) error {
	m.transitions = append(m.transitions, status)
	m.shas = append(m.shas, sha)
	return nil
}

type mockTree struct {
	sha string
	err error
}

func (m *mockTree) Index(ctx context.Context, installationID, repoID int64, fullName string) (string, error) {
	return m.sha, m.err
}

func indexTask() *queue.Task {
	return &queue.Task{ID: "t", Kind: queue.KindIndex, RepoID: 42, Repo: "acme/api"}
}

func TestHandle_NoTreeIndexerMarksReady(t *testing.T) {
	st := &mockStore{}
	if err := (&Worker{Store: st}).Handle(context.Background(), indexTask()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []domain.IndexStatus{domain.IndexIndexing, domain.IndexReady}
	if len(st.transitions) != 2 || st.transitions[0] != want[0] || st.transitions[1] != want[1] {
		t.Errorf("transitions = %v", st.transitions)
	}
}

func TestHandle_TreeIndexerShaRecorded(t *testing.T) {
	st := &mockStore{}
	w := &Worker{Store: st, Tree: &mockTree{sha: "abc123"}}
	if err := w.Handle(context.Background(), indexTask()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if st.shas[len(st.shas)-1] != "abc123" {
		t.Errorf("sha not recorded: %v", st.shas)
	}
}

func TestHandle_TreeIndexerFailureMarksFailed(t *testing.T) {
	st := &mockStore{}
	w := &Worker{Store: st, Tree: &mockTree{err: errors.New("clone failed")}}
	if err := w.Handle(context.Background(), indexTask()); err == nil {
		t.Fatal("expected error")
	}
	if st.transitions[len(st.transitions)-1] != domain.IndexFailed {
		t.Errorf("transitions = %v", st.transitions)
	}
}
