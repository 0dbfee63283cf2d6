package review

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"openrabbit/internal/config"
	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
	"openrabbit/internal/forge"
	"openrabbit/internal/llm"
	"openrabbit/internal/queue"
	"openrabbit/internal/repocfg"
	"openrabbit/internal/reverr"
)

const serviceDiff = `diff --git a/app/service.py b/app/service.py
--- a/app/service.py
+++ b/app/service.py
@@ -1,3 +1,4 @@
 import os
+import sys

 def main():
`

// positions for serviceDiff: header=1, "import os"=2, "+import sys"=3 (line 2)

type mockLLM struct {
	CompleteFunc func(ctx context.Context, stage string, tier llm.Tier, system, user string) (*llm.Response, error)
	calls        []string
}

func (m *mockLLM) Complete(ctx context.Context, stage string, tier llm.Tier, system, user string) (*llm.Response, error) {
	m.calls = append(m.calls, stage)
	return m.CompleteFunc(ctx, stage, tier, system, user)
}

func (m *mockLLM) EstimateCents(tier llm.Tier) int64 {
	if tier == llm.TierCapable {
		return 5
	}
	return 1
}

// stageRouter answers each stage with canned JSON.
func stageRouter(t *testing.T, defects string) *mockLLM {
	t.Helper()
	return &mockLLM{
		CompleteFunc: func(ctx context.Context, stage string, tier llm.Tier, system, user string) (*llm.Response, error) {
			switch stage {
			case "summary":
				return &llm.Response{Text: `{"summary": "adds sys import", "risk": "low"}`, CostCents: 1}, nil
			case "defects":
				return &llm.Response{Text: defects, CostCents: 1}, nil
			case "style", "pare":
				return &llm.Response{Text: `[]`, CostCents: 1}, nil
			default:
				return &llm.Response{Text: `{}`, CostCents: 1}, nil
			}
		},
	}
}

type mockForge struct {
	FetchDiffFunc    func(ctx context.Context, owner, repo string, number int) (string, error)
	PostReviewFunc   func(ctx context.Context, owner, repo string, number int, commitID, body string, comments []forge.Comment) (int64, error)
	PostInlineFunc   func(ctx context.Context, owner, repo string, number int, commitID string, cm forge.Comment) (int64, error)
	ListCommentsFunc func(ctx context.Context, owner, repo string, number int, reviewID int64) ([]forge.ReviewComment, error)
	FetchFileFunc    func(ctx context.Context, owner, repo, path, ref string) (string, error)
	FetchRepoCfgFunc func(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	reviews          int
	inlines          int
	issueComments    []string
}

func (m *mockForge) FetchDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	if m.FetchDiffFunc != nil {
		return m.FetchDiffFunc(ctx, owner, repo, number)
	}
	return serviceDiff, nil
}

func (m *mockForge) PostReview(ctx context.Context, owner, repo string, number int, commitID, body string, comments []forge.Comment) (int64, error) {
	m.reviews++
	if m.PostReviewFunc != nil {
		return m.PostReviewFunc(ctx, owner, repo, number, commitID, body, comments)
	}
	return 1, nil
}

func (m *mockForge) PostInlineComment(ctx context.Context, owner, repo string, number int, commitID string, cm forge.Comment) (int64, error) {
	m.inlines++
	if m.PostInlineFunc != nil {
		return m.PostInlineFunc(ctx, owner, repo, number, commitID, cm)
	}
	return int64(100 + m.inlines), nil
}

func (m *mockForge) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	m.issueComments = append(m.issueComments, body)
	return nil
}

func (m *mockForge) ListReviewComments(ctx context.Context, owner, repo string, number int, reviewID int64) ([]forge.ReviewComment, error) {
	if m.ListCommentsFunc != nil {
		return m.ListCommentsFunc(ctx, owner, repo, number, reviewID)
	}
	return nil, nil
}

func (m *mockForge) FetchFileAtRef(ctx context.Context, owner, repo, path, ref string) (string, error) {
	if m.FetchFileFunc != nil {
		return m.FetchFileFunc(ctx, owner, repo, path, ref)
	}
	return "import os\nimport sys\n\ndef main():\n", nil
}

func (m *mockForge) FetchRepoConfig(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	if m.FetchRepoCfgFunc != nil {
		return m.FetchRepoCfgFunc(ctx, owner, repo, path, ref)
	}
	return nil, errors.New("no config file")
}

type mockStore struct {
	created   bool
	stages    []string
	completed []*domain.Finding
	cost      int64
	threads   []*domain.Thread
	commented map[string]int64
}

func newMockStore() *mockStore {
	return &mockStore{commented: make(map[string]int64)}
}

func (m *mockStore) CreateReview(ctx context.Context, rev *domain.Review) (bool, error) {
	m.created = true
	return true, nil
}

func (m *mockStore) GetReviewByKey(ctx context.Context, repoID int64, prNumber int, headSHA string) (*domain.Review, error) {
	return &domain.Review{ID: "rev-1", Status: domain.ReviewProcessing}, nil
}

func (m *mockStore) StartReview(ctx context.Context, id string) error { return nil }

func (m *mockStore) SetReviewStage(ctx context.Context, id, stage string) error {
	m.stages = append(m.stages, stage)
	return nil
}

func (m *mockStore) CompleteReview(ctx context.Context, id string, costCents int64, findings []*domain.Finding) error {
	m.completed = findings
	m.cost = costCents
	return nil
}

func (m *mockStore) SetFindingComment(ctx context.Context, findingID string, commentID int64) error {
	m.commented[findingID] = commentID
	return nil
}

func (m *mockStore) SaveThread(ctx context.Context, th *domain.Thread) error {
	m.threads = append(m.threads, th)
	return nil
}

func testTask() *queue.Task {
	return &queue.Task{
		ID:             "task-1",
		Kind:           queue.KindReview,
		Lane:           queue.LaneFast,
		InstallationID: 7,
		RepoID:         42,
		Repo:           "acme/api",
		PRNumber:       9,
		HeadSHA:        "head-sha",
		BaseSHA:        "base-sha",
		EnqueuedAt:     time.Now().UTC(),
	}
}

func testOrchestrator(fc *mockForge, client llm.Client, st *mockStore) *Orchestrator {
	cfg := config.LoadConfig().Review
	return &Orchestrator{
		Forges:   func(int64) (Forge, error) { return fc, nil },
		Client:   client,
		Store:    st,
		Cfg:      cfg,
		Analyzer: &Analyzer{Timeout: time.Second},
	}
}

func TestRun_PostsFindingsAndCompletes(t *testing.T) {
	defects := `[{"line": 2, "severity": "high", "category": "defect", "title": "unused import", "body": "sys is never used", "confidence": 0.9}]`
	client := stageRouter(t, defects)
	var posted []forge.Comment
	var body string
	fc := &mockForge{
		PostReviewFunc: func(ctx context.Context, owner, repo string, number int, commitID, b string, comments []forge.Comment) (int64, error) {
			posted = comments
			body = b
			if commitID != "head-sha" {
				t.Errorf("unexpected commit id %q", commitID)
			}
			return 1, nil
		},
		ListCommentsFunc: func(ctx context.Context, owner, repo string, number int, reviewID int64) ([]forge.ReviewComment, error) {
			return []forge.ReviewComment{{ID: 555, Path: "app/service.py", Position: 3}}, nil
		},
	}
	st := newMockStore()

	if err := testOrchestrator(fc, client, st).Run(context.Background(), testTask()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(posted) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(posted))
	}
	if posted[0].Path != "app/service.py" || posted[0].Position != 3 {
		t.Errorf("unexpected comment target %s:%d", posted[0].Path, posted[0].Position)
	}
	if !strings.Contains(body, "adds sys import") {
		t.Errorf("summary missing from review body: %q", body)
	}
	if len(st.completed) != 1 {
		t.Fatalf("expected 1 stored finding, got %d", len(st.completed))
	}
	if st.completed[0].ReviewID == "" {
		t.Error("finding not linked to review")
	}
	if st.completed[0].CommentID != 555 {
		t.Errorf("comment id not recorded, got %d", st.completed[0].CommentID)
	}
	if len(st.threads) != 1 || st.threads[0].CommentID != 555 {
		t.Errorf("thread not seeded: %+v", st.threads)
	}
	if st.cost < 1 {
		t.Errorf("cost not accounted: %d", st.cost)
	}
}

func TestRun_RepoConfigDisablesReview(t *testing.T) {
	client := stageRouter(t, `[]`)
	fc := &mockForge{
		FetchRepoCfgFunc: func(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
			if ref != "base-sha" {
				t.Errorf("repo config must be read at base, got %q", ref)
			}
			return []byte("review:\n  enabled: false\n"), nil
		},
	}
	st := newMockStore()

	if err := testOrchestrator(fc, client, st).Run(context.Background(), testTask()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fc.reviews != 0 {
		t.Error("disabled repo must not be reviewed")
	}
	if len(client.calls) != 0 {
		t.Errorf("no model calls expected, got %v", client.calls)
	}
	if st.completed != nil {
		t.Errorf("expected empty findings, got %d", len(st.completed))
	}
}

func TestRun_IgnorePatternsDropFiles(t *testing.T) {
	generatedDiff := strings.ReplaceAll(serviceDiff, "app/service.py", "generated/service.py")
	defects := `[{"line": 2, "severity": "high", "category": "defect", "title": "a", "body": "b", "confidence": 0.9}]`
	client := stageRouter(t, defects)
	var posted []forge.Comment
	fc := &mockForge{
		FetchDiffFunc: func(ctx context.Context, owner, repo string, number int) (string, error) {
			return generatedDiff, nil
		},
		FetchRepoCfgFunc: func(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
			return []byte("review:\n  ignore_patterns:\n    - \"generated/**\"\n"), nil
		},
		PostReviewFunc: func(ctx context.Context, owner, repo string, number int, commitID, body string, comments []forge.Comment) (int64, error) {
			posted = comments
			return 1, nil
		},
	}
	st := newMockStore()

	if err := testOrchestrator(fc, client, st).Run(context.Background(), testTask()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(posted) != 0 {
		t.Errorf("ignored path must get no inline comments, got %d", len(posted))
	}
	if len(st.completed) != 0 {
		t.Errorf("ignored path must yield no findings, got %d", len(st.completed))
	}
}

func TestRun_DiffFetchFailureIsFatal(t *testing.T) {
	client := stageRouter(t, `[]`)
	fc := &mockForge{
		FetchDiffFunc: func(ctx context.Context, owner, repo string, number int) (string, error) {
			return "", reverr.Newf(reverr.KindTransient, "boom")
		},
	}
	err := testOrchestrator(fc, client, newMockStore()).Run(context.Background(), testTask())
	if err == nil {
		t.Fatal("expected error")
	}
	if !reverr.Retryable(err) {
		t.Errorf("diff fetch failure should be retryable, got %v", err)
	}
}

func TestRun_BatchRejectedFallsBackToIndividual(t *testing.T) {
	defects := `[{"line": 2, "severity": "high", "category": "defect", "title": "a", "body": "b", "confidence": 0.9}]`
	client := stageRouter(t, defects)
	fc := &mockForge{
		PostReviewFunc: func(ctx context.Context, owner, repo string, number int, commitID, body string, comments []forge.Comment) (int64, error) {
			return 0, reverr.New(reverr.KindValidation, forge.ErrBatchRejected)
		},
	}
	st := newMockStore()

	if err := testOrchestrator(fc, client, st).Run(context.Background(), testTask()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fc.inlines != 1 {
		t.Errorf("expected 1 individual post, got %d", fc.inlines)
	}
	if len(fc.issueComments) != 1 {
		t.Fatalf("summary must still be posted, got %d issue comments", len(fc.issueComments))
	}
	if !strings.Contains(fc.issueComments[0], "adds sys import") {
		t.Errorf("issue comment missing summary: %q", fc.issueComments[0])
	}
}

func TestRun_CostCeilingTruncatesButPosts(t *testing.T) {
	client := stageRouter(t, `[]`)
	fc := &mockForge{}
	st := newMockStore()
	o := testOrchestrator(fc, client, st)
	o.Cfg.CostCeilingCents = 1 // one cheap call only

	if err := o.Run(context.Background(), testTask()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fc.reviews != 1 {
		t.Error("summary review must still be posted after truncation")
	}
	// Only the summary call fit under the ceiling.
	if len(client.calls) != 1 || client.calls[0] != "summary" {
		t.Errorf("expected only the summary call, got %v", client.calls)
	}
}

func TestRun_SoftDeadlineCommitsPartial(t *testing.T) {
	client := stageRouter(t, `[]`)
	fc := &mockForge{}
	st := newMockStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := testOrchestrator(fc, client, st).Run(ctx, testTask())
	if reverr.KindOf(err) != reverr.KindCanceled {
		t.Fatalf("expected canceled kind, got %v", err)
	}
}

func TestSynthesis_DedupeThresholdAndPositions(t *testing.T) {
	files := diff.Parse(serviceDiff)
	rc := &ReviewContext{
		Task:      testTask(),
		RepoCfg:   mustParseRepoCfg(t, "review:\n  severity_threshold: medium\n"),
		Files:     files,
		Positions: map[string]map[int]int{"app/service.py": diff.LineToPosition(files[0])},
	}
	rc.cost.ceiling = 100
	rc.AddFindings(
		&domain.Finding{ID: "1", Path: "app/service.py", StartLine: 2, EndLine: 2, Severity: domain.SeverityLow, Body: "b"},
		&domain.Finding{ID: "2", Path: "app/service.py", StartLine: 2, EndLine: 2, Severity: domain.SeverityHigh, Body: "b"},
		&domain.Finding{ID: "3", Path: "app/service.py", StartLine: 2, EndLine: 2, Severity: domain.SeverityMedium, Body: "b"},
		&domain.Finding{ID: "4", Path: "app/service.py", StartLine: 999, EndLine: 999, Severity: domain.SeverityCritical, Body: "unmappable"},
		&domain.Finding{ID: "5", Path: "missing.py", StartLine: 1, EndLine: 1, Severity: domain.SeverityCritical, Body: "no such file"},
	)

	runSynthesis(context.Background(), rc, stageRouter(t, `[]`), config.LoadConfig().Review)

	got := rc.Findings()
	if len(got) != 1 {
		t.Fatalf("expected 1 finding after synthesis, got %d", len(got))
	}
	if got[0].ID != "2" {
		t.Errorf("dedupe must keep the highest severity, kept %s", got[0].ID)
	}
	if got[0].Position != 3 {
		t.Errorf("position not mapped, got %d", got[0].Position)
	}
}

func TestSynthesis_OverlappingRangesMerge(t *testing.T) {
	rc := &ReviewContext{
		Task:    testTask(),
		RepoCfg: mustParseRepoCfg(t, ""),
		Positions: map[string]map[int]int{
			"a.go": {10: 5, 12: 7, 30: 9},
		},
	}
	rc.cost.ceiling = 100
	rc.AddFindings(
		&domain.Finding{ID: "range", Path: "a.go", StartLine: 10, EndLine: 14, Severity: domain.SeverityMedium, Confidence: 0.6, Body: "b"},
		&domain.Finding{ID: "inside", Path: "a.go", StartLine: 12, EndLine: 12, Severity: domain.SeverityMedium, Confidence: 0.9, Body: "b"},
		&domain.Finding{ID: "apart", Path: "a.go", StartLine: 30, EndLine: 30, Severity: domain.SeverityLow, Confidence: 0.5, Body: "b"},
	)

	runSynthesis(context.Background(), rc, stageRouter(t, `[]`), config.LoadConfig().Review)

	got := rc.Findings()
	if len(got) != 2 {
		t.Fatalf("expected 2 findings after merging, got %d", len(got))
	}
	if got[0].ID != "inside" {
		t.Errorf("equal severity must tie-break on confidence, kept %s", got[0].ID)
	}
	if got[1].ID != "apart" {
		t.Errorf("non-overlapping finding must survive, got %s", got[1].ID)
	}
}

func TestSynthesis_SortOrder(t *testing.T) {
	fs := []*domain.Finding{
		{Path: "b.go", StartLine: 5, Severity: domain.SeverityLow},
		{Path: "a.go", StartLine: 9, Severity: domain.SeverityCritical},
		{Path: "a.go", StartLine: 2, Severity: domain.SeverityCritical},
	}
	sortFindings(fs)
	if fs[0].Path != "a.go" || fs[0].StartLine != 2 {
		t.Errorf("unexpected order: %+v", fs)
	}
	if fs[2].Severity != domain.SeverityLow {
		t.Errorf("low severity must sort last")
	}
}

func TestValidateForPosting_HunkStraddle(t *testing.T) {
	multi := `diff --git a/x.go b/x.go
--- a/x.go
+++ b/x.go
@@ -1,2 +1,2 @@
-old
+new
 keep
@@ -10,2 +10,2 @@
-older
+newer
 tail
`
	files := diff.Parse(multi)
	rc := &ReviewContext{
		Task:      testTask(),
		Files:     files,
		Positions: map[string]map[int]int{"x.go": diff.LineToPosition(files[0])},
	}
	straddle := &domain.Finding{Path: "x.go", StartLine: 1, EndLine: 10, Position: 3}
	within := &domain.Finding{Path: "x.go", StartLine: 1, EndLine: 2, Position: 3}

	valid := validateForPosting(rc, []*domain.Finding{straddle, within})
	if len(valid) != 1 || valid[0] != within {
		t.Errorf("straddling finding must be dropped, kept %d", len(valid))
	}
}

func TestChangedSignatures(t *testing.T) {
	text := `diff --git a/svc.go b/svc.go
--- a/svc.go
+++ b/svc.go
@@ -1,3 +1,3 @@
-func Handle(a int) error {
+func Handle(a, b int) error {
 	return nil
 }
`
	files := diff.Parse(text)
	got := changedSignatures(files)
	if _, ok := got["Handle"]; !ok {
		t.Errorf("expected Handle detected, got %v", got)
	}
}

func TestParseDiagnostics(t *testing.T) {
	out := []byte("svc.py:3:1: F401 'os' imported but unused\nnot a diagnostic\nsvc.py:9: trailing whitespace\n")
	diags := parseDiagnostics(out)
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(diags))
	}
	if diags[0].line != 3 || !strings.Contains(diags[0].message, "F401") {
		t.Errorf("unexpected first diagnostic: %+v", diags[0])
	}
	if diags[1].line != 9 {
		t.Errorf("unexpected second diagnostic: %+v", diags[1])
	}
}

func TestParseJSONBlock(t *testing.T) {
	var out struct {
		Summary string `json:"summary"`
	}
	cases := []string{
		`{"summary": "plain"}`,
		"```json\n{\"summary\": \"plain\"}\n```",
		"Here you go:\n{\"summary\": \"plain\"}\nHope that helps.",
	}
	for _, c := range cases {
		out.Summary = ""
		if err := parseJSONBlock(c, &out); err != nil {
			t.Errorf("parseJSONBlock(%q): %v", c, err)
		}
		if out.Summary != "plain" {
			t.Errorf("parseJSONBlock(%q) = %q", c, out.Summary)
		}
	}
}

func TestParseJSONBlock_ObjectArrays(t *testing.T) {
	// The defect and style prompts ask for arrays of objects; the array
	// brackets must survive fences and surrounding prose.
	cases := []string{
		`[{"line": 2, "title": "a"}, {"line": 5, "title": "b"}]`,
		"```json\n[{\"line\": 2, \"title\": \"a\"}, {\"line\": 5, \"title\": \"b\"}]\n```",
		"Found two issues:\n[{\"line\": 2, \"title\": \"a\"}, {\"line\": 5, \"title\": \"b\"}]\nLet me know.",
	}
	for _, c := range cases {
		var out []modelFinding
		if err := parseJSONBlock(c, &out); err != nil {
			t.Errorf("parseJSONBlock(%q): %v", c, err)
			continue
		}
		if len(out) != 2 || out[0].Line != 2 || out[1].Line != 5 {
			t.Errorf("parseJSONBlock(%q) = %+v", c, out)
		}
	}
}

func TestCostMeter(t *testing.T) {
	m := costMeter{ceiling: 10}
	if !m.charge(5) {
		t.Fatal("first charge must fit")
	}
	if !m.charge(5) {
		t.Fatal("exact ceiling must fit")
	}
	if m.charge(1) {
		t.Fatal("over ceiling must be refused")
	}
	m.settle(5, 8)
	if got := m.cents.Load(); got != 13 {
		t.Errorf("settle up: got %d", got)
	}
	m.settle(5, 2)
	if got := m.cents.Load(); got != 13 {
		t.Errorf("settle must never go down: got %d", got)
	}
}

func mustParseRepoCfg(t *testing.T, raw string) *repocfg.Config {
	t.Helper()
	return repocfg.Parse([]byte(raw), "acme/api")
}
