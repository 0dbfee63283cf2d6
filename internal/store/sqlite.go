// Package store persists installations, repositories, reviews, findings and
// conversation threads in sqlite. The driver is pure Go so the service builds
// with CGO_ENABLED=0.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver, CGO-free, compatible with CGO_ENABLED=0

	"openrabbit/internal/domain"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// New opens the database and applies the schema. timeout bounds how long a
// write waits on a locked database before failing; zero keeps the driver
// default.
func New(dsn string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if timeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout.Milliseconds())); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS installations (
        id            INTEGER PRIMARY KEY,
        account_login TEXT NOT NULL,
        account_kind  TEXT NOT NULL,
        config        TEXT NOT NULL DEFAULT '{}',
        active        INTEGER NOT NULL DEFAULT 1,
        created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    CREATE TABLE IF NOT EXISTS repositories (
        id               INTEGER PRIMARY KEY,
        installation_id  INTEGER NOT NULL,
        full_name        TEXT NOT NULL,
        default_branch   TEXT NOT NULL DEFAULT 'main',
        index_status     TEXT NOT NULL DEFAULT 'pending',
        last_indexed_sha TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_repos_installation ON repositories(installation_id);
    CREATE TABLE IF NOT EXISTS reviews (
        id            TEXT PRIMARY KEY,
        repo_id       INTEGER NOT NULL,
        pr_number     INTEGER NOT NULL,
        base_sha      TEXT NOT NULL,
        head_sha      TEXT NOT NULL,
        status        TEXT NOT NULL,
        stage         TEXT NOT NULL DEFAULT '',
        finding_count INTEGER NOT NULL DEFAULT 0,
        cost_cents    INTEGER NOT NULL DEFAULT 0,
        enqueued_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
        started_at    DATETIME,
        completed_at  DATETIME,
        error_message TEXT
    );
    CREATE UNIQUE INDEX IF NOT EXISTS idx_reviews_key ON reviews(repo_id, pr_number, head_sha);
    CREATE INDEX IF NOT EXISTS idx_reviews_enqueued ON reviews(enqueued_at);
    CREATE TABLE IF NOT EXISTS findings (
        id          TEXT PRIMARY KEY,
        review_id   TEXT NOT NULL,
        path        TEXT NOT NULL,
        start_line  INTEGER NOT NULL,
        end_line    INTEGER NOT NULL,
        position    INTEGER NOT NULL,
        severity    TEXT NOT NULL,
        category    TEXT NOT NULL,
        title       TEXT NOT NULL,
        body        TEXT NOT NULL,
        suggestion  TEXT,
        comment_id  INTEGER,
        applied     INTEGER NOT NULL DEFAULT 0,
        dismissed   INTEGER NOT NULL DEFAULT 0,
        confidence  REAL NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_findings_review ON findings(review_id);
    CREATE TABLE IF NOT EXISTS threads (
        comment_id   INTEGER PRIMARY KEY,
        finding_id   TEXT NOT NULL,
        repo_id      INTEGER NOT NULL,
        pr_number    INTEGER NOT NULL,
        path         TEXT NOT NULL,
        line         INTEGER NOT NULL,
        commit_sha   TEXT NOT NULL,
        file_content TEXT NOT NULL,
        history      TEXT NOT NULL DEFAULT '[]',
        created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- installations ----

func (s *Store) UpsertInstallation(ctx context.Context, inst *domain.Installation) error {
	config := inst.Config
	if config == "" {
		config = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO installations (id, account_login, account_kind, config, active)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            account_login = excluded.account_login,
            account_kind  = excluded.account_kind,
            active        = excluded.active,
            updated_at    = CURRENT_TIMESTAMP
    `, inst.ID, inst.AccountLogin, inst.AccountKind, config, inst.Active)
	return err
}

// DeactivateInstallation flags the tenant inactive. Review history is kept.
func (s *Store) DeactivateInstallation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE installations SET active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
    `, id)
	return err
}

func (s *Store) GetInstallation(ctx context.Context, id int64) (*domain.Installation, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, account_login, account_kind, config, active, created_at, updated_at
        FROM installations WHERE id = ?
    `, id)
	var inst domain.Installation
	var active int
	err := row.Scan(&inst.ID, &inst.AccountLogin, &inst.AccountKind, &inst.Config,
		&active, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Active = active != 0
	return &inst, nil
}

// ---- repositories ----

func (s *Store) UpsertRepository(ctx context.Context, repo *domain.Repository) error {
	status := repo.IndexStatus
	if status == "" {
		status = domain.IndexPending
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO repositories (id, installation_id, full_name, default_branch, index_status, last_indexed_sha)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            installation_id = excluded.installation_id,
            full_name       = excluded.full_name,
            default_branch  = excluded.default_branch
    `, repo.ID, repo.InstallationID, repo.FullName, repo.DefaultBranch, status, nullStr(repo.LastIndexedSHA))
	return err
}

func (s *Store) GetRepository(ctx context.Context, id int64) (*domain.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, installation_id, full_name, default_branch, index_status, last_indexed_sha
        FROM repositories WHERE id = ?
    `, id)
	return scanRepository(row)
}

// SetIndexStatus records indexing progress; sha is recorded only when ready.
func (s *Store) SetIndexStatus(ctx context.Context, repoID int64, status domain.IndexStatus, sha string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE repositories SET index_status = ?, last_indexed_sha = COALESCE(?, last_indexed_sha)
        WHERE id = ?
    `, status, nullStr(sha), repoID)
	return err
}

func (s *Store) ListRepositories(ctx context.Context, installationID int64) ([]*domain.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, installation_id, full_name, default_branch, index_status, last_indexed_sha
        FROM repositories WHERE installation_id = ? ORDER BY full_name
    `, installationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			slog.Warn("scan repository failed", "error", err)
			continue
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// ListIndexProgress returns every repository with its indexing state, for
// the admin surface.
func (s *Store) ListIndexProgress(ctx context.Context) ([]*domain.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, installation_id, full_name, default_branch, index_status, last_indexed_sha
        FROM repositories ORDER BY index_status, full_name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			slog.Warn("scan repository failed", "error", err)
			continue
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// ---- reviews ----

// CreateReview inserts a queued review, or returns the existing row for the
// same (repo, pr, head). created is false on the duplicate path.
func (s *Store) CreateReview(ctx context.Context, rev *domain.Review) (created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO reviews (id, repo_id, pr_number, base_sha, head_sha, status)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(repo_id, pr_number, head_sha) DO NOTHING
    `, rev.ID, rev.RepoID, rev.PRNumber, rev.BaseSHA, rev.HeadSHA, domain.ReviewQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetReview(ctx context.Context, id string) (*domain.Review, error) {
	row := s.db.QueryRowContext(ctx, reviewSelect+` WHERE id = ?`, id)
	return scanReview(row)
}

func (s *Store) GetReviewByKey(ctx context.Context, repoID int64, prNumber int, headSHA string) (*domain.Review, error) {
	row := s.db.QueryRowContext(ctx,
		reviewSelect+` WHERE repo_id = ? AND pr_number = ? AND head_sha = ?`,
		repoID, prNumber, headSHA)
	return scanReview(row)
}

// StartReview moves a review to processing and stamps the start time.
func (s *Store) StartReview(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE reviews SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?
    `, domain.ReviewProcessing, id)
	return err
}

// SetReviewStage records pipeline progress for operators.
func (s *Store) SetReviewStage(ctx context.Context, id, stage string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reviews SET stage = ? WHERE id = ?`, stage, id)
	return err
}

// CompleteReview writes the terminal transition and the findings atomically.
// A completed review with missing findings must be impossible.
func (s *Store) CompleteReview(ctx context.Context, id string, costCents int64, findings []*domain.Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        UPDATE reviews SET status = ?, finding_count = ?, cost_cents = ?,
            completed_at = CURRENT_TIMESTAMP
        WHERE id = ?
    `, domain.ReviewCompleted, len(findings), costCents, id); err != nil {
		return err
	}

	for _, f := range findings {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO findings (id, review_id, path, start_line, end_line, position,
                severity, category, title, body, suggestion, comment_id, confidence)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, f.ID, id, f.Path, f.StartLine, f.EndLine, f.Position,
			f.Severity, f.Category, f.Title, f.Body, nullStr(f.Suggestion),
			nullInt(f.CommentID), f.Confidence); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FailReview writes the failed terminal transition with the operator message.
func (s *Store) FailReview(ctx context.Context, id, message string, costCents int64) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE reviews SET status = ?, error_message = ?, cost_cents = ?,
            completed_at = CURRENT_TIMESTAMP
        WHERE id = ?
    `, domain.ReviewFailed, message, costCents, id)
	return err
}

func (s *Store) ListRecentReviews(ctx context.Context, limit int) ([]*domain.Review, error) {
	return s.listReviews(ctx, reviewSelect+` ORDER BY enqueued_at DESC LIMIT ?`, limit)
}

func (s *Store) ListRecentErrors(ctx context.Context, limit int) ([]*domain.Review, error) {
	return s.listReviews(ctx,
		reviewSelect+` WHERE status = 'failed' ORDER BY completed_at DESC LIMIT ?`, limit)
}

func (s *Store) listReviews(ctx context.Context, query string, args ...any) ([]*domain.Review, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []*domain.Review
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			slog.Warn("scan review failed", "error", err)
			continue
		}
		reviews = append(reviews, rev)
	}
	return reviews, rows.Err()
}

// Stats summarizes review counts and spend for the admin surface.
type Stats struct {
	ReviewsByStatus map[domain.ReviewStatus]int `json:"reviews_by_status"`
	TotalCostCents  int64                       `json:"total_cost_cents"`
	TotalFindings   int                         `json:"total_findings"`
}

func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ReviewsByStatus: make(map[domain.ReviewStatus]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reviews GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.ReviewStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ReviewsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(cost_cents), 0), COALESCE(SUM(finding_count), 0) FROM reviews
    `)
	if err := row.Scan(&stats.TotalCostCents, &stats.TotalFindings); err != nil {
		return nil, err
	}
	return stats, nil
}

// ---- findings ----

func (s *Store) ListFindings(ctx context.Context, reviewID string) ([]*domain.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, review_id, path, start_line, end_line, position, severity, category,
            title, body, suggestion, comment_id, applied, dismissed, confidence
        FROM findings WHERE review_id = ? ORDER BY path, start_line
    `, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*domain.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			slog.Warn("scan finding failed", "error", err)
			continue
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (s *Store) GetFinding(ctx context.Context, id string) (*domain.Finding, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, review_id, path, start_line, end_line, position, severity, category,
            title, body, suggestion, comment_id, applied, dismissed, confidence
        FROM findings WHERE id = ?
    `, id)
	return scanFinding(row)
}

// SetFindingComment records the forge comment id after the post is confirmed.
func (s *Store) SetFindingComment(ctx context.Context, findingID string, commentID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE findings SET comment_id = ? WHERE id = ?`, commentID, findingID)
	return err
}

func (s *Store) SetFindingFlags(ctx context.Context, findingID string, applied, dismissed bool) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE findings SET applied = ?, dismissed = ? WHERE id = ?
    `, applied, dismissed, findingID)
	return err
}

// ---- threads ----

func (s *Store) SaveThread(ctx context.Context, th *domain.Thread) error {
	history, err := json.Marshal(th.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO threads (comment_id, finding_id, repo_id, pr_number, path, line, commit_sha, file_content, history)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(comment_id) DO UPDATE SET history = excluded.history
    `, th.CommentID, th.FindingID, th.RepoID, th.PRNumber, th.Path, th.Line,
		th.CommitSHA, th.FileContent, string(history))
	return err
}

func (s *Store) GetThread(ctx context.Context, commentID int64) (*domain.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT comment_id, finding_id, repo_id, pr_number, path, line, commit_sha, file_content, history, created_at
        FROM threads WHERE comment_id = ?
    `, commentID)

	var th domain.Thread
	var history string
	err := row.Scan(&th.CommentID, &th.FindingID, &th.RepoID, &th.PRNumber, &th.Path,
		&th.Line, &th.CommitSHA, &th.FileContent, &history, &th.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &th.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &th, nil
}

// UpdateThreadHistory replaces the stored history after the caller has
// appended the new turns and applied the prune policy.
func (s *Store) UpdateThreadHistory(ctx context.Context, commentID int64, history []domain.Message) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE threads SET history = ? WHERE comment_id = ?`, string(data), commentID)
	return err
}

// ---- scanning helpers ----

const reviewSelect = `
    SELECT id, repo_id, pr_number, base_sha, head_sha, status, stage, finding_count,
        cost_cents, enqueued_at, started_at, completed_at, error_message
    FROM reviews`

// Scanner interface to support both Row and Rows
type Scanner interface {
	Scan(dest ...any) error
}

func scanReview(s Scanner) (*domain.Review, error) {
	var rev domain.Review
	var startedAt, completedAt sql.NullTime
	var errMsg sql.NullString

	err := s.Scan(&rev.ID, &rev.RepoID, &rev.PRNumber, &rev.BaseSHA, &rev.HeadSHA,
		&rev.Status, &rev.Stage, &rev.FindingCount, &rev.CostCents,
		&rev.EnqueuedAt, &startedAt, &completedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		rev.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rev.CompletedAt = &completedAt.Time
	}
	rev.ErrorMessage = errMsg.String
	return &rev, nil
}

func scanRepository(s Scanner) (*domain.Repository, error) {
	var repo domain.Repository
	var lastIndexed sql.NullString

	err := s.Scan(&repo.ID, &repo.InstallationID, &repo.FullName, &repo.DefaultBranch,
		&repo.IndexStatus, &lastIndexed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	repo.LastIndexedSHA = lastIndexed.String
	return &repo, nil
}

func scanFinding(s Scanner) (*domain.Finding, error) {
	var f domain.Finding
	var suggestion sql.NullString
	var commentID sql.NullInt64
	var applied, dismissed int

	err := s.Scan(&f.ID, &f.ReviewID, &f.Path, &f.StartLine, &f.EndLine, &f.Position,
		&f.Severity, &f.Category, &f.Title, &f.Body, &suggestion, &commentID,
		&applied, &dismissed, &f.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Suggestion = suggestion.String
	f.CommentID = commentID.Int64
	f.Applied = applied != 0
	f.Dismissed = dismissed != 0
	return &f, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
