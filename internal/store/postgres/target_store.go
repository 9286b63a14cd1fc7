package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cafedir/crawler/internal/directory"
)

// TargetStore implements directory.TargetStore over Postgres.
type TargetStore struct {
	db DB
}

// NewTargetStore wraps a DB.
func NewTargetStore(db DB) *TargetStore {
	return &TargetStore{db: db}
}

const targetColumns = `id, name, region, source, url, queries, active, crawl_count,
	retry_attempts, last_crawled_at, last_status, next_crawl_at, max_results`

// CreateTarget inserts a new crawl target.
func (s *TargetStore) CreateTarget(ctx context.Context, t directory.CrawlTarget) error {
	query := `
		INSERT INTO crawl_targets (` + targetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`
	_, err := s.db.Exec(ctx, query,
		t.ID, t.Name, t.Region, string(t.Source), t.URL, t.Queries, t.Active,
		t.CrawlCount, t.RetryAttempts, t.LastCrawledAt, string(t.LastStatus),
		t.NextCrawlAt, t.MaxResults,
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// GetTarget fetches one target by ID.
func (s *TargetStore) GetTarget(ctx context.Context, id string) (directory.CrawlTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM crawl_targets WHERE id = $1;`
	row := s.db.QueryRow(ctx, query, id)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.CrawlTarget{}, fmt.Errorf("target %q: %w", id, directory.ErrNotFound)
	}
	if err != nil {
		return directory.CrawlTarget{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListRetryDue returns active targets whose next_crawl_at has elapsed.
func (s *TargetStore) ListRetryDue(ctx context.Context, now time.Time, limit int) ([]directory.CrawlTarget, error) {
	query := `
		SELECT ` + targetColumns + `
		FROM crawl_targets
		WHERE active AND next_crawl_at IS NOT NULL AND next_crawl_at <= $1
		ORDER BY next_crawl_at ASC
		LIMIT $2;
	`
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retry-due targets: %w", err)
	}
	defer rows.Close()
	return scanTargets(rows)
}

// ListActiveByPriority returns active targets, least-crawled first.
func (s *TargetStore) ListActiveByPriority(ctx context.Context, limit int) ([]directory.CrawlTarget, error) {
	query := `
		SELECT ` + targetColumns + `
		FROM crawl_targets
		WHERE active
		ORDER BY crawl_count ASC, last_crawled_at ASC NULLS FIRST, name ASC
		LIMIT $1;
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	defer rows.Close()
	return scanTargets(rows)
}

// UpdateCrawlState persists the scheduler-owned fields.
func (s *TargetStore) UpdateCrawlState(ctx context.Context, t directory.CrawlTarget) error {
	query := `
		UPDATE crawl_targets
		SET crawl_count = $1, retry_attempts = $2, last_crawled_at = $3,
			last_status = $4, next_crawl_at = $5
		WHERE id = $6;
	`
	tag, err := s.db.Exec(ctx, query,
		t.CrawlCount, t.RetryAttempts, t.LastCrawledAt, string(t.LastStatus),
		t.NextCrawlAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update crawl state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %q: %w", t.ID, directory.ErrNotFound)
	}
	return nil
}

func scanTarget(row pgx.Row) (directory.CrawlTarget, error) {
	var (
		t      directory.CrawlTarget
		source string
		status string
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Region, &source, &t.URL, &t.Queries, &t.Active,
		&t.CrawlCount, &t.RetryAttempts, &t.LastCrawledAt, &status,
		&t.NextCrawlAt, &t.MaxResults,
	)
	if err != nil {
		return directory.CrawlTarget{}, err
	}
	t.Source = directory.SourceKind(source)
	t.LastStatus = directory.CrawlStatus(status)
	return t, nil
}

func scanTargets(rows pgx.Rows) ([]directory.CrawlTarget, error) {
	var out []directory.CrawlTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}
