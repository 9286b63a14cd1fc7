package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cafedir/crawler/internal/directory"
)

// HistoryStore implements directory.HistoryStore over Postgres.
type HistoryStore struct {
	db DB
}

// NewHistoryStore wraps a DB.
func NewHistoryStore(db DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// OpenHistory inserts an in-progress attempt row.
func (s *HistoryStore) OpenHistory(ctx context.Context, h directory.CrawlHistory) error {
	query := `
		INSERT INTO crawl_history (id, target_id, started_at, status)
		VALUES ($1, $2, $3, $4);
	`
	_, err := s.db.Exec(ctx, query, h.ID, h.TargetID, h.StartedAt, string(h.Status))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// CloseHistory finalizes a previously opened attempt.
func (s *HistoryStore) CloseHistory(ctx context.Context, id string, finishedAt time.Time, status directory.HistoryStatus, counts directory.CrawlCounts, errText string) error {
	query := `
		UPDATE crawl_history
		SET finished_at = $1, status = $2, found = $3, added = $4,
			updated = $5, skipped = $6, error_text = $7
		WHERE id = $8;
	`
	tag, err := s.db.Exec(ctx, query,
		finishedAt, string(status), counts.Found, counts.Added,
		counts.Updated, counts.Skipped, errText, id,
	)
	if err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history %q: %w", id, directory.ErrNotFound)
	}
	return nil
}

// ListByTarget returns a target's attempts, most recent first.
func (s *HistoryStore) ListByTarget(ctx context.Context, targetID string, limit int) ([]directory.CrawlHistory, error) {
	query := `
		SELECT id, target_id, started_at, finished_at, status,
			found, added, updated, skipped, error_text
		FROM crawl_history
		WHERE target_id = $1
		ORDER BY started_at DESC
		LIMIT $2;
	`
	rows, err := s.db.Query(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []directory.CrawlHistory
	for rows.Next() {
		var (
			h      directory.CrawlHistory
			status string
		)
		err := rows.Scan(
			&h.ID, &h.TargetID, &h.StartedAt, &h.FinishedAt, &status,
			&h.Counts.Found, &h.Counts.Added, &h.Counts.Updated,
			&h.Counts.Skipped, &h.ErrorText,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Status = directory.HistoryStatus(status)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}
