package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cafedir/crawler/internal/directory"
)

type cafeStore struct {
	db DB
}

const cafeColumns = `id, slug, name, region, address, phone, website, latitude,
	longitude, rating, review_count, opening_hours, external_ids, created_at,
	updated_at, last_verified_at`

// FindByExternalID returns the single cafe carrying the namespaced ID. Two
// or more rows indicate corrupted identity data and come back classified as
// an integrity error.
func (s *cafeStore) FindByExternalID(ctx context.Context, externalID string) (directory.Cafe, error) {
	query := `SELECT ` + cafeColumns + ` FROM cafes WHERE $1 = ANY(external_ids);`
	rows, err := s.db.Query(ctx, query, externalID)
	if err != nil {
		return directory.Cafe{}, fmt.Errorf("find cafe by external id: %w", err)
	}
	defer rows.Close()

	var matches []directory.Cafe
	for rows.Next() {
		c, err := scanCafe(rows)
		if err != nil {
			return directory.Cafe{}, fmt.Errorf("scan cafe: %w", err)
		}
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return directory.Cafe{}, fmt.Errorf("iterate cafes: %w", err)
	}
	switch len(matches) {
	case 0:
		return directory.Cafe{}, fmt.Errorf("external id %q: %w", externalID, directory.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return directory.Cafe{}, directory.Integrity(fmt.Errorf("external id %q maps to %d cafes", externalID, len(matches)))
	}
}

// FindByName matches case-insensitively within one region.
func (s *cafeStore) FindByName(ctx context.Context, name, region string) (directory.Cafe, error) {
	query := `SELECT ` + cafeColumns + ` FROM cafes WHERE lower(name) = lower($1) AND region = $2;`
	row := s.db.QueryRow(ctx, query, name, region)
	c, err := scanCafe(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.Cafe{}, fmt.Errorf("cafe %q in %q: %w", name, region, directory.ErrNotFound)
	}
	if err != nil {
		return directory.Cafe{}, fmt.Errorf("find cafe by name: %w", err)
	}
	return c, nil
}

func (s *cafeStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cafes WHERE slug = $1);`, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

func (s *cafeStore) CreateCafe(ctx context.Context, c directory.Cafe) error {
	query := `
		INSERT INTO cafes (` + cafeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`
	_, err := s.db.Exec(ctx, query,
		c.ID, c.Slug, c.Name, c.Region, c.Address, c.Phone, c.Website,
		c.Latitude, c.Longitude, c.Rating, c.ReviewCount, c.OpeningHours,
		c.ExternalIDs, c.CreatedAt, c.UpdatedAt, c.LastVerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cafe: %w", err)
	}
	return nil
}

func (s *cafeStore) UpdateCafe(ctx context.Context, c directory.Cafe) error {
	query := `
		UPDATE cafes
		SET name = $1, region = $2, address = $3, phone = $4, website = $5,
			latitude = $6, longitude = $7, rating = $8, review_count = $9,
			opening_hours = $10, external_ids = $11, updated_at = $12,
			last_verified_at = $13
		WHERE id = $14;
	`
	tag, err := s.db.Exec(ctx, query,
		c.Name, c.Region, c.Address, c.Phone, c.Website,
		c.Latitude, c.Longitude, c.Rating, c.ReviewCount,
		c.OpeningHours, c.ExternalIDs, c.UpdatedAt, c.LastVerifiedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update cafe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cafe %q: %w", c.ID, directory.ErrNotFound)
	}
	return nil
}

func (s *cafeStore) ListReviewTexts(ctx context.Context, cafeID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT text FROM reviews WHERE cafe_id = $1;`, cafeID)
	if err != nil {
		return nil, fmt.Errorf("list review texts: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *cafeStore) AddReview(ctx context.Context, r directory.Review) error {
	query := `INSERT INTO reviews (id, cafe_id, author, rating, text) VALUES ($1, $2, $3, $4, $5);`
	if _, err := s.db.Exec(ctx, query, r.ID, r.CafeID, r.Author, r.Rating, r.Text); err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *cafeStore) ListPhotoPaths(ctx context.Context, cafeID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT path FROM photos WHERE cafe_id = $1;`, cafeID)
	if err != nil {
		return nil, fmt.Errorf("list photo paths: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *cafeStore) AddPhoto(ctx context.Context, p directory.Photo) error {
	query := `INSERT INTO photos (id, cafe_id, path) VALUES ($1, $2, $3);`
	if _, err := s.db.Exec(ctx, query, p.ID, p.CafeID, p.Path); err != nil {
		return fmt.Errorf("insert photo: %w", err)
	}
	return nil
}

func scanCafe(row pgx.Row) (directory.Cafe, error) {
	var c directory.Cafe
	err := row.Scan(
		&c.ID, &c.Slug, &c.Name, &c.Region, &c.Address, &c.Phone, &c.Website,
		&c.Latitude, &c.Longitude, &c.Rating, &c.ReviewCount, &c.OpeningHours,
		&c.ExternalIDs, &c.CreatedAt, &c.UpdatedAt, &c.LastVerifiedAt,
	)
	if err != nil {
		return directory.Cafe{}, err
	}
	return c, nil
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
