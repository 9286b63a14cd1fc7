package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cafedir/crawler/internal/directory"
)

type gameStore struct {
	db DB
}

func (s *gameStore) FindGameByExternalID(ctx context.Context, externalID string) (directory.Game, error) {
	query := `SELECT id, name, external_id FROM games WHERE external_id = $1;`
	g, err := scanGame(s.db.QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.Game{}, fmt.Errorf("game external id %q: %w", externalID, directory.ErrNotFound)
	}
	if err != nil {
		return directory.Game{}, fmt.Errorf("find game by external id: %w", err)
	}
	return g, nil
}

func (s *gameStore) FindGameByName(ctx context.Context, name string) (directory.Game, error) {
	query := `SELECT id, name, external_id FROM games WHERE lower(name) = lower($1);`
	g, err := scanGame(s.db.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.Game{}, fmt.Errorf("game %q: %w", name, directory.ErrNotFound)
	}
	if err != nil {
		return directory.Game{}, fmt.Errorf("find game by name: %w", err)
	}
	return g, nil
}

func (s *gameStore) CreateGame(ctx context.Context, g directory.Game) error {
	query := `INSERT INTO games (id, name, external_id) VALUES ($1, $2, $3);`
	if _, err := s.db.Exec(ctx, query, g.ID, g.Name, g.ExternalID); err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (s *gameStore) ListLinks(ctx context.Context, cafeID string) ([]directory.GameLink, error) {
	query := `SELECT cafe_id, game_id, last_verified_at FROM cafe_games WHERE cafe_id = $1;`
	rows, err := s.db.Query(ctx, query, cafeID)
	if err != nil {
		return nil, fmt.Errorf("list game links: %w", err)
	}
	defer rows.Close()

	var out []directory.GameLink
	for rows.Next() {
		var l directory.GameLink
		if err := rows.Scan(&l.CafeID, &l.GameID, &l.LastVerifiedAt); err != nil {
			return nil, fmt.Errorf("scan game link: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate game links: %w", err)
	}
	return out, nil
}

// UpsertLink inserts the join row or refreshes its verification time.
func (s *gameStore) UpsertLink(ctx context.Context, l directory.GameLink) error {
	query := `
		INSERT INTO cafe_games (cafe_id, game_id, last_verified_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cafe_id, game_id) DO UPDATE
		SET last_verified_at = EXCLUDED.last_verified_at;
	`
	if _, err := s.db.Exec(ctx, query, l.CafeID, l.GameID, l.LastVerifiedAt); err != nil {
		return fmt.Errorf("upsert game link: %w", err)
	}
	return nil
}

func (s *gameStore) RemoveLink(ctx context.Context, cafeID, gameID string) error {
	query := `DELETE FROM cafe_games WHERE cafe_id = $1 AND game_id = $2;`
	if _, err := s.db.Exec(ctx, query, cafeID, gameID); err != nil {
		return fmt.Errorf("remove game link: %w", err)
	}
	return nil
}

func (s *gameStore) CountLinks(ctx context.Context, gameID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM cafe_games WHERE game_id = $1;`, gameID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count game links: %w", err)
	}
	return count, nil
}

func (s *gameStore) DeleteGame(ctx context.Context, gameID string) error {
	query := `DELETE FROM games WHERE id = $1;`
	if _, err := s.db.Exec(ctx, query, gameID); err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	return nil
}

func scanGame(row pgx.Row) (directory.Game, error) {
	var g directory.Game
	if err := row.Scan(&g.ID, &g.Name, &g.ExternalID); err != nil {
		return directory.Game{}, err
	}
	return g, nil
}
