package postgres

import (
	"context"
	"fmt"

	"github.com/cafedir/crawler/internal/directory"
)

// Stores implements directory.Stores over a DB.
type Stores struct {
	db   DB
	inTx bool
}

// NewStores wraps a DB (normally a *pgxpool.Pool).
func NewStores(db DB) *Stores {
	return &Stores{db: db}
}

// Cafes returns the cafe store view.
func (s *Stores) Cafes() directory.CafeStore { return &cafeStore{db: s.db} }

// Games returns the game store view.
func (s *Stores) Games() directory.GameStore { return &gameStore{db: s.db} }

// InTx runs fn against a transactional view. A nested call reuses the open
// transaction.
func (s *Stores) InTx(ctx context.Context, fn func(directory.Stores) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Stores{db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
