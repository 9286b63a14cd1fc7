// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cafedir/crawler/internal/directory"
)

type data struct {
	cafes   map[string]directory.Cafe
	reviews map[string][]directory.Review
	photos  map[string][]directory.Photo
	games   map[string]directory.Game
	links   map[string]map[string]directory.GameLink
}

func newData() *data {
	return &data{
		cafes:   make(map[string]directory.Cafe),
		reviews: make(map[string][]directory.Review),
		photos:  make(map[string][]directory.Photo),
		games:   make(map[string]directory.Game),
		links:   make(map[string]map[string]directory.GameLink),
	}
}

func (d *data) clone() *data {
	cp := newData()
	for id, c := range d.cafes {
		c.ExternalIDs = append([]string(nil), c.ExternalIDs...)
		cp.cafes[id] = c
	}
	for id, rs := range d.reviews {
		cp.reviews[id] = append([]directory.Review(nil), rs...)
	}
	for id, ps := range d.photos {
		cp.photos[id] = append([]directory.Photo(nil), ps...)
	}
	for id, g := range d.games {
		cp.games[id] = g
	}
	for cafeID, byGame := range d.links {
		inner := make(map[string]directory.GameLink, len(byGame))
		for gameID, l := range byGame {
			inner[gameID] = l
		}
		cp.links[cafeID] = inner
	}
	return cp
}

// Stores implements directory.Stores in memory. InTx takes a snapshot and
// rolls back on error or cancellation, mirroring a real transaction.
type Stores struct {
	mu *sync.Mutex
	d  *data
}

// NewStores constructs empty Stores.
func NewStores() *Stores {
	return &Stores{mu: &sync.Mutex{}, d: newData()}
}

// Cafes returns the cafe store view.
func (s *Stores) Cafes() directory.CafeStore {
	return cafeStore{s}
}

// Games returns the game store view.
func (s *Stores) Games() directory.GameStore {
	return gameStore{s}
}

// InTx runs fn against an unlocked transactional view, restoring the
// pre-transaction snapshot if fn fails or the context is canceled.
func (s *Stores) InTx(ctx context.Context, fn func(directory.Stores) error) error {
	if s.mu == nil {
		// Already inside a transaction.
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.d.clone()
	tx := &Stores{d: s.d}
	if err := fn(tx); err != nil {
		*s.d = *snap
		return err
	}
	if err := ctx.Err(); err != nil {
		*s.d = *snap
		return fmt.Errorf("unit of work canceled: %w", err)
	}
	return nil
}

func (s *Stores) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type cafeStore struct {
	s *Stores
}

func (c cafeStore) FindByExternalID(_ context.Context, externalID string) (directory.Cafe, error) {
	defer c.s.lock()()
	var matches []directory.Cafe
	for _, cafe := range c.s.d.cafes {
		if cafe.HasExternalID(externalID) {
			matches = append(matches, cafe)
		}
	}
	switch len(matches) {
	case 0:
		return directory.Cafe{}, directory.ErrNotFound
	case 1:
		return cloneCafe(matches[0]), nil
	default:
		return directory.Cafe{}, directory.Integrity(fmt.Errorf("external id %q matches %d cafes", externalID, len(matches)))
	}
}

func (c cafeStore) FindByName(_ context.Context, name, region string) (directory.Cafe, error) {
	defer c.s.lock()()
	for _, cafe := range c.s.d.cafes {
		if strings.EqualFold(cafe.Name, name) && cafe.Region == region {
			return cloneCafe(cafe), nil
		}
	}
	return directory.Cafe{}, directory.ErrNotFound
}

func (c cafeStore) SlugExists(_ context.Context, slug string) (bool, error) {
	defer c.s.lock()()
	for _, cafe := range c.s.d.cafes {
		if cafe.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (c cafeStore) CreateCafe(_ context.Context, cafe directory.Cafe) error {
	defer c.s.lock()()
	if _, exists := c.s.d.cafes[cafe.ID]; exists {
		return errors.New("cafe already exists")
	}
	c.s.d.cafes[cafe.ID] = cloneCafe(cafe)
	return nil
}

func (c cafeStore) UpdateCafe(_ context.Context, cafe directory.Cafe) error {
	defer c.s.lock()()
	if _, exists := c.s.d.cafes[cafe.ID]; !exists {
		return directory.ErrNotFound
	}
	c.s.d.cafes[cafe.ID] = cloneCafe(cafe)
	return nil
}

func (c cafeStore) ListReviewTexts(_ context.Context, cafeID string) ([]string, error) {
	defer c.s.lock()()
	reviews := c.s.d.reviews[cafeID]
	texts := make([]string, 0, len(reviews))
	for _, r := range reviews {
		texts = append(texts, r.Text)
	}
	return texts, nil
}

func (c cafeStore) AddReview(_ context.Context, review directory.Review) error {
	defer c.s.lock()()
	c.s.d.reviews[review.CafeID] = append(c.s.d.reviews[review.CafeID], review)
	return nil
}

func (c cafeStore) ListPhotoPaths(_ context.Context, cafeID string) ([]string, error) {
	defer c.s.lock()()
	photos := c.s.d.photos[cafeID]
	paths := make([]string, 0, len(photos))
	for _, p := range photos {
		paths = append(paths, p.Path)
	}
	return paths, nil
}

func (c cafeStore) AddPhoto(_ context.Context, photo directory.Photo) error {
	defer c.s.lock()()
	c.s.d.photos[photo.CafeID] = append(c.s.d.photos[photo.CafeID], photo)
	return nil
}

// GetCafe is a test helper outside the directory.CafeStore contract.
func (s *Stores) GetCafe(id string) (directory.Cafe, bool) {
	defer s.lock()()
	cafe, ok := s.d.cafes[id]
	return cloneCafe(cafe), ok
}

// CafeCount is a test helper.
func (s *Stores) CafeCount() int {
	defer s.lock()()
	return len(s.d.cafes)
}

// GameCount is a test helper.
func (s *Stores) GameCount() int {
	defer s.lock()()
	return len(s.d.games)
}

// Reviews is a test helper.
func (s *Stores) Reviews(cafeID string) []directory.Review {
	defer s.lock()()
	return append([]directory.Review(nil), s.d.reviews[cafeID]...)
}

// Photos is a test helper.
func (s *Stores) Photos(cafeID string) []directory.Photo {
	defer s.lock()()
	return append([]directory.Photo(nil), s.d.photos[cafeID]...)
}

type gameStore struct {
	s *Stores
}

func (g gameStore) FindGameByExternalID(_ context.Context, externalID string) (directory.Game, error) {
	defer g.s.lock()()
	if externalID == "" {
		return directory.Game{}, directory.ErrNotFound
	}
	for _, game := range g.s.d.games {
		if game.ExternalID == externalID {
			return game, nil
		}
	}
	return directory.Game{}, directory.ErrNotFound
}

func (g gameStore) FindGameByName(_ context.Context, name string) (directory.Game, error) {
	defer g.s.lock()()
	for _, game := range g.s.d.games {
		if game.Name == name {
			return game, nil
		}
	}
	return directory.Game{}, directory.ErrNotFound
}

func (g gameStore) CreateGame(_ context.Context, game directory.Game) error {
	defer g.s.lock()()
	if _, exists := g.s.d.games[game.ID]; exists {
		return errors.New("game already exists")
	}
	g.s.d.games[game.ID] = game
	return nil
}

func (g gameStore) ListLinks(_ context.Context, cafeID string) ([]directory.GameLink, error) {
	defer g.s.lock()()
	byGame := g.s.d.links[cafeID]
	links := make([]directory.GameLink, 0, len(byGame))
	for _, l := range byGame {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].GameID < links[j].GameID })
	return links, nil
}

func (g gameStore) UpsertLink(_ context.Context, link directory.GameLink) error {
	defer g.s.lock()()
	byGame := g.s.d.links[link.CafeID]
	if byGame == nil {
		byGame = make(map[string]directory.GameLink)
		g.s.d.links[link.CafeID] = byGame
	}
	byGame[link.GameID] = link
	return nil
}

func (g gameStore) RemoveLink(_ context.Context, cafeID, gameID string) error {
	defer g.s.lock()()
	delete(g.s.d.links[cafeID], gameID)
	return nil
}

func (g gameStore) CountLinks(_ context.Context, gameID string) (int, error) {
	defer g.s.lock()()
	n := 0
	for _, byGame := range g.s.d.links {
		if _, ok := byGame[gameID]; ok {
			n++
		}
	}
	return n, nil
}

func (g gameStore) DeleteGame(_ context.Context, gameID string) error {
	defer g.s.lock()()
	delete(g.s.d.games, gameID)
	return nil
}

func cloneCafe(c directory.Cafe) directory.Cafe {
	c.ExternalIDs = append([]string(nil), c.ExternalIDs...)
	return c
}
