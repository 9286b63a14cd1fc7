// Package reconcile implements the upsert/merge/dedup engine that turns
// normalized records into canonical cafes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/directory"
	"github.com/cafedir/crawler/internal/slug"
)

// Reconciler matches incoming records against stored cafes, decides
// create-vs-update and deduplicates nested collections. It is the sole
// mutation point for canonical entities.
type Reconciler struct {
	stores directory.Stores
	photos directory.PhotoMirror
	clock  directory.Clock
	ids    directory.IDGenerator
	slugs  *slug.Allocator
	logger *zap.Logger
}

// New constructs a Reconciler.
func New(
	stores directory.Stores,
	photos directory.PhotoMirror,
	clock directory.Clock,
	ids directory.IDGenerator,
	logger *zap.Logger,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		stores: stores,
		photos: photos,
		clock:  clock,
		ids:    ids,
		slugs:  slug.NewAllocator(),
		logger: logger,
	}
}

// BeginBatch resets the in-flight slug working set. The scheduler calls it
// once per batch, after which the durable store is the only slug scope.
func (r *Reconciler) BeginBatch() {
	r.slugs.Reset()
}

// Upsert reconciles one record. The whole merge for the record runs inside
// one unit of work, so cancellation mid-merge leaves no partial state.
func (r *Reconciler) Upsert(ctx context.Context, rec directory.NormalizedRecord) (directory.UpsertResult, error) {
	if strings.TrimSpace(rec.Name) == "" {
		return directory.UpsertResult{}, directory.PermanentRecord(errors.New("record has no name"))
	}

	var res directory.UpsertResult
	err := r.stores.InTx(ctx, func(s directory.Stores) error {
		cafe, found, err := r.match(ctx, s, rec)
		if err != nil {
			return err
		}
		if !found {
			return r.create(ctx, s, rec, &res)
		}
		return r.update(ctx, s, cafe, rec, &res)
	})
	if err != nil {
		return directory.UpsertResult{}, err
	}
	return res, nil
}

// match applies the identity precedence: external ID first, then
// case-insensitive name within the same region.
func (r *Reconciler) match(ctx context.Context, s directory.Stores, rec directory.NormalizedRecord) (directory.Cafe, bool, error) {
	if rec.ExternalID != "" {
		cafe, err := s.Cafes().FindByExternalID(ctx, rec.ExternalID)
		switch {
		case err == nil:
			return cafe, true, nil
		case !errors.Is(err, directory.ErrNotFound):
			return directory.Cafe{}, false, fmt.Errorf("find by external id: %w", err)
		}
	}
	cafe, err := s.Cafes().FindByName(ctx, rec.Name, rec.Region)
	switch {
	case err == nil:
		return cafe, true, nil
	case errors.Is(err, directory.ErrNotFound):
		return directory.Cafe{}, false, nil
	default:
		return directory.Cafe{}, false, fmt.Errorf("find by name: %w", err)
	}
}

func (r *Reconciler) create(ctx context.Context, s directory.Stores, rec directory.NormalizedRecord, res *directory.UpsertResult) error {
	if rec.Latitude == 0 && rec.Longitude == 0 {
		return directory.PermanentRecord(fmt.Errorf("record %q has no geolocation", rec.Name))
	}

	cafeSlug, err := r.slugs.Allocate(ctx, rec.Name, s.Cafes().SlugExists)
	if err != nil {
		return fmt.Errorf("allocate slug: %w", err)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate cafe id: %w", err)
	}

	now := r.clock.Now()
	cafe := directory.Cafe{
		ID:             id,
		Slug:           cafeSlug,
		Name:           rec.Name,
		Region:         rec.Region,
		Address:        rec.Address,
		Phone:          rec.Phone,
		Website:        rec.Website,
		Latitude:       rec.Latitude,
		Longitude:      rec.Longitude,
		Rating:         rec.Rating,
		ReviewCount:    rec.ReviewCount,
		OpeningHours:   rec.OpeningHours,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastVerifiedAt: &now,
	}
	if rec.ExternalID != "" {
		cafe.ExternalIDs = []string{rec.ExternalID}
	}
	if err := s.Cafes().CreateCafe(ctx, cafe); err != nil {
		return fmt.Errorf("create cafe: %w", err)
	}
	r.logger.Info("cafe created",
		zap.String("cafe_id", cafe.ID),
		zap.String("slug", cafe.Slug),
		zap.String("source", string(rec.Source)),
	)

	if err := r.reconcileSubRecords(ctx, s, cafe, rec); err != nil {
		return err
	}
	*res = directory.UpsertResult{CafeID: cafe.ID, Created: true}
	return nil
}

func (r *Reconciler) update(ctx context.Context, s directory.Stores, cafe directory.Cafe, rec directory.NormalizedRecord, res *directory.UpsertResult) error {
	now := r.clock.Now()
	// Even a no-op merge refreshes last_verified_at.
	mergeCafe(&cafe, rec, now)
	if err := s.Cafes().UpdateCafe(ctx, cafe); err != nil {
		return fmt.Errorf("update cafe: %w", err)
	}

	if err := r.reconcileSubRecords(ctx, s, cafe, rec); err != nil {
		return err
	}
	*res = directory.UpsertResult{CafeID: cafe.ID, Created: false}
	return nil
}

func (r *Reconciler) reconcileSubRecords(ctx context.Context, s directory.Stores, cafe directory.Cafe, rec directory.NormalizedRecord) error {
	if err := r.reconcileReviews(ctx, s, cafe, rec.Reviews); err != nil {
		return err
	}
	if err := r.reconcilePhotos(ctx, s, cafe, rec.Photos); err != nil {
		return err
	}
	return r.reconcileGames(ctx, s, cafe, rec.Games)
}

// reconcileReviews deduplicates by exact review text within the parent cafe.
func (r *Reconciler) reconcileReviews(ctx context.Context, s directory.Stores, cafe directory.Cafe, reviews []directory.ReviewRecord) error {
	if len(reviews) == 0 {
		return nil
	}
	texts, err := s.Cafes().ListReviewTexts(ctx, cafe.ID)
	if err != nil {
		return fmt.Errorf("list review texts: %w", err)
	}
	seen := make(map[string]struct{}, len(texts))
	for _, t := range texts {
		seen[t] = struct{}{}
	}
	for _, rv := range reviews {
		text := strings.TrimSpace(rv.Text)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		id, err := r.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate review id: %w", err)
		}
		if err := s.Cafes().AddReview(ctx, directory.Review{
			ID:     id,
			CafeID: cafe.ID,
			Author: rv.Author,
			Rating: rv.Rating,
			Text:   text,
		}); err != nil {
			return fmt.Errorf("add review: %w", err)
		}
		seen[text] = struct{}{}
	}
	return nil
}

// reconcilePhotos deduplicates by the locally-stored file path. Mirror
// failures are logged and skipped; a dead image URL must not fail the merge.
func (r *Reconciler) reconcilePhotos(ctx context.Context, s directory.Stores, cafe directory.Cafe, photos []directory.PhotoRecord) error {
	if len(photos) == 0 || r.photos == nil {
		return nil
	}
	paths, err := s.Cafes().ListPhotoPaths(ctx, cafe.ID)
	if err != nil {
		return fmt.Errorf("list photo paths: %w", err)
	}
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		seen[p] = struct{}{}
	}
	for _, ph := range photos {
		if ph.SourceURL == "" {
			continue
		}
		path, err := r.photos.Mirror(ctx, cafe.Slug, ph.SourceURL)
		if err != nil {
			r.logger.Warn("photo mirror failed",
				zap.String("cafe_id", cafe.ID),
				zap.String("source_url", ph.SourceURL),
				zap.Error(err),
			)
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		id, err := r.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate photo id: %w", err)
		}
		if err := s.Cafes().AddPhoto(ctx, directory.Photo{ID: id, CafeID: cafe.ID, Path: path}); err != nil {
			return fmt.Errorf("add photo: %w", err)
		}
		seen[path] = struct{}{}
	}
	return nil
}

// reconcileGames matches catalog items by external ID, then exact name, in
// the global games table, and links them to the cafe via joins. When the
// incoming record carries a game list, links absent from it are removed and
// orphaned games purged — a deliberate cascade, not a DB-level one. An empty
// incoming list leaves existing links untouched (fill gaps, never regress).
func (r *Reconciler) reconcileGames(ctx context.Context, s directory.Stores, cafe directory.Cafe, games []directory.GameRecord) error {
	if len(games) == 0 {
		return nil
	}
	now := r.clock.Now()
	linked := make(map[string]struct{}, len(games))

	for _, g := range games {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			continue
		}
		game, err := r.matchGame(ctx, s, name, g.ExternalID)
		if err != nil {
			return err
		}
		if err := s.Games().UpsertLink(ctx, directory.GameLink{
			CafeID:         cafe.ID,
			GameID:         game.ID,
			LastVerifiedAt: now,
		}); err != nil {
			return fmt.Errorf("link game: %w", err)
		}
		linked[game.ID] = struct{}{}
	}
	if len(linked) == 0 {
		return nil
	}

	existing, err := s.Games().ListLinks(ctx, cafe.ID)
	if err != nil {
		return fmt.Errorf("list game links: %w", err)
	}
	for _, link := range existing {
		if _, keep := linked[link.GameID]; keep {
			continue
		}
		if err := s.Games().RemoveLink(ctx, cafe.ID, link.GameID); err != nil {
			return fmt.Errorf("remove game link: %w", err)
		}
		n, err := s.Games().CountLinks(ctx, link.GameID)
		if err != nil {
			return fmt.Errorf("count game links: %w", err)
		}
		if n == 0 {
			if err := s.Games().DeleteGame(ctx, link.GameID); err != nil {
				return fmt.Errorf("purge orphan game: %w", err)
			}
			r.logger.Info("orphan game purged", zap.String("game_id", link.GameID))
		}
	}
	return nil
}

func (r *Reconciler) matchGame(ctx context.Context, s directory.Stores, name, externalID string) (directory.Game, error) {
	if externalID != "" {
		game, err := s.Games().FindGameByExternalID(ctx, externalID)
		switch {
		case err == nil:
			return game, nil
		case !errors.Is(err, directory.ErrNotFound):
			return directory.Game{}, fmt.Errorf("find game by external id: %w", err)
		}
	}
	game, err := s.Games().FindGameByName(ctx, name)
	switch {
	case err == nil:
		return game, nil
	case !errors.Is(err, directory.ErrNotFound):
		return directory.Game{}, fmt.Errorf("find game by name: %w", err)
	}

	id, err := r.ids.NewID()
	if err != nil {
		return directory.Game{}, fmt.Errorf("generate game id: %w", err)
	}
	game = directory.Game{ID: id, Name: name, ExternalID: externalID}
	if err := s.Games().CreateGame(ctx, game); err != nil {
		return directory.Game{}, fmt.Errorf("create game: %w", err)
	}
	return game, nil
}
