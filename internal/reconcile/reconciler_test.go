package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/directory"
	"github.com/cafedir/crawler/internal/store/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeIDGen struct {
	n int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fakeMirror struct {
	err   error
	calls int
}

func (m *fakeMirror) Mirror(_ context.Context, cafeSlug, sourceURL string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "photos/" + cafeSlug + "/" + sourceURL, nil
}

func newTestReconciler(t *testing.T) (*Reconciler, *memory.Stores, *fakeMirror) {
	t.Helper()
	stores := memory.NewStores()
	mirror := &fakeMirror{}
	r := New(stores, mirror, &fakeClock{now: time.Unix(1700000000, 0).UTC()}, &fakeIDGen{}, zap.NewNop())
	return r, stores, mirror
}

func mapRecord(name string) directory.NormalizedRecord {
	return directory.NormalizedRecord{
		Source:     directory.SourceMapSearch,
		ExternalID: directory.NamespacedID(directory.SourceMapSearch, "ext-"+name),
		Name:       name,
		Region:     "seattle",
		Address:    "123 Pike St",
		Latitude:   47.6,
		Longitude:  -122.3,
		Rating:     4.5,
	}
}

func TestUpsertCreatesWithSlug(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	res, err := r.Upsert(context.Background(), mapRecord("Board Cafe"))
	require.NoError(t, err)
	require.True(t, res.Created)

	cafe, ok := stores.GetCafe(res.CafeID)
	require.True(t, ok)
	require.Equal(t, "board-cafe", cafe.Slug)
	require.Equal(t, "Board Cafe", cafe.Name)
	require.Contains(t, cafe.ExternalIDs, "map_search:ext-Board Cafe")
	require.NotNil(t, cafe.LastVerifiedAt)
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)
	rec := mapRecord("Board Cafe")

	first, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.CafeID, second.CafeID)
	require.Equal(t, 1, stores.CafeCount())

	cafe, _ := stores.GetCafe(first.CafeID)
	require.Equal(t, "board-cafe", cafe.Slug)
	require.Equal(t, "Board Cafe", cafe.Name)
}

func TestUpsertMatchesByNameWhenExternalIDUnknown(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	first, err := r.Upsert(context.Background(), mapRecord("Board Cafe"))
	require.NoError(t, err)

	// Same venue reported by another source with a different external ID.
	rec := directory.NormalizedRecord{
		Source:     directory.SourceCollectionAPI,
		ExternalID: directory.NamespacedID(directory.SourceCollectionAPI, "42"),
		Name:       "BOARD CAFE",
		Region:     "seattle",
		Phone:      "555-0101",
	}
	second, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.CafeID, second.CafeID)

	cafe, _ := stores.GetCafe(first.CafeID)
	require.Contains(t, cafe.ExternalIDs, "collection_api:42")
	require.Equal(t, "555-0101", cafe.Phone)
	require.Equal(t, "Board Cafe", cafe.Name, "stored name casing wins")
}

func TestMergeNeverRegressesPopulatedFields(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)
	res, err := r.Upsert(context.Background(), mapRecord("Board Cafe"))
	require.NoError(t, err)

	sparse := directory.NormalizedRecord{
		Source:     directory.SourceMapSearch,
		ExternalID: directory.NamespacedID(directory.SourceMapSearch, "ext-Board Cafe"),
		Name:       "Board Cafe",
	}
	_, err = r.Upsert(context.Background(), sparse)
	require.NoError(t, err)

	cafe, _ := stores.GetCafe(res.CafeID)
	require.Equal(t, "123 Pike St", cafe.Address)
	require.InDelta(t, 47.6, cafe.Latitude, 0.001)
	require.InDelta(t, 4.5, cafe.Rating, 0.001)
}

func TestVolatileFieldsRefresh(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)
	res, err := r.Upsert(context.Background(), mapRecord("Board Cafe"))
	require.NoError(t, err)

	update := mapRecord("Board Cafe")
	update.Rating = 4.9
	update.ReviewCount = 321
	update.OpeningHours = "Mon-Sun 10:00-22:00"
	update.Address = "999 Other St" // populated field: must not change

	_, err = r.Upsert(context.Background(), update)
	require.NoError(t, err)

	cafe, _ := stores.GetCafe(res.CafeID)
	require.InDelta(t, 4.9, cafe.Rating, 0.001)
	require.Equal(t, 321, cafe.ReviewCount)
	require.Equal(t, "Mon-Sun 10:00-22:00", cafe.OpeningHours)
	require.Equal(t, "123 Pike St", cafe.Address)
}

func TestCreateRejectsMissingGeolocation(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	rec := mapRecord("No Geo Cafe")
	rec.Latitude = 0
	rec.Longitude = 0

	_, err := r.Upsert(context.Background(), rec)
	require.Error(t, err)
	require.Equal(t, directory.ClassPermanentRecord, directory.Classify(err))
	require.Equal(t, 0, stores.CafeCount())
}

func TestUpsertRejectsNamelessRecord(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestReconciler(t)
	_, err := r.Upsert(context.Background(), directory.NormalizedRecord{Region: "seattle"})
	require.Error(t, err)
	require.Equal(t, directory.ClassPermanentRecord, directory.Classify(err))
}

func TestSlugCollisionAcrossRegions(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	first := mapRecord("Board Cafe")
	second := mapRecord("Board Cafe")
	second.ExternalID = directory.NamespacedID(directory.SourceMapSearch, "other")
	second.Region = "portland"

	a, err := r.Upsert(context.Background(), first)
	require.NoError(t, err)
	b, err := r.Upsert(context.Background(), second)
	require.NoError(t, err)
	require.NotEqual(t, a.CafeID, b.CafeID)

	cafeA, _ := stores.GetCafe(a.CafeID)
	cafeB, _ := stores.GetCafe(b.CafeID)
	require.Equal(t, "board-cafe", cafeA.Slug)
	require.Equal(t, "board-cafe-1", cafeB.Slug)
}

func TestReviewsDedupedByText(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	rec := mapRecord("Board Cafe")
	rec.Reviews = []directory.ReviewRecord{
		{Author: "ana", Rating: 5, Text: "Great selection"},
		{Author: "bob", Rating: 4, Text: "Great selection"},
		{Author: "cid", Rating: 3, Text: "Too crowded"},
	}
	res, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, stores.Reviews(res.CafeID), 2)

	// Re-applying the same record adds nothing.
	_, err = r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, stores.Reviews(res.CafeID), 2)
}

func TestPhotosDedupedByStoredPath(t *testing.T) {
	t.Parallel()

	r, stores, mirror := newTestReconciler(t)

	rec := mapRecord("Board Cafe")
	rec.Photos = []directory.PhotoRecord{
		{SourceURL: "a.jpg"},
		{SourceURL: "a.jpg"},
		{SourceURL: "b.jpg"},
	}
	res, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, stores.Photos(res.CafeID), 2)
	require.Equal(t, 3, mirror.calls)
}

func TestPhotoMirrorFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	r, stores, mirror := newTestReconciler(t)
	mirror.err = errors.New("bucket unavailable")

	rec := mapRecord("Board Cafe")
	rec.Photos = []directory.PhotoRecord{{SourceURL: "a.jpg"}}
	res, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Empty(t, stores.Photos(res.CafeID))
}

func TestGamesLinkedAndOrphansPurged(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	rec := mapRecord("Board Cafe")
	rec.Games = []directory.GameRecord{
		{Name: "Gloomhaven", ExternalID: "collection_api:174430"},
		{Name: "Catan"},
	}
	res, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, 2, stores.GameCount())

	links, err := stores.Games().ListLinks(context.Background(), res.CafeID)
	require.NoError(t, err)
	require.Len(t, links, 2)

	// The next crawl no longer sees Catan; it is unlinked and, with no other
	// cafe referencing it, purged from the catalog.
	rec.Games = rec.Games[:1]
	_, err = r.Upsert(context.Background(), rec)
	require.NoError(t, err)

	links, err = stores.Games().ListLinks(context.Background(), res.CafeID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, 1, stores.GameCount())
}

func TestSharedGameSurvivesUnlinkFromOneCafe(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	recA := mapRecord("Board Cafe")
	recA.Games = []directory.GameRecord{{Name: "Gloomhaven"}, {Name: "Catan"}}
	_, err := r.Upsert(context.Background(), recA)
	require.NoError(t, err)

	recB := mapRecord("Dice Tower")
	recB.ExternalID = directory.NamespacedID(directory.SourceMapSearch, "ext-dice")
	recB.Games = []directory.GameRecord{{Name: "Catan"}}
	_, err = r.Upsert(context.Background(), recB)
	require.NoError(t, err)
	require.Equal(t, 2, stores.GameCount(), "Catan matched by name, not duplicated")

	// Board Cafe drops Catan, but Dice Tower still links it.
	recA.Games = recA.Games[:1]
	_, err = r.Upsert(context.Background(), recA)
	require.NoError(t, err)
	require.Equal(t, 2, stores.GameCount())
}

func TestEmptyGameListLeavesLinksAlone(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	rec := mapRecord("Board Cafe")
	rec.Games = []directory.GameRecord{{Name: "Catan"}}
	res, err := r.Upsert(context.Background(), rec)
	require.NoError(t, err)

	rec.Games = nil
	_, err = r.Upsert(context.Background(), rec)
	require.NoError(t, err)

	links, err := stores.Games().ListLinks(context.Background(), res.CafeID)
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestCanceledContextRollsBackMerge(t *testing.T) {
	t.Parallel()

	r, stores, _ := newTestReconciler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Upsert(ctx, mapRecord("Board Cafe"))
	require.Error(t, err)
	require.Equal(t, 0, stores.CafeCount(), "canceled merge leaves no partial state")
}
