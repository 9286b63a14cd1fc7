package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/cafedir/crawler/internal/directory"
)

var targetCols = []string{
	"id", "name", "region", "source", "url", "queries", "active", "crawl_count",
	"retry_attempts", "last_crawled_at", "last_status", "next_crawl_at", "max_results",
}

var cafeCols = []string{
	"id", "slug", "name", "region", "address", "phone", "website", "latitude",
	"longitude", "rating", "review_count", "opening_hours", "external_ids",
	"created_at", "updated_at", "last_verified_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestGetTarget(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("FROM crawl_targets WHERE id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(targetCols).AddRow(
			"t1", "Meeple Mansion", "Utrecht", "map_search", "", []string{"q1"},
			true, 3, 1, &now, "failed", &now, 20,
		))

	store := NewTargetStore(mock)
	target, err := store.GetTarget(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, directory.SourceMapSearch, target.Source)
	require.Equal(t, directory.CrawlStatusFailed, target.LastStatus)
	require.Equal(t, 1, target.RetryAttempts)
	require.Equal(t, []string{"q1"}, target.Queries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetNotFound(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	mock.ExpectQuery("FROM crawl_targets WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(targetCols))

	_, err := NewTargetStore(mock).GetTarget(context.Background(), "missing")
	require.ErrorIs(t, err, directory.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRetryDue(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Unix(1700000000, 0).UTC()
	due := now.Add(-time.Minute)

	mock.ExpectQuery("next_crawl_at IS NOT NULL AND next_crawl_at").
		WithArgs(now, 5).
		WillReturnRows(pgxmock.NewRows(targetCols).AddRow(
			"t1", "Meeple Mansion", "Utrecht", "collection_api", "", []string{},
			true, 0, 2, &due, "failed", &due, 0,
		))

	targets, err := NewTargetStore(mock).ListRetryDue(context.Background(), now, 5)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, "t1", targets[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCrawlState(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Unix(1700000000, 0).UTC()
	target := directory.CrawlTarget{
		ID:            "t1",
		CrawlCount:    4,
		RetryAttempts: 0,
		LastCrawledAt: &now,
		LastStatus:    directory.CrawlStatusSuccess,
	}

	mock.ExpectExec("UPDATE crawl_targets").
		WithArgs(4, 0, &now, "success", (*time.Time)(nil), "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewTargetStore(mock).UpdateCrawlState(context.Background(), target))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCrawlStateMissingTarget(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	mock.ExpectExec("UPDATE crawl_targets").
		WithArgs(0, 0, (*time.Time)(nil), "none", (*time.Time)(nil), "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := NewTargetStore(mock).UpdateCrawlState(context.Background(), directory.CrawlTarget{ID: "nope", LastStatus: directory.CrawlStatusNone})
	require.ErrorIs(t, err, directory.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryOpenAndClose(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectExec("INSERT INTO crawl_history").
		WithArgs("h1", "t1", started, "in_progress").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE crawl_history").
		WithArgs(finished, "success", 5, 2, 3, 0, "", "h1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewHistoryStore(mock)
	require.NoError(t, store.OpenHistory(context.Background(), directory.CrawlHistory{
		ID:        "h1",
		TargetID:  "t1",
		StartedAt: started,
		Status:    directory.HistoryInProgress,
	}))
	counts := directory.CrawlCounts{Found: 5, Added: 2, Updated: 3}
	require.NoError(t, store.CloseHistory(context.Background(), "h1", finished, directory.HistorySuccess, counts, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByExternalID(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("ANY\\(external_ids\\)").
		WithArgs("map_search:p1").
		WillReturnRows(pgxmock.NewRows(cafeCols).AddRow(
			"c1", "meeple-mansion", "Meeple Mansion", "Utrecht", "", "", "",
			52.09, 5.12, 4.6, 120, "", []string{"map_search:p1"}, now, now, &now,
		))

	cafe, err := NewStores(mock).Cafes().FindByExternalID(context.Background(), "map_search:p1")
	require.NoError(t, err)
	require.Equal(t, "c1", cafe.ID)
	require.True(t, cafe.HasExternalID("map_search:p1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByExternalIDDuplicateIsIntegrity(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows(cafeCols).
		AddRow("c1", "a", "A", "Utrecht", "", "", "", 0.0, 0.0, 0.0, 0, "", []string{"x:1"}, now, now, (*time.Time)(nil)).
		AddRow("c2", "b", "B", "Utrecht", "", "", "", 0.0, 0.0, 0.0, 0, "", []string{"x:1"}, now, now, (*time.Time)(nil))
	mock.ExpectQuery("ANY\\(external_ids\\)").
		WithArgs("x:1").
		WillReturnRows(rows)

	_, err := NewStores(mock).Cafes().FindByExternalID(context.Background(), "x:1")
	require.Error(t, err)
	require.True(t, directory.IsIntegrity(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSlugExists(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("meeple-mansion").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := NewStores(mock).Cafes().SlugExists(context.Background(), "meeple-mansion")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLinkRefreshesVerification(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO cafe_games").
		WithArgs("c1", "g1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := NewStores(mock).Games().UpsertLink(context.Background(), directory.GameLink{
		CafeID:         "c1",
		GameID:         "g1",
		LastVerifiedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxCommitsOnSuccess(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO games").
		WithArgs("g1", "Catan", "collection_api:g7").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := NewStores(mock).InTx(context.Background(), func(tx directory.Stores) error {
		return tx.Games().CreateGame(context.Background(), directory.Game{
			ID:         "g1",
			Name:       "Catan",
			ExternalID: "collection_api:g7",
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("merge failed")
	err := NewStores(mock).InTx(context.Background(), func(directory.Stores) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
