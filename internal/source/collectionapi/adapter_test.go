package collectionapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/directory"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<venues>
  <venue id="v1">
    <name>Meeple Mansion</name>
    <address>Oudegracht 1</address>
    <region>Utrecht</region>
    <phone>+31 30 123</phone>
    <website>https://meeplemansion.example</website>
    <geo><lat>52.09</lat><lng>5.12</lng></geo>
    <rating>4.6</rating>
    <reviewCount>120</reviewCount>
    <hours>Mo-Su 10:00-23:00</hours>
    <games>
      <game id="g7">Catan</game>
      <game id="g9">Wingspan</game>
    </games>
    <reviews>
      <review author="anna" rating="5">Great selection</review>
    </reviews>
  </venue>
  <venue id="v2">
    <name></name>
  </venue>
  <venue id="v3">
    <name>Dice &amp; Beans</name>
    <geo><lat>52.10</lat><lng>5.13</lng></geo>
  </venue>
</venues>`

func newTestAdapter(baseURL string) *Adapter {
	retry := directory.NewRetryPolicy(3, time.Millisecond, 2, 10*time.Millisecond)
	return New(nil, retry, Config{BaseURL: baseURL, APIKey: "secret"}, zap.NewNop())
}

func testTarget() directory.CrawlTarget {
	return directory.CrawlTarget{ID: "t1", Name: "Utrecht cafes", Region: "Utrecht"}
}

func TestFetchDecodesFeed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Utrecht", r.URL.Query().Get("region"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	records, outcome := newTestAdapter(srv.URL).Fetch(context.Background(), testTarget(), 10)
	require.Equal(t, directory.OutcomePartialFailure, outcome.Kind, "nameless venue counts as malformed")
	require.Equal(t, 1, outcome.Skipped)
	require.Len(t, records, 2)

	first := records[0]
	require.Equal(t, "collection_api:v1", first.ExternalID)
	require.Equal(t, "Meeple Mansion", first.Name)
	require.Equal(t, 52.09, first.Latitude)
	require.Equal(t, "Mo-Su 10:00-23:00", first.OpeningHours)
	require.Len(t, first.Games, 2)
	require.Equal(t, "collection_api:g7", first.Games[0].ExternalID)
	require.Equal(t, "Catan", first.Games[0].Name)
	require.Len(t, first.Reviews, 1)
	require.Equal(t, "anna", first.Reviews[0].Author)

	require.Equal(t, "Utrecht", records[1].Region, "target region fills missing venue region")
}

func TestFetchHonorsMaxResults(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	records, _ := newTestAdapter(srv.URL).Fetch(context.Background(), testTarget(), 1)
	require.Len(t, records, 1)
}

func TestFetchPollsWhileQueued(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	records, outcome := newTestAdapter(srv.URL).Fetch(context.Background(), testTarget(), 10)
	require.True(t, outcome.Succeeded())
	require.Len(t, records, 2)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchQueuedBudgetExhausted(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	records, outcome := newTestAdapter(srv.URL).Fetch(context.Background(), testTarget(), 10)
	require.Equal(t, directory.OutcomeTotalFailure, outcome.Kind)
	require.Equal(t, directory.ClassTransient, directory.Classify(outcome.Err))
	require.Empty(t, records)
}

func TestFetchGoneFeedIsPermanent(t *testing.T) {
	t.Parallel()
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		_, outcome := newTestAdapter(srv.URL).Fetch(context.Background(), testTarget(), 10)
		srv.Close()
		require.Equal(t, directory.OutcomeTotalFailure, outcome.Kind)
		require.Equal(t, directory.ClassPermanentTarget, directory.Classify(outcome.Err), "status %d", status)
	}
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, outcome := newTestAdapter(srv.URL).Fetch(context.Background(), testTarget(), 10)
	require.Equal(t, directory.OutcomeTotalFailure, outcome.Kind)
	require.Equal(t, directory.ClassTransient, directory.Classify(outcome.Err))
}

func TestFetchMalformedDocumentIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<venues><venue>"))
	}))
	defer srv.Close()

	_, outcome := newTestAdapter(srv.URL).Fetch(context.Background(), testTarget(), 10)
	require.Equal(t, directory.OutcomeTotalFailure, outcome.Kind)
	require.Equal(t, directory.ClassPermanentTarget, directory.Classify(outcome.Err))
}

func TestFetchTargetURLOverridesBase(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/custom-feed", r.URL.Path)
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	target := testTarget()
	target.URL = srv.URL + "/custom-feed"
	_, outcome := newTestAdapter("http://unused.example").Fetch(context.Background(), target, 10)
	require.True(t, outcome.Succeeded())
}
