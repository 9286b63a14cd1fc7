package website

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/directory"
)

var staticPage = `<!DOCTYPE html>
<html><head><title>Meeple Mansion</title></head>
<body>
  <h1>Meeple Mansion</h1>
  <p>Opening hours</p>
  <ul>
    <li>Catan</li>
    <li>Wingspan</li>
    <li>7 Wonders</li>
    <li>catan</li>
    <li>€ 4,50</li>
  </ul>
  <table><tr><td>Twilight Struggle</td></tr></table>
</body></html>` + strings.Repeat("<!-- padding -->", 200)

type fakeRenderer struct {
	html   string
	err    error
	called bool
}

func (f *fakeRenderer) Render(_ context.Context, _ string) (string, error) {
	f.called = true
	return f.html, f.err
}

func testTarget(url string) directory.CrawlTarget {
	return directory.CrawlTarget{ID: "t1", Name: "Meeple Mansion", Region: "Utrecht", URL: url}
}

func TestFetchExtractsGames(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(staticPage))
	}))
	defer srv.Close()

	adapter := New(nil, Config{}, zap.NewNop())
	records, outcome := adapter.Fetch(context.Background(), testTarget(srv.URL), 0)
	require.True(t, outcome.Succeeded())
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, directory.SourceWebsiteText, rec.Source)
	require.Equal(t, "Meeple Mansion", rec.Name)
	require.Equal(t, srv.URL, rec.Website)
	require.Zero(t, rec.Latitude, "website records carry no geolocation")

	var names []string
	for _, g := range rec.Games {
		names = append(names, g.Name)
	}
	require.Equal(t, []string{"Meeple Mansion", "Catan", "Wingspan", "7 Wonders", "Twilight Struggle"}, names)
}

func TestFetchHonorsMaxResults(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(staticPage))
	}))
	defer srv.Close()

	adapter := New(nil, Config{}, zap.NewNop())
	records, _ := adapter.Fetch(context.Background(), testTarget(srv.URL), 2)
	require.Len(t, records[0].Games, 2)
}

func TestFetchPromotesScriptOnlyPages(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{html: `<html><body><ul><li>Catan</li><li>Azul</li></ul></body></html>`}
	adapter := New(renderer, Config{}, zap.NewNop())
	records, outcome := adapter.Fetch(context.Background(), testTarget(srv.URL), 0)
	require.True(t, outcome.Succeeded())
	require.True(t, renderer.called)
	require.Len(t, records[0].Games, 2)
}

func TestFetchRenderFailureFallsBackToStaticBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="root"><ul><li>Catan</li></ul></div></body></html>`))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{err: errors.New("browser crashed")}
	adapter := New(renderer, Config{}, zap.NewNop())
	records, outcome := adapter.Fetch(context.Background(), testTarget(srv.URL), 0)
	require.True(t, outcome.Succeeded())
	require.True(t, renderer.called)
	require.Len(t, records[0].Games, 1)
}

func TestFetchStaticRichPageSkipsPromotion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(staticPage))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{html: "<html></html>"}
	adapter := New(renderer, Config{}, zap.NewNop())
	_, outcome := adapter.Fetch(context.Background(), testTarget(srv.URL), 0)
	require.True(t, outcome.Succeeded())
	require.False(t, renderer.called)
}

func TestFetchMissingPageIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	adapter := New(nil, Config{}, zap.NewNop())
	_, outcome := adapter.Fetch(context.Background(), testTarget(srv.URL), 0)
	require.Equal(t, directory.OutcomeTotalFailure, outcome.Kind)
	require.Equal(t, directory.ClassPermanentTarget, directory.Classify(outcome.Err))
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter := New(nil, Config{}, zap.NewNop())
	_, outcome := adapter.Fetch(context.Background(), testTarget(srv.URL), 0)
	require.Equal(t, directory.OutcomeTotalFailure, outcome.Kind)
	require.Equal(t, directory.ClassTransient, directory.Classify(outcome.Err))
}

func TestFetchMissingURLIsPermanent(t *testing.T) {
	t.Parallel()
	adapter := New(nil, Config{}, zap.NewNop())
	_, outcome := adapter.Fetch(context.Background(), testTarget(""), 0)
	require.Equal(t, directory.OutcomeTotalFailure, outcome.Kind)
	require.Equal(t, directory.ClassPermanentTarget, directory.Classify(outcome.Err))
}
