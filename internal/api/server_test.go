package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cafedir/crawler/internal/directory"
	"github.com/cafedir/crawler/internal/scheduler"
)

type fakeScheduler struct {
	crawlSummary directory.CrawlSummary
	crawlErr     error
	batchErr     error
	queue        []directory.CrawlTarget
	queueErr     error
	running      bool
	stopped      bool
	crawledIDs   []string
}

func (f *fakeScheduler) CrawlOne(_ context.Context, targetID string) (directory.CrawlSummary, error) {
	f.crawledIDs = append(f.crawledIDs, targetID)
	return f.crawlSummary, f.crawlErr
}

func (f *fakeScheduler) StartBatch(context.Context) error { return f.batchErr }

func (f *fakeScheduler) QueuePreview(context.Context, int) ([]directory.CrawlTarget, error) {
	return f.queue, f.queueErr
}

func (f *fakeScheduler) Stop()         { f.stopped = true }
func (f *fakeScheduler) Running() bool { return f.running }

func newTestServer(sched Scheduler, cfg Config) *httptest.Server {
	return httptest.NewServer(NewServer(sched, nil, cfg).Handler())
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeScheduler{}, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestReadyzReportsDownstreamFailure(t *testing.T) {
	t.Parallel()
	ready := func(context.Context) error { return fmt.Errorf("db unreachable") }
	srv := httptest.NewServer(NewServer(&fakeScheduler{}, ready, Config{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestCrawlTarget(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{crawlSummary: directory.CrawlSummary{
		TargetID:   "t1",
		TargetName: "Meeple Mansion",
		Status:     directory.CrawlStatusSuccess,
		Counts:     directory.CrawlCounts{Found: 3, Added: 1, Updated: 2},
	}}
	srv := newTestServer(sched, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/crawl/targets/t1", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.Equal(t, "t1", payload["target_id"])
	require.Equal(t, "success", payload["status"])
	require.Equal(t, []string{"t1"}, sched.crawledIDs)
}

func TestCrawlTargetNotFound(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{crawlErr: fmt.Errorf("load target: %w", directory.ErrNotFound)}
	srv := newTestServer(sched, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/crawl/targets/nope", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStartBatch(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeScheduler{}, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/crawl/batch", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "started", decodeBody(t, resp)["status"])
}

func TestStartBatchConflictWhenBusy(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeScheduler{batchErr: scheduler.ErrBusy}, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/crawl/batch", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestQueuePreview(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{queue: []directory.CrawlTarget{
		{ID: "t1", Name: "Meeple Mansion"},
		{ID: "t2", Name: "Dice & Beans"},
	}}
	srv := newTestServer(sched, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/crawl/queue?count=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.Len(t, payload["targets"], 2)
}

func TestQueuePreviewRejectsBadCount(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeScheduler{}, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/crawl/queue?count=banana")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStopAndStatus(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{running: true}
	srv := newTestServer(sched, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/crawl/stop", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.True(t, sched.stopped)

	resp, err = http.Get(srv.URL + "/v1/crawl/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decodeBody(t, resp)["running"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeScheduler{}, Config{AuthEnabled: true, APIKey: "secret"})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/crawl/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/crawl/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeScheduler{}, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp.Body.Close()
}

func TestUnknownSchedulerErrorIs500(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{crawlErr: errors.New("storage down")}
	srv := newTestServer(sched, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/crawl/targets/t1", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()
}
