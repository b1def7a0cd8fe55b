package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onecache/internal/cache"
	"onecache/internal/graph"
	"onecache/internal/index"
	"onecache/internal/ratelimit"
	syncpkg "onecache/internal/sync"
)

// stubSource is a fixed one-notebook remote; fetchWait slows page fetches
// so tests can observe running jobs. Like the real client it takes a
// limiter slot per call.
type stubSource struct {
	pages     []graph.Page
	fetchWait time.Duration
	pacer     graph.Pacer
}

func (s *stubSource) pace(ctx context.Context) error {
	if s.pacer == nil {
		return nil
	}
	return s.pacer.Acquire(ctx)
}

func (s *stubSource) ListNotebooks(ctx context.Context) ([]graph.Notebook, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	return []graph.Notebook{{ID: "nb-1", DisplayName: "Work"}}, nil
}

func (s *stubSource) ListSections(ctx context.Context, notebookID string) ([]graph.Section, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	return []graph.Section{{ID: "sec-1", DisplayName: "Notes", NotebookID: notebookID}}, nil
}

func (s *stubSource) ListPageHeaders(ctx context.Context, sectionID string) ([]graph.PageHeader, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	headers := make([]graph.PageHeader, len(s.pages))
	for i, p := range s.pages {
		headers[i] = graph.PageHeader{ID: p.ID, Title: p.Title, ModifiedAt: p.ModifiedAt}
	}
	return headers, nil
}

func (s *stubSource) FetchPage(ctx context.Context, pageID string) (*graph.Page, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	if s.fetchWait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.fetchWait):
		}
	}
	for _, p := range s.pages {
		if p.ID == pageID {
			copied := p
			return &copied, nil
		}
	}
	return nil, &graph.StatusError{StatusCode: 404}
}

func (s *stubSource) FetchImage(ctx context.Context, url string) ([]byte, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	return nil, &graph.StatusError{StatusCode: 404}
}

func newTestServer(t *testing.T, src *stubSource) (*httptest.Server, *cache.Store) {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := index.Open(filepath.Join(t.TempDir(), "index.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	limiter := ratelimit.New(ratelimit.Options{MinRate: 600000, MaxRate: 600000})
	src.pacer = limiter
	orch := syncpkg.NewOrchestrator(src, store, limiter, nil, zap.NewNop(), syncpkg.Options{MaxRetries: 1})
	registry := syncpkg.NewRegistry(orch, store, zap.NewNop())

	srv := NewServer("localhost:0", store, registry, idx, limiter, 24*time.Hour, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func waitJobDone(t *testing.T, baseURL, jobID string) cache.SyncJob {
	t.Helper()
	var job cache.SyncJob
	require.Eventually(t, func() bool {
		code := getJSON(t, baseURL+"/api/sync/jobs/"+jobID, &job)
		require.Equal(t, http.StatusOK, code)
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func somePages(n int) []graph.Page {
	base := time.Now().UTC().Add(-time.Hour)
	pages := make([]graph.Page, n)
	for i := range pages {
		pages[i] = graph.Page{
			ID:         fmt.Sprintf("page-%d", i),
			Title:      fmt.Sprintf("Page %d", i),
			ModifiedAt: base.Add(time.Duration(i) * time.Minute),
			HTML:       "<html><body>note body</body></html>",
		}
	}
	return pages
}

func TestLiveness(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{})
	var body map[string]string
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestTriggerFullSyncAndFetchDocument(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{pages: somePages(3)})

	var job cache.SyncJob
	code := postJSON(t, ts.URL+"/api/sync/full", nil, &job)
	require.Equal(t, http.StatusAccepted, code)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, cache.StrategyFull, job.Strategy)
	assert.Equal(t, "account", job.Scope)
	assert.Equal(t, "api", job.TriggeredBy)

	done := waitJobDone(t, ts.URL, job.ID)
	assert.Equal(t, cache.JobSucceeded, done.Status)
	assert.Equal(t, 3, done.Fetched)

	var doc documentResponse
	code = getJSON(t, ts.URL+"/api/documents/page-1", &doc)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Page 1", doc.Title)
	assert.Equal(t, "note body", doc.PlainText)
	assert.Equal(t, "Work", doc.NotebookName)
}

func TestTriggerWithScopeBody(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{pages: somePages(1)})

	var job cache.SyncJob
	code := postJSON(t, ts.URL+"/api/sync/smart", map[string]string{"scope": "nb-1"}, &job)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "nb-1", job.Scope)
	waitJobDone(t, ts.URL, job.ID)
}

func TestTriggerConflictOnBusyScope(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{pages: somePages(10), fetchWait: 30 * time.Millisecond})

	var job cache.SyncJob
	code := postJSON(t, ts.URL+"/api/sync/full", nil, &job)
	require.Equal(t, http.StatusAccepted, code)

	code = postJSON(t, ts.URL+"/api/sync/incremental", nil, nil)
	assert.Equal(t, http.StatusConflict, code)

	waitJobDone(t, ts.URL, job.ID)
}

func TestPauseResumeCancelEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{pages: somePages(20), fetchWait: 30 * time.Millisecond})

	var job cache.SyncJob
	code := postJSON(t, ts.URL+"/api/sync/full", nil, &job)
	require.Equal(t, http.StatusAccepted, code)

	var paused cache.SyncJob
	require.Eventually(t, func() bool {
		return postJSON(t, ts.URL+"/api/sync/jobs/"+job.ID+"/pause", nil, &paused) == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, cache.JobPaused, paused.Status)

	// Pausing twice is an invalid transition.
	code = postJSON(t, ts.URL+"/api/sync/jobs/"+job.ID+"/pause", nil, nil)
	assert.Equal(t, http.StatusConflict, code)

	var resumed cache.SyncJob
	code = postJSON(t, ts.URL+"/api/sync/jobs/"+job.ID+"/resume", nil, &resumed)
	require.Equal(t, http.StatusOK, code)

	code = postJSON(t, ts.URL+"/api/sync/jobs/"+job.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, code)

	done := waitJobDone(t, ts.URL, job.ID)
	assert.Equal(t, cache.JobCancelled, done.Status)
}

func TestJobControlStoreFailureIsServerError(t *testing.T) {
	ts, store := newTestServer(t, &stubSource{pages: somePages(10), fetchWait: 200 * time.Millisecond})

	var job cache.SyncJob
	code := postJSON(t, ts.URL+"/api/sync/full", nil, &job)
	require.Equal(t, http.StatusAccepted, code)

	var cur cache.SyncJob
	require.Eventually(t, func() bool {
		getJSON(t, ts.URL+"/api/sync/jobs/"+job.ID, &cur)
		return cur.Status == cache.JobRunning
	}, 5*time.Second, 10*time.Millisecond)

	// The transition is legal but persisting it fails. That is the
	// server's fault, not a conflict.
	require.NoError(t, store.Close())
	code = postJSON(t, ts.URL+"/api/sync/jobs/"+job.ID+"/pause", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, code)

	code = postJSON(t, ts.URL+"/api/sync/jobs/"+job.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestJobEndpointsUnknownID(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{})

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/sync/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, postJSON(t, ts.URL+"/api/sync/jobs/nope/pause", nil, nil))
	assert.Equal(t, http.StatusNotFound, postJSON(t, ts.URL+"/api/sync/jobs/nope/cancel", nil, nil))
}

func TestStatsAndHistory(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{pages: somePages(2)})

	var job cache.SyncJob
	postJSON(t, ts.URL+"/api/sync/full", nil, &job)
	waitJobDone(t, ts.URL, job.ID)

	var stats struct {
		TotalDocuments int `json:"total_documents"`
		RateLimit      struct {
			TotalRequests int64 `json:"total_requests"`
		} `json:"rate_limit"`
	}
	code := getJSON(t, ts.URL+"/api/sync/stats", &stats)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, stats.TotalDocuments)
	assert.Greater(t, stats.RateLimit.TotalRequests, int64(0))

	var history struct {
		History []cache.HistoryEntry `json:"history"`
	}
	code = getJSON(t, ts.URL+"/api/sync/history?limit=10", &history)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, history.History, 1)
	assert.Equal(t, job.ID, history.History[0].JobID)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/sync/history?limit=bogus", nil))
}

func TestSyncHealthRecommendsInitialFullSync(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{})

	var health healthResponse
	code := getJSON(t, ts.URL+"/api/sync/health", &health)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health.Status)
	require.Len(t, health.Recommendations, 1)
	assert.Contains(t, health.Recommendations[0], "full sync")
}

func TestDocumentNotFound(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{})
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/documents/missing", nil))
}

func TestSearchValidation(t *testing.T) {
	ts, _ := newTestServer(t, &stubSource{})

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/search", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/search?q=x&limit=-1", nil))

	var body struct {
		Results []index.SearchResult `json:"results"`
	}
	code := getJSON(t, ts.URL+"/api/search?q=anything", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body.Results)
}
