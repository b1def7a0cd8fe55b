// Package web exposes the HTTP control surface: sync triggers, job
// control, stats, history, health and document lookup. It performs no
// sync work itself; every handler delegates to the registry or the store.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"onecache/internal/cache"
	"onecache/internal/index"
	"onecache/internal/ratelimit"
	syncpkg "onecache/internal/sync"
)

// staleWarnThreshold and friends drive the health recommendations.
const (
	staleWarnThreshold     = 100
	unindexedWarnThreshold = 50
	failureWarnThreshold   = 5
	fullSyncWarnAge        = 7 * 24 * time.Hour
	failureWindow          = 24 * time.Hour
)

// Server is the HTTP API server.
type Server struct {
	store     *cache.Store
	registry  *syncpkg.Registry
	index     *index.Index
	limiter   *ratelimit.Limiter
	log       *zap.Logger
	freshness time.Duration

	http *http.Server
}

// NewServer builds the server. idx may be nil when search is disabled.
func NewServer(addr string, store *cache.Store, registry *syncpkg.Registry, idx *index.Index, limiter *ratelimit.Limiter, freshness time.Duration, log *zap.Logger) *Server {
	s := &Server{
		store:     store,
		registry:  registry,
		index:     idx,
		limiter:   limiter,
		log:       log,
		freshness: freshness,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleLiveness)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Post("/full", s.handleTrigger(cache.StrategyFull))
			r.Post("/incremental", s.handleTrigger(cache.StrategyIncremental))
			r.Post("/smart", s.handleTrigger(cache.StrategySmart))

			r.Get("/jobs/{jobID}", s.handleJobStatus)
			r.Post("/jobs/{jobID}/pause", s.handleJobControl(s.registry.Pause))
			r.Post("/jobs/{jobID}/resume", s.handleJobControl(s.registry.Resume))
			r.Post("/jobs/{jobID}/cancel", s.handleJobControl(s.registry.Cancel))

			r.Get("/stats", s.handleStats)
			r.Get("/history", s.handleHistory)
			r.Get("/health", s.handleSyncHealth)
		})

		r.Get("/documents/{documentID}", s.handleGetDocument)
		r.Get("/search", s.handleSearch)
	})
	return r
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type triggerRequest struct {
	Scope string `json:"scope"`
}

// handleTrigger starts a background sync job and returns its snapshot.
func (s *Server) handleTrigger(strategy cache.Strategy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req triggerRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		// The job outlives this request; it is bound to the server's
		// lifetime, not the trigger's.
		job, err := s.registry.Submit(context.WithoutCancel(r.Context()), strategy, req.Scope, "api")
		if errors.Is(err, syncpkg.ErrScopeBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.log.Error("submit sync job", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start sync")
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		s.log.Error("job status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobControl adapts a registry control action to HTTP. Unknown jobs
// are 404, invalid transitions 409, store failures 500.
func (s *Server) handleJobControl(action func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		err := action(jobID)
		if errors.Is(err, syncpkg.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, syncpkg.ErrInvalidState) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.log.Error("job control", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update job")
			return
		}
		job, err := s.registry.Status(jobID)
		if err != nil || job == nil {
			writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type statsResponse struct {
	*cache.Stats
	RateLimit rateLimitStats `json:"rate_limit"`
}

type rateLimitStats struct {
	Rate            float64 `json:"requests_per_minute"`
	TotalRequests   int64   `json:"total_requests"`
	TotalWaits      int64   `json:"total_waits"`
	WaitTimeSeconds float64 `json:"wait_time_seconds"`
	RateLimitHits   int64   `json:"rate_limit_hits"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(s.freshness, failureWindow)
	if err != nil {
		s.log.Error("cache stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	lim := s.limiter.Snapshot()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats: stats,
		RateLimit: rateLimitStats{
			Rate:            lim.Rate,
			TotalRequests:   lim.TotalRequests,
			TotalWaits:      lim.TotalWaits,
			WaitTimeSeconds: lim.TotalWaitTime.Seconds(),
			RateLimitHits:   lim.RateLimitHits,
		},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.store.ListHistory(limit)
	if err != nil {
		s.log.Error("sync history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []*cache.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

type healthResponse struct {
	Status              string     `json:"status"`
	LastFullSync        *time.Time `json:"last_full_sync"`
	LastIncrementalSync *time.Time `json:"last_incremental_sync"`
	TotalDocuments      int        `json:"total_documents"`
	StaleDocuments      int        `json:"stale_documents"`
	UnindexedDocuments  int        `json:"unindexed_documents"`
	RecentFailures      int        `json:"recent_failures"`
	Recommendations     []string   `json:"recommendations"`
}

func (s *Server) handleSyncHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(s.freshness, failureWindow)
	if err != nil {
		s.log.Error("cache stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	recommendations := []string{}
	if stats.StaleCount > staleWarnThreshold {
		recommendations = append(recommendations, "many documents have not synced recently, consider an incremental sync")
	}
	if stats.UnindexedCount > unindexedWarnThreshold {
		recommendations = append(recommendations, "many documents await indexing, check that the indexer is running")
	}
	if stats.RecentFailureCount > failureWarnThreshold {
		recommendations = append(recommendations, "multiple recent sync failures, check logs and consider a full sync")
	}
	if stats.LastFullSync == nil || time.Since(*stats.LastFullSync) > fullSyncWarnAge {
		recommendations = append(recommendations, "no full sync in the last 7 days, consider a full sync")
	}

	status := "healthy"
	switch {
	case stats.RecentFailureCount > failureWarnThreshold:
		status = "unhealthy"
	case stats.StaleCount > staleWarnThreshold:
		status = "needs_attention"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:              status,
		LastFullSync:        stats.LastFullSync,
		LastIncrementalSync: stats.LastIncrementalSync,
		TotalDocuments:      stats.TotalDocuments,
		StaleDocuments:      stats.StaleCount,
		UnindexedDocuments:  stats.UnindexedCount,
		RecentFailures:      stats.RecentFailureCount,
		Recommendations:     recommendations,
	})
}

type documentResponse struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Author       string     `json:"author,omitempty"`
	NotebookID   string     `json:"notebook_id"`
	NotebookName string     `json:"notebook_name"`
	SectionID    string     `json:"section_id"`
	SectionName  string     `json:"section_name"`
	Content      string     `json:"content"`
	PlainText    string     `json:"plain_text"`
	Tags         []string   `json:"tags"`
	SourceURL    string     `json:"source_url"`
	CreatedAt    *time.Time `json:"created_at"`
	ModifiedAt   time.Time  `json:"modified_at"`
	LastSyncedAt time.Time  `json:"last_synced_at"`
	SyncVersion  int64      `json:"sync_version"`
	IsDeleted    bool       `json:"is_deleted"`
	IndexedAt    *time.Time `json:"indexed_at"`
	ChunkCount   int        `json:"chunk_count"`
	ImageCount   int        `json:"image_count"`
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(chi.URLParam(r, "documentID"))
	if err != nil {
		s.log.Error("get document", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{
		ID:           doc.ID,
		Title:        doc.Title,
		Author:       doc.Author,
		NotebookID:   doc.NotebookID,
		NotebookName: doc.NotebookName,
		SectionID:    doc.SectionID,
		SectionName:  doc.SectionName,
		Content:      doc.Content,
		PlainText:    doc.PlainText,
		Tags:         doc.Tags,
		SourceURL:    doc.SourceURL,
		CreatedAt:    doc.CreatedAt,
		ModifiedAt:   doc.ModifiedAt,
		LastSyncedAt: doc.LastSyncedAt,
		SyncVersion:  doc.SyncVersion,
		IsDeleted:    doc.IsDeleted,
		IndexedAt:    doc.IndexedAt,
		ChunkCount:   doc.ChunkCount,
		ImageCount:   doc.ImageCount,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusNotFound, "search is not enabled")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	hits, err := s.index.Search(query, limit)
	if err != nil {
		s.log.Error("search", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []*index.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": hits})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
