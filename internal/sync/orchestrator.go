// Package sync drives sync passes against the remote source: full and
// incremental strategies, smart selection between them, cooperative
// pause/resume/cancel, and the retry policy for remote calls. All remote
// traffic goes through the shared adaptive limiter.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"onecache/internal/cache"
	"onecache/internal/graph"
	"onecache/internal/ratelimit"
)

// ScopeAccount selects every notebook the token can see. Any other scope
// value is a single notebook ID.
const ScopeAccount = "account"

// fatalError marks a local-store failure inside per-page work. Unlike a
// transient remote error it aborts the whole pass; committed rows stay
// valid.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Options tune the orchestrator.
type Options struct {
	// Workers is the number of concurrent page fetchers per section.
	Workers int
	// MaxRetries bounds retries of transient remote errors per call.
	MaxRetries int
	// FullStaleAfter is the age at which smart selection forces a full
	// pass even when incremental would otherwise do.
	FullStaleAfter time.Duration
}

// Orchestrator runs sync jobs. One instance serves all jobs; per-job state
// lives in the job row, its tally and its controller.
type Orchestrator struct {
	source  Source
	store   *cache.Store
	limiter *ratelimit.Limiter
	images  *ImageStore
	log     *zap.Logger
	opts    Options
}

// NewOrchestrator wires an orchestrator. images may be nil, in which case
// page images are recorded but their bytes are not downloaded.
func NewOrchestrator(source Source, store *cache.Store, limiter *ratelimit.Limiter, images *ImageStore, log *zap.Logger, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.FullStaleAfter <= 0 {
		opts.FullStaleAfter = 7 * 24 * time.Hour
	}
	return &Orchestrator{
		source:  source,
		store:   store,
		limiter: limiter,
		images:  images,
		log:     log,
		opts:    opts,
	}
}

// Run executes job to a terminal state, updating the job row and the scope
// bookkeeping as it goes, and appends the audit record. The job's declared
// strategy is preserved on the row; the history entry records the strategy
// actually executed.
func (o *Orchestrator) Run(ctx context.Context, job *cache.SyncJob, ctrl *controller) {
	ctrl.markRunning()
	job.Status = cache.JobRunning
	t := &tally{job: job}
	t.flush(o.store)

	before := o.limiter.Snapshot()
	log := o.log.With(zap.String("job_id", job.ID), zap.String("scope", job.Scope))

	resolved := job.Strategy
	var runErr error
	if resolved == cache.StrategySmart {
		resolved, runErr = o.chooseStrategy(job.Scope)
		if runErr == nil {
			log.Info("smart sync resolved", zap.String("strategy", string(resolved)))
		}
	}
	if runErr == nil {
		switch resolved {
		case cache.StrategyFull:
			runErr = o.runFull(ctx, job.Scope, t, ctrl)
		case cache.StrategyIncremental:
			runErr = o.runIncremental(ctx, job.Scope, t, ctrl)
		default:
			runErr = fmt.Errorf("unknown strategy %q", resolved)
		}
	}

	now := time.Now().UTC()
	status := cache.JobSucceeded
	switch {
	case errors.Is(runErr, errCancelled), errors.Is(runErr, context.Canceled):
		status = cache.JobCancelled
	case runErr != nil:
		status = cache.JobFailed
	}

	ctrl.finish(status)
	t.mu.Lock()
	job.Status = status
	job.CompletedAt = &now
	if runErr != nil && job.LastError == "" {
		job.LastError = runErr.Error()
	}
	t.mu.Unlock()
	t.flush(o.store)

	if err := o.recordOutcome(job, resolved, status, runErr, now, before); err != nil {
		log.Error("record sync outcome", zap.Error(err))
	}

	log.Info("sync finished",
		zap.String("strategy", string(resolved)),
		zap.String("status", string(status)),
		zap.Int("fetched", job.Fetched),
		zap.Int("added", job.Added),
		zap.Int("updated", job.Updated),
		zap.Int("deleted", job.Deleted),
		zap.Int("skipped", job.Skipped),
		zap.Int("errors", job.ErrorCount),
		zap.Duration("elapsed", now.Sub(job.StartedAt)))
}

// recordOutcome updates the scope's bookkeeping row and appends the audit
// record. Cancellation leaves the bookkeeping untouched.
func (o *Orchestrator) recordOutcome(job *cache.SyncJob, resolved cache.Strategy, status cache.JobStatus, runErr error, now time.Time, before ratelimit.Stats) error {
	state := &cache.SyncState{Scope: job.Scope}
	switch status {
	case cache.JobSucceeded:
		if resolved == cache.StrategyFull {
			state.LastFullSyncAt = &now
		} else {
			state.LastIncrementalSyncAt = &now
		}
		if err := o.store.UpsertSyncState(state); err != nil {
			return err
		}
	case cache.JobFailed:
		state.LastError = runErr.Error()
		state.LastErrorAt = &now
		if err := o.store.UpsertSyncState(state); err != nil {
			return err
		}
	}

	after := o.limiter.Snapshot()
	entry := &cache.HistoryEntry{
		JobID:        job.ID,
		Strategy:     resolved,
		Scope:        job.Scope,
		Status:       status,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Fetched:      job.Fetched,
		Added:        job.Added,
		Updated:      job.Updated,
		Deleted:      job.Deleted,
		Skipped:      job.Skipped,
		APICallsMade: job.APICallsMade,
		ErrorCount:   job.ErrorCount,

		RateLimitHits:   int(after.RateLimitHits - before.RateLimitHits),
		WaitTimeSeconds: (after.TotalWaitTime - before.TotalWaitTime).Seconds(),

		TriggeredBy: job.TriggeredBy,
		ErrorDetail: job.LastError,
	}
	return o.store.RecordHistory(entry)
}

// chooseStrategy resolves the smart strategy for a scope: full when the
// scope has never completed a full pass, when the last full pass is older
// than FullStaleAfter, or when the scope's most recent pass failed
// outright. Otherwise incremental.
func (o *Orchestrator) chooseStrategy(scope string) (cache.Strategy, error) {
	state, err := o.store.GetSyncState(scope)
	if err != nil {
		return "", err
	}
	if state == nil || state.LastFullSyncAt == nil {
		return cache.StrategyFull, nil
	}
	if time.Since(*state.LastFullSyncAt) > o.opts.FullStaleAfter {
		return cache.StrategyFull, nil
	}
	latest, err := o.store.LatestHistoryForScope(scope)
	if err != nil {
		return "", err
	}
	if latest != nil && latest.Status == cache.JobFailed {
		return cache.StrategyFull, nil
	}
	return cache.StrategyIncremental, nil
}

// runFull fetches every page in scope unconditionally and tombstones
// cached pages no longer present remotely.
func (o *Orchestrator) runFull(ctx context.Context, scope string, t *tally, ctrl *controller) error {
	notebooks, err := o.notebooksInScope(ctx, scope, t)
	if err != nil {
		return err
	}
	present := make(map[string]struct{})
	for _, nb := range notebooks {
		if err := ctrl.checkpoint(ctx); err != nil {
			return err
		}
		sections, err := o.listSections(ctx, nb.ID, t)
		if err != nil {
			return err
		}
		for _, sec := range sections {
			if err := ctrl.checkpoint(ctx); err != nil {
				return err
			}
			headers, err := o.listPageHeaders(ctx, sec.ID, t)
			if err != nil {
				return err
			}
			for _, h := range headers {
				present[h.ID] = struct{}{}
			}
			if err := o.syncHeaders(ctx, nb, sec, headers, t, ctrl); err != nil {
				return err
			}
			t.flush(o.store)
		}
	}
	return o.tombstoneMissing(scope, present, t)
}

// runIncremental lists headers only and fetches pages that are new or
// strictly newer than the cached copy. Absent pages are tombstoned exactly
// as in a full pass.
func (o *Orchestrator) runIncremental(ctx context.Context, scope string, t *tally, ctrl *controller) error {
	notebooks, err := o.notebooksInScope(ctx, scope, t)
	if err != nil {
		return err
	}
	present := make(map[string]struct{})
	for _, nb := range notebooks {
		if err := ctrl.checkpoint(ctx); err != nil {
			return err
		}
		sections, err := o.listSections(ctx, nb.ID, t)
		if err != nil {
			return err
		}
		for _, sec := range sections {
			if err := ctrl.checkpoint(ctx); err != nil {
				return err
			}
			headers, err := o.listPageHeaders(ctx, sec.ID, t)
			if err != nil {
				return err
			}
			cached, err := o.store.SectionModifiedTimes(sec.ID)
			if err != nil {
				return err
			}

			var toFetch []graph.PageHeader
			for _, h := range headers {
				present[h.ID] = struct{}{}
				prev, known := cached[h.ID]
				switch {
				case !known:
					toFetch = append(toFetch, h)
				case h.ModifiedAt.After(prev):
					toFetch = append(toFetch, h)
				case h.ModifiedAt.Before(prev):
					// The remote clock moved backwards for this page.
					// The cached copy stays authoritative.
					o.log.Warn("remote modification time regressed",
						zap.String("page_id", h.ID),
						zap.Time("cached", prev),
						zap.Time("remote", h.ModifiedAt))
					t.skipped()
				default:
					t.skipped()
				}
			}

			if err := o.syncHeaders(ctx, nb, sec, toFetch, t, ctrl); err != nil {
				return err
			}
			t.flush(o.store)
		}
	}
	return o.tombstoneMissing(scope, present, t)
}

// notebooksInScope lists notebooks and narrows them to the scope.
func (o *Orchestrator) notebooksInScope(ctx context.Context, scope string, t *tally) ([]graph.Notebook, error) {
	t.apiCalls(1)
	notebooks, err := callRemote(ctx, o.limiter, o.opts.MaxRetries, o.source.ListNotebooks)
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	if scope == ScopeAccount {
		return notebooks, nil
	}
	for _, nb := range notebooks {
		if nb.ID == scope {
			return []graph.Notebook{nb}, nil
		}
	}
	return nil, fmt.Errorf("notebook %s not found", scope)
}

func (o *Orchestrator) listSections(ctx context.Context, notebookID string, t *tally) ([]graph.Section, error) {
	t.apiCalls(1)
	sections, err := callRemote(ctx, o.limiter, o.opts.MaxRetries, func(ctx context.Context) ([]graph.Section, error) {
		return o.source.ListSections(ctx, notebookID)
	})
	if err != nil {
		return nil, fmt.Errorf("list sections of %s: %w", notebookID, err)
	}
	return sections, nil
}

func (o *Orchestrator) listPageHeaders(ctx context.Context, sectionID string, t *tally) ([]graph.PageHeader, error) {
	t.apiCalls(1)
	headers, err := callRemote(ctx, o.limiter, o.opts.MaxRetries, func(ctx context.Context) ([]graph.PageHeader, error) {
		return o.source.ListPageHeaders(ctx, sectionID)
	})
	if err != nil {
		return nil, fmt.Errorf("list pages of %s: %w", sectionID, err)
	}
	return headers, nil
}

// tombstoneMissing diffs every live cached document in scope against the
// union of the pass's remote listings and marks the leftovers deleted. The
// scope-wide diff also catches pages whose section or notebook disappeared
// entirely. Runs only after the whole listing completed; a pass that errors
// out must not tombstone from a partial view. Rows and image files are
// retained until an explicit purge.
func (o *Orchestrator) tombstoneMissing(scope string, present map[string]struct{}, t *tally) error {
	notebookID := ""
	if scope != ScopeAccount {
		notebookID = scope
	}
	live, err := o.store.LiveDocumentIDs(notebookID)
	if err != nil {
		return err
	}
	var gone []string
	for _, id := range live {
		if _, ok := present[id]; !ok {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	if err := o.store.MarkDeleted(gone); err != nil {
		return err
	}
	t.deleted(len(gone))
	return nil
}

// syncHeaders fetches and upserts the given pages with a bounded worker
// pool. Per-page failures are accounted on the job and do not stop the
// pass; auth errors and cancellation stop everything.
func (o *Orchestrator) syncHeaders(ctx context.Context, nb graph.Notebook, sec graph.Section, headers []graph.PageHeader, t *tally, ctrl *controller) error {
	if len(headers) == 0 {
		return nil
	}

	ch := make(chan graph.PageHeader)
	var wg stdsync.WaitGroup
	var mu stdsync.Mutex
	var stopErr error

	stop := func(err error) {
		mu.Lock()
		if stopErr == nil {
			stopErr = err
		}
		mu.Unlock()
	}
	stopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopErr != nil
	}

	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range ch {
				if err := ctrl.checkpoint(ctx); err != nil {
					stop(err)
				}
				if stopped() {
					continue
				}
				if err := o.syncPage(ctx, nb, sec, h, t); err != nil {
					var authErr *graph.AuthError
					var storeErr *fatalError
					if errors.As(err, &authErr) || errors.As(err, &storeErr) || errors.Is(err, context.Canceled) {
						stop(err)
						continue
					}
					t.failed(h.ID, err)
					o.log.Warn("page sync failed",
						zap.String("page_id", h.ID),
						zap.String("section_id", sec.ID),
						zap.Error(err))
				}
			}
		}()
	}
	for _, h := range headers {
		ch <- h
	}
	close(ch)
	wg.Wait()
	return stopErr
}

// syncPage fetches one page, upserts it and downloads its images. The
// store ignores equal-or-older payloads, so re-fetching is always safe.
func (o *Orchestrator) syncPage(ctx context.Context, nb graph.Notebook, sec graph.Section, h graph.PageHeader, t *tally) error {
	// A page fetch is two requests on the wire: metadata, then content.
	t.apiCalls(2)
	page, err := callRemote(ctx, o.limiter, o.opts.MaxRetries, func(ctx context.Context) (*graph.Page, error) {
		return o.source.FetchPage(ctx, h.ID)
	})
	if err != nil {
		return fmt.Errorf("fetch page: %w", err)
	}
	t.fetched()

	prev, err := o.store.GetDocument(page.ID)
	if err != nil {
		return fatal(err)
	}

	doc := &cache.Document{
		ID:           page.ID,
		Content:      page.HTML,
		PlainText:    graph.ExtractText(page.HTML),
		NotebookID:   nb.ID,
		NotebookName: nb.DisplayName,
		SectionID:    sec.ID,
		SectionName:  sec.DisplayName,
		Title:        page.Title,
		Author:       page.Author,
		CreatedAt:    page.CreatedAt,
		ModifiedAt:   page.ModifiedAt,
		Tags:         []string{},
		SourceURL:    page.WebURL,
		ImageCount:   len(page.Images),
	}
	if _, err := o.store.UpsertDocument(doc); err != nil {
		return fatal(err)
	}

	switch {
	case prev == nil:
		t.added()
	case page.ModifiedAt.After(prev.ModifiedAt):
		t.updated()
	default:
		t.skipped()
		return nil
	}

	return o.syncImages(ctx, page, t)
}

// syncImages downloads a page's images and records them by position.
// Unchanged bytes, detected by content hash, skip the disk write. A failed
// image download is a per-item error; the page itself stays synced.
func (o *Orchestrator) syncImages(ctx context.Context, page *graph.Page, t *tally) error {
	if o.images == nil || len(page.Images) == 0 {
		return nil
	}

	existing, err := o.store.ImagesForDocument(page.ID)
	if err != nil {
		return fatal(err)
	}
	hashes := make(map[int]string, len(existing))
	for _, img := range existing {
		hashes[img.Position] = img.ContentHash
	}

	for pos, ref := range page.Images {
		t.apiCalls(1)
		data, err := callRemote(ctx, o.limiter, o.opts.MaxRetries, func(ctx context.Context) ([]byte, error) {
			return o.source.FetchImage(ctx, ref.URL)
		})
		if err != nil {
			var authErr *graph.AuthError
			if errors.As(err, &authErr) || errors.Is(err, context.Canceled) {
				return err
			}
			t.failed(fmt.Sprintf("%s/image/%d", page.ID, pos), err)
			o.log.Warn("image download failed",
				zap.String("page_id", page.ID),
				zap.Int("position", pos),
				zap.Error(err))
			continue
		}

		hash := HashImage(data)
		if hashes[pos] == hash {
			continue
		}
		path, err := o.images.Save(page.ID, pos, data)
		if err != nil {
			return fatal(err)
		}
		img := &cache.Image{
			DocumentID:  page.ID,
			Position:    pos,
			StoragePath: path,
			ByteSize:    int64(len(data)),
			ContentHash: hash,
			AltText:     ref.AltText,
		}
		if err := o.store.UpsertImage(img); err != nil {
			return fatal(err)
		}
	}
	return nil
}

// tally accumulates job counters across workers.
type tally struct {
	mu  stdsync.Mutex
	job *cache.SyncJob
}

func (t *tally) apiCalls(n int) {
	t.mu.Lock()
	t.job.APICallsMade += n
	t.mu.Unlock()
}

func (t *tally) fetched() {
	t.mu.Lock()
	t.job.Fetched++
	t.mu.Unlock()
}

func (t *tally) added() {
	t.mu.Lock()
	t.job.Added++
	t.mu.Unlock()
}

func (t *tally) updated() {
	t.mu.Lock()
	t.job.Updated++
	t.mu.Unlock()
}

func (t *tally) skipped() {
	t.mu.Lock()
	t.job.Skipped++
	t.mu.Unlock()
}

func (t *tally) deleted(n int) {
	t.mu.Lock()
	t.job.Deleted += n
	t.mu.Unlock()
}

func (t *tally) failed(id string, err error) {
	t.mu.Lock()
	t.job.ErrorCount++
	t.job.LastError = err.Error()
	t.job.FailedIDs = append(t.job.FailedIDs, id)
	t.mu.Unlock()
}

// flush persists the job row so status queries see live progress. Write
// failures are swallowed; the terminal update at the end of Run matters.
func (t *tally) flush(store *cache.Store) {
	t.mu.Lock()
	_ = store.UpdateSyncJob(t.job)
	t.mu.Unlock()
}
