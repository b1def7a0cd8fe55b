package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onecache/internal/cache"
)

// ErrScopeBusy is returned when a scope already has a non-terminal job.
var ErrScopeBusy = errors.New("sync already running for scope")

// ErrUnknownJob is returned for control actions on job IDs the registry
// does not hold in memory. Jobs from previous processes are query-only.
var ErrUnknownJob = errors.New("unknown job")

// ErrInvalidState is returned for control actions the job's current state
// does not allow, such as pausing a job that is not running.
var ErrInvalidState = errors.New("invalid job state")

// Registry admits sync jobs, enforces one active job per scope, and routes
// pause/resume/cancel to the running job's controller. Job rows in the
// store outlive the registry; only control state is in-memory.
type Registry struct {
	orch  *Orchestrator
	store *cache.Store
	log   *zap.Logger

	mu      stdsync.Mutex
	byScope map[string]*activeJob
	byID    map[string]*activeJob
}

type activeJob struct {
	id    string
	scope string
	ctrl  *controller
}

// NewRegistry creates a registry driving jobs through orch.
func NewRegistry(orch *Orchestrator, store *cache.Store, log *zap.Logger) *Registry {
	return &Registry{
		orch:    orch,
		store:   store,
		log:     log,
		byScope: make(map[string]*activeJob),
		byID:    make(map[string]*activeJob),
	}
}

// admit reserves the scope and persists the pending job row. The caller
// must release the returned activeJob when the job ends.
func (r *Registry) admit(strategy cache.Strategy, scope, triggeredBy string) (*cache.SyncJob, *activeJob, error) {
	if scope == "" {
		scope = ScopeAccount
	}

	job := &cache.SyncJob{
		ID:          uuid.NewString(),
		Strategy:    strategy,
		Scope:       scope,
		Status:      cache.JobPending,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now().UTC(),
		FailedIDs:   []string{},
	}
	active := &activeJob{id: job.ID, scope: scope, ctrl: newController()}

	r.mu.Lock()
	if _, busy := r.byScope[scope]; busy {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrScopeBusy, scope)
	}
	r.byScope[scope] = active
	r.byID[job.ID] = active
	r.mu.Unlock()

	if err := r.store.CreateSyncJob(job); err != nil {
		r.release(active)
		return nil, nil, err
	}
	return job, active, nil
}

// Submit creates and starts a job for the scope. It returns the job
// snapshot immediately; the pass runs on its own goroutine under ctx.
// A second submission for a scope with a live job fails with ErrScopeBusy.
func (r *Registry) Submit(ctx context.Context, strategy cache.Strategy, scope, triggeredBy string) (*cache.SyncJob, error) {
	job, active, err := r.admit(strategy, scope, triggeredBy)
	if err != nil {
		return nil, err
	}

	r.log.Info("sync job submitted",
		zap.String("job_id", job.ID),
		zap.String("strategy", string(strategy)),
		zap.String("scope", job.Scope),
		zap.String("triggered_by", triggeredBy))

	// Snapshot before the goroutine starts mutating counters.
	snapshot := *job
	go func() {
		defer r.release(active)
		r.orch.Run(ctx, job, active.ctrl)
	}()
	return &snapshot, nil
}

// RunBlocking runs a job to completion on the calling goroutine. Used by
// one-shot CLI syncs.
func (r *Registry) RunBlocking(ctx context.Context, strategy cache.Strategy, scope, triggeredBy string) (*cache.SyncJob, error) {
	job, active, err := r.admit(strategy, scope, triggeredBy)
	if err != nil {
		return nil, err
	}
	defer r.release(active)
	r.orch.Run(ctx, job, active.ctrl)
	return job, nil
}

func (r *Registry) release(a *activeJob) {
	r.mu.Lock()
	if cur, ok := r.byScope[a.scope]; ok && cur == a {
		delete(r.byScope, a.scope)
	}
	delete(r.byID, a.id)
	r.mu.Unlock()
}

// Status returns the persisted job snapshot, or (nil, nil) when the ID is
// unknown. Works for jobs from any process lifetime.
func (r *Registry) Status(jobID string) (*cache.SyncJob, error) {
	return r.store.GetSyncJob(jobID)
}

// Pause suspends a running job at its next checkpoint.
func (r *Registry) Pause(jobID string) error {
	a, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	if err := a.ctrl.pause(); err != nil {
		return err
	}
	if err := r.store.SetSyncJobStatus(jobID, cache.JobPaused); err != nil {
		return err
	}
	r.log.Info("sync job paused", zap.String("job_id", jobID))
	return nil
}

// Resume continues a paused job.
func (r *Registry) Resume(jobID string) error {
	a, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	if err := a.ctrl.resume(); err != nil {
		return err
	}
	if err := r.store.SetSyncJobStatus(jobID, cache.JobRunning); err != nil {
		return err
	}
	r.log.Info("sync job resumed", zap.String("job_id", jobID))
	return nil
}

// Cancel requests cancellation. The job drains its in-flight items and
// records the cancelled state itself; completed work stays cached.
func (r *Registry) Cancel(jobID string) error {
	a, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	if err := a.ctrl.cancel(); err != nil {
		return err
	}
	r.log.Info("sync job cancellation requested", zap.String("job_id", jobID))
	return nil
}

func (r *Registry) lookup(jobID string) (*activeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return a, nil
}
