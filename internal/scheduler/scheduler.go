// Package scheduler drives one pipeline cycle per active tenant under the tenant's pipeline lease,
// then drains approved queue items through the publishing gateway.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/archive"
	"outreach-orchestrator/internal/gateway"
	"outreach-orchestrator/internal/lockstore"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/pipeline"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// DefaultPipeline is the only pipeline a tenant runs today.
const DefaultPipeline = "outreach"

// ErrUnknownPipeline is returned by RunTenant for a pipeline name it does not know.
var ErrUnknownPipeline = errors.New("unknown pipeline")

const (
	OutcomeRan     = "ran"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

type Repo interface {
	store.TenantRepo
	store.RunRepo
}

type PipelineRunner interface {
	Run(ctx context.Context, tenant models.Tenant, opts pipeline.Options) (pipeline.Stats, error)
}

type Publisher interface {
	Publish(ctx context.Context, item models.QueueItem) (string, error)
}

type KillSwitch interface {
	Engaged(ctx context.Context) (bool, error)
}

type Archiver interface {
	Save(ctx context.Context, r archive.Report) (string, error)
}

// Options wires a Scheduler. Archive may be nil.
type Options struct {
	Repo        Repo
	Locks       *lockstore.Store
	Runner      PipelineRunner
	Queue       *approval.Queue
	Gateway     Publisher
	Flags       KillSwitch
	Settings    settings.Source
	Archive     Archiver
	Logger      logrus.FieldLogger
	WorkerID    string
	Concurrency int
	TenantLimit int
	DrainLimit  int
	DryRun      bool
	Now         func() time.Time
}

// DrainStats describes the publish half of a tenant cycle.
type DrainStats struct {
	Expired      int    `json:"expired"`
	AutoApproved int    `json:"auto_approved"`
	Attempted    int    `json:"attempted"`
	Published    int    `json:"published"`
	Blocked      int    `json:"blocked"`
	Failed       int    `json:"failed"`
	Halted       string `json:"halted,omitempty"`
}

// TenantResult is the outcome of one tenant in one cycle.
type TenantResult struct {
	TenantID   string         `json:"tenant_id"`
	RunID      string         `json:"run_id,omitempty"`
	Outcome    string         `json:"outcome"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Pipeline   pipeline.Stats `json:"pipeline"`
	Drain      DrainStats     `json:"drain"`
	Error      string         `json:"error,omitempty"`
}

// CycleResult aggregates a cycle over all active tenants.
type CycleResult struct {
	Tenants  []TenantResult `json:"tenants"`
	Ran      int            `json:"ran"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
	Duration time.Duration  `json:"duration"`
}

// Scheduler owns the per-tenant cycle.
type Scheduler struct {
	repo        Repo
	locks       *lockstore.Store
	runner      PipelineRunner
	queue       *approval.Queue
	gateway     Publisher
	flags       KillSwitch
	settings    settings.Source
	archive     Archiver
	logger      logrus.FieldLogger
	workerID    string
	concurrency int
	tenantLimit int
	drainLimit  int
	dryRun      bool
	now         func() time.Time
}

func New(o Options) *Scheduler {
	s := &Scheduler{
		repo:        o.Repo,
		locks:       o.Locks,
		runner:      o.Runner,
		queue:       o.Queue,
		gateway:     o.Gateway,
		flags:       o.Flags,
		settings:    o.Settings,
		archive:     o.Archive,
		logger:      o.Logger,
		workerID:    o.WorkerID,
		concurrency: o.Concurrency,
		tenantLimit: o.TenantLimit,
		drainLimit:  o.DrainLimit,
		dryRun:      o.DryRun,
		now:         o.Now,
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	if s.drainLimit <= 0 {
		s.drainLimit = 50
	}
	if s.workerID == "" {
		s.workerID = uuid.NewString()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	return s
}

// Run executes cycles until ctx ends, or until cycles have completed when cycles > 0.
func (s *Scheduler) Run(ctx context.Context, cycles int, interval time.Duration) error {
	for i := 1; ; i++ {
		res, err := s.RunCycle(ctx)
		if err != nil {
			logging.LogError(s.logger, "scheduler", "Run", "cycle failed", map[string]any{"cycle": i}, err)
		} else {
			s.logger.WithFields(logrus.Fields{
				"cycle":    i,
				"ran":      res.Ran,
				"skipped":  res.Skipped,
				"failed":   res.Failed,
				"duration": res.Duration.String(),
			}).Info("cycle complete")
		}
		if cycles > 0 && i >= cycles {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunCycle runs every active tenant once, at most Concurrency at a time.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	tenants, err := s.repo.ListActiveTenants(ctx, s.tenantLimit)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list tenants: %w", err)
	}

	results := make([]TenantResult, len(tenants))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, t := range tenants {
		if ctx.Err() != nil {
			results[i] = TenantResult{TenantID: t.ID, Outcome: OutcomeSkipped, SkipReason: "shutdown"}
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, t models.Tenant) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.runTenant(ctx, t, DefaultPipeline, s.dryRun)
		}(i, t)
	}
	wg.Wait()

	out := CycleResult{Tenants: results, Duration: time.Since(start)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeRan:
			out.Ran++
		case OutcomeSkipped:
			out.Skipped++
		case OutcomeFailed:
			out.Failed++
		}
	}
	telemetry.CycleDuration.Observe(out.Duration.Seconds())
	return out, nil
}

// RunTenant runs one tenant on demand, under the same lease as the recurring cycle.
func (s *Scheduler) RunTenant(ctx context.Context, tenantID, pipelineName string, dryRun bool) (TenantResult, error) {
	if pipelineName == "" {
		pipelineName = DefaultPipeline
	}
	if pipelineName != DefaultPipeline {
		return TenantResult{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineName)
	}
	t, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return TenantResult{}, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	return s.runTenant(ctx, t, pipelineName, dryRun), nil
}

func (s *Scheduler) runTenant(ctx context.Context, t models.Tenant, pipelineName string, dryRun bool) TenantResult {
	res := TenantResult{TenantID: t.ID}
	log := s.logger.WithFields(logrus.Fields{"tenant_id": t.ID, "worker_id": s.workerID, "pipeline": pipelineName})

	if t.Paused {
		return skip(res, "paused")
	}
	eff, err := s.settings.Resolve(ctx, t.ID)
	if err != nil {
		return fail(log, res, fmt.Errorf("resolve settings: %w", err))
	}

	lease, err := s.locks.Acquire(ctx, t.ID, lockstore.ResourcePipeline, eff.PipelineLockTTL)
	if errors.Is(err, lockstore.ErrBusy) {
		log.Debug("pipeline lease busy; deferring tenant")
		return skip(res, "busy")
	}
	if err != nil {
		return fail(log, res, fmt.Errorf("acquire lease: %w", err))
	}
	telemetry.LocksHeldGauge.Inc()
	defer func() {
		telemetry.LocksHeldGauge.Dec()
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		released, err := s.locks.Release(relCtx, lease)
		if err != nil {
			log.WithError(err).Warn("release lease")
		} else if !released {
			log.Warn("lease was no longer held at release")
		}
	}()

	started := s.now().UTC()
	// The lease was free, so a run still marked running belongs to a worker that died or stalled.
	if n, err := s.repo.FailStaleRuns(ctx, t.ID, started); err != nil {
		log.WithError(err).Warn("fail stale runs")
	} else if n > 0 {
		log.WithField("count", n).Warn("marked orphaned runs failed")
	}

	run := models.PipelineRun{
		ID:        uuid.NewString(),
		TenantID:  t.ID,
		Pipeline:  pipelineName,
		DryRun:    dryRun,
		WorkerID:  s.workerID,
		Status:    models.RunRunning,
		Stats:     map[string]any{},
		StartedAt: started,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return fail(log, res, fmt.Errorf("create run: %w", err))
	}
	res.RunID = run.ID
	log = log.WithField("run_id", run.ID)

	ttl := eff.PipelineLockTTL
	leaseCtx, stop := s.locks.Keepalive(ctx, lease, keepaliveEvery(ttl), ttl)
	defer stop()
	guard := s.locks.Guard(lease, ttl)

	stats, runErr := s.runner.Run(leaseCtx, t, pipeline.Options{DryRun: dryRun, Settings: eff, Guard: guard})
	res.Pipeline = stats
	if runErr == nil && !dryRun {
		res.Drain, runErr = s.drain(leaseCtx, log, t, eff, guard)
	}

	status := models.RunSucceeded
	res.Outcome = OutcomeRan
	var errMsg *string
	if runErr != nil {
		status = models.RunFailed
		res.Outcome = OutcomeFailed
		res.Error = runErr.Error()
		errMsg = &res.Error
		if errors.Is(runErr, lockstore.ErrLost) {
			log.Warn("pipeline lease lost; abandoning cycle")
		} else {
			logging.LogError(log, "scheduler", "runTenant", "tenant cycle failed", nil, runErr)
		}
	}

	finished := s.now().UTC()
	runStats := stats.Map()
	runStats["drain"] = res.Drain
	// Run bookkeeping must land even after the lease context is gone; FinishRun only moves a
	// run that is still running, so a run already failed by the next holder stays failed.
	finishCtx := context.WithoutCancel(ctx)
	if err := s.repo.FinishRun(finishCtx, run.ID, status, runStats, errMsg, finished); err != nil {
		log.WithError(err).Warn("finish run")
	}
	telemetry.PipelineRuns.WithLabelValues(status).Inc()

	if s.archive != nil {
		report := archive.Report{
			RunID:      run.ID,
			TenantID:   t.ID,
			Pipeline:   pipelineName,
			DryRun:     dryRun,
			WorkerID:   s.workerID,
			Status:     status,
			Stats:      runStats,
			Error:      res.Error,
			StartedAt:  started,
			FinishedAt: finished,
		}
		if loc, err := s.archive.Save(finishCtx, report); err != nil {
			log.WithError(err).Warn("archive run report")
		} else {
			log.WithField("location", loc).Debug("run report archived")
		}
	}
	return res
}

// drain expires stale approvals, applies the tenant's auto-approve kinds and publishes due items.
// A lost lease stops it immediately; any other per-item failure is counted and the drain moves on.
func (s *Scheduler) drain(ctx context.Context, log logrus.FieldLogger, t models.Tenant, eff settings.Effective, guard func(context.Context) error) (DrainStats, error) {
	var ds DrainStats

	engaged, err := s.flags.Engaged(ctx)
	if err != nil {
		return ds, fmt.Errorf("read kill switch: %w", err)
	}
	if engaged {
		ds.Halted = "kill_switch"
		telemetry.TenantSkips.WithLabelValues("kill_switch").Inc()
		log.Info("kill switch engaged; publishing halted")
		return ds, nil
	}

	if err := guard(ctx); err != nil {
		return ds, err
	}
	if ds.Expired, err = s.queue.ExpireStale(ctx, t.ID, eff.ApprovalWindow, s.drainLimit); err != nil {
		return ds, fmt.Errorf("expire stale: %w", err)
	}
	if len(eff.AutoApproveKinds) > 0 {
		if ds.AutoApproved, err = s.queue.AutoApprove(ctx, t.ID, eff.AutoApproveKinds, s.drainLimit); err != nil {
			return ds, fmt.Errorf("auto approve: %w", err)
		}
	}
	due, err := s.queue.Due(ctx, t.ID, s.drainLimit)
	if err != nil {
		return ds, fmt.Errorf("list due: %w", err)
	}

	for _, item := range due {
		if err := guard(ctx); err != nil {
			return ds, err
		}
		ds.Attempted++
		externalID, err := s.gateway.Publish(ctx, item)
		ilog := log.WithField("queue_item_id", item.ID)
		switch gateway.ClassOf(err) {
		case "":
			if err != nil {
				return ds, err
			}
			ds.Published++
			ilog.WithField("external_id", externalID).Info("published")
		case gateway.ClassLockLost:
			return ds, err
		case gateway.ClassPolicy:
			ds.Blocked++
			ilog.Debugf("publish deferred: %v", err)
			if errors.Is(err, gateway.ErrKillSwitch) {
				ds.Halted = "kill_switch"
				return ds, nil
			}
		default:
			ds.Failed++
			ilog.WithField("class", gateway.ClassOf(err)).Warnf("publish failed: %v", err)
		}
	}
	return ds, nil
}

func keepaliveEvery(ttl time.Duration) time.Duration {
	every := ttl / 3
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	return every
}

func skip(res TenantResult, reason string) TenantResult {
	res.Outcome = OutcomeSkipped
	res.SkipReason = reason
	telemetry.TenantSkips.WithLabelValues(reason).Inc()
	return res
}

func fail(log logrus.FieldLogger, res TenantResult, err error) TenantResult {
	res.Outcome = OutcomeFailed
	res.Error = err.Error()
	logging.LogError(log, "scheduler", "runTenant", "tenant cycle failed", nil, err)
	return res
}
