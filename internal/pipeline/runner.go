// Package pipeline runs the per-tenant sequence ingest, classify, score, draft, validate, enqueue.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/settings"
)

// Enqueuer is the approval queue entry point.
type Enqueuer interface {
	Enqueue(ctx context.Context, req approval.EnqueueRequest) (models.QueueItem, bool, error)
}

// Stages bundles the swappable transforms.
type Stages struct {
	Ingest   Ingestor
	Classify Classifier
	Score    Scorer
	Draft    Drafter
	Validate Validator
}

// DefaultStages wires the heuristic implementations around an ingestor.
func DefaultStages(ing Ingestor) Stages {
	return Stages{
		Ingest:   ing,
		Classify: KeywordClassifier{},
		Score:    WeightedScorer{},
		Draft:    TemplateDrafter{},
		Validate: RulesValidator{},
	}
}

// Options control one run.
type Options struct {
	DryRun   bool
	Settings settings.Effective
	// Guard is called before every enqueue; an error aborts the run without writing.
	Guard func(ctx context.Context) error
}

// Stats are persisted with the PipelineRun.
type Stats struct {
	Ingested     int    `json:"ingested"`
	Relevant     int    `json:"relevant"`
	BelowScore   int    `json:"below_score"`
	Drafted      int    `json:"drafted"`
	Invalid      int    `json:"invalid"`
	Enqueued     int    `json:"enqueued"`
	AutoApproved int    `json:"auto_approved"`
	Duplicates   int    `json:"duplicates"`
	WouldEnqueue int    `json:"would_enqueue"`
	Skipped      string `json:"skipped,omitempty"`
}

// Map flattens stats for storage.
func (s Stats) Map() map[string]any {
	m := map[string]any{
		"ingested":      s.Ingested,
		"relevant":      s.Relevant,
		"below_score":   s.BelowScore,
		"drafted":       s.Drafted,
		"invalid":       s.Invalid,
		"enqueued":      s.Enqueued,
		"auto_approved": s.AutoApproved,
		"duplicates":    s.Duplicates,
		"would_enqueue": s.WouldEnqueue,
	}
	if s.Skipped != "" {
		m["skipped"] = s.Skipped
	}
	return m
}

type Runner struct {
	stages   Stages
	queue    Enqueuer
	minScore int
	logger   logrus.FieldLogger
}

func NewRunner(stages Stages, queue Enqueuer, minScore int, logger logrus.FieldLogger) *Runner {
	return &Runner{stages: stages, queue: queue, minScore: minScore, logger: logger}
}

// Run executes every stage for one tenant. Per-candidate failures are counted, not fatal.
func (r *Runner) Run(ctx context.Context, tenant models.Tenant, opts Options) (Stats, error) {
	var stats Stats
	log := r.logger.WithFields(logrus.Fields{"tenant_id": tenant.ID, "dry_run": opts.DryRun})

	candidates, err := r.stages.Ingest.Ingest(ctx, tenant, opts.Settings)
	if errors.Is(err, ErrCredentialUnavailable) {
		stats.Skipped = "credential_unavailable"
		log.Info("ingestion skipped: no usable credential")
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("ingest: %w", err)
	}
	stats.Ingested = len(candidates)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, context.Cause(ctx)
		}
		cls := r.stages.Classify.Classify(c)
		if !cls.Relevant {
			continue
		}
		stats.Relevant++
		score := r.stages.Score.Score(c, cls)
		if score < r.minScore {
			stats.BelowScore++
			continue
		}
		draft, err := r.stages.Draft.Draft(c, cls)
		if err != nil {
			stats.Invalid++
			log.WithField("candidate_id", c.ID).Debugf("draft failed: %v", err)
			continue
		}
		stats.Drafted++
		if err := r.stages.Validate.Validate(draft); err != nil {
			stats.Invalid++
			log.WithField("candidate_id", c.ID).Debugf("draft rejected: %v", err)
			continue
		}

		if opts.DryRun || !opts.Settings.AutoQueue {
			stats.WouldEnqueue++
			continue
		}
		if opts.Guard != nil {
			if err := opts.Guard(ctx); err != nil {
				return stats, err
			}
		}
		autoApprove := opts.Settings.AutoApproves(draft.Kind)
		item, created, err := r.queue.Enqueue(ctx, approval.EnqueueRequest{
			TenantID:       tenant.ID,
			Kind:           draft.Kind,
			IdempotencyKey: "cand-" + c.ID,
			AutoApprove:    autoApprove,
			Payload: models.QueuePayload{
				Text:      draft.Text,
				InReplyTo: c.ID,
				ThreadID:  c.ThreadID,
				AuthorID:  c.AuthorID,
				SourceID:  c.ID,
				Intent:    cls.Intent,
				Score:     score,
			},
		})
		if err != nil {
			return stats, fmt.Errorf("enqueue: %w", err)
		}
		if !created {
			stats.Duplicates++
			continue
		}
		stats.Enqueued++
		if item.Status == models.StatusApproved {
			stats.AutoApproved++
		}
	}
	log.WithFields(logrus.Fields{"ingested": stats.Ingested, "enqueued": stats.Enqueued, "would_enqueue": stats.WouldEnqueue}).Info("pipeline finished")
	return stats, nil
}
