package control

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/scheduler"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/store"
)

const (
	previewLimit = 5
	logsLimit    = 10
)

func (p *Plane) help(_ context.Context, c call) (result, error) {
	var lines []string
	for _, s := range Specs() {
		if Authorize(c.actor.Role, s) == nil {
			lines = append(lines, s.Usage)
		}
	}
	return result{Message: "available_commands", Data: map[string]any{"commands": lines}}, nil
}

func (p *Plane) status(ctx context.Context, c call) (result, error) {
	tenantID := c.env.TenantID
	t, err := p.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return result{}, err
	}
	ks, err := p.flags.KillSwitch(ctx)
	if err != nil {
		return result{}, err
	}
	counts, err := p.queue.Counts(ctx, tenantID)
	if err != nil {
		return result{}, err
	}
	data := map[string]any{
		"tenant_id":   tenantID,
		"paused":      t.Paused,
		"kill_switch": map[string]any{"enabled": ks.Enabled, "version": ks.Version},
		"queue":       countMap(counts),
	}
	if runs, err := p.repo.ListRuns(ctx, tenantID, 1); err == nil && len(runs) > 0 {
		data["last_run"] = map[string]any{
			"id":         runs[0].ID,
			"status":     runs[0].Status,
			"started_at": runs[0].StartedAt.Format(time.RFC3339),
		}
	}
	if p.creds != nil {
		st, err := p.creds.Status(ctx, tenantID, p.provider)
		if err != nil {
			return result{}, err
		}
		data["credential"] = map[string]any{"provider": st.Provider, "connected": st.Connected, "healthy": st.Healthy}
	}
	return result{Message: "status_ok", Data: data}, nil
}

func (p *Plane) metrics(ctx context.Context, c call) (result, error) {
	tenantID := c.env.TenantID
	now := p.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	eff, err := p.settings.Resolve(ctx, tenantID)
	if err != nil {
		return result{}, err
	}
	data := map[string]any{"daily_cap": eff.DailyPublishCap}
	for _, status := range []string{models.AuditSuccess, models.AuditFailed, models.AuditRetryScheduled, models.AuditAmbiguous} {
		n, err := p.repo.CountPublishAudits(ctx, tenantID, status, midnight)
		if err != nil {
			return result{}, err
		}
		data["today_"+status] = n
	}
	counts, err := p.queue.Counts(ctx, tenantID)
	if err != nil {
		return result{}, err
	}
	data["queue"] = countMap(counts)
	return result{Message: "metrics_ok", Data: data}, nil
}

func (p *Plane) queueList(ctx context.Context, c call) (result, error) {
	items, err := p.queue.Preview(ctx, c.env.TenantID, previewLimit)
	if err != nil {
		return result{}, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, summarize(it, 80))
	}
	return result{Message: "queue_ok", Data: map[string]any{"count": len(out), "items": out}}, nil
}

func (p *Plane) preview(ctx context.Context, c call) (result, error) {
	if len(c.cmd.Args) == 0 {
		return result{}, &failure{Message: "usage: /preview <queue_id>"}
	}
	it, err := p.queue.Get(ctx, c.env.TenantID, c.cmd.Args[0])
	if errors.Is(err, store.ErrNotFound) {
		return result{}, &failure{Message: "queue_item_not_found", Data: map[string]any{"queue_id": c.cmd.Args[0]}}
	}
	if err != nil {
		return result{}, err
	}
	return result{Message: "preview_ok", Data: summarize(it, 0)}, nil
}

// approve without an id approves the oldest pending item.
func (p *Plane) approve(ctx context.Context, c call) (result, error) {
	tenantID := c.env.TenantID
	var id string
	if len(c.cmd.Args) > 0 {
		id = c.cmd.Args[0]
	} else {
		pending, err := p.queue.Preview(ctx, tenantID, 1)
		if err != nil {
			return result{}, err
		}
		if len(pending) == 0 {
			return result{}, &failure{Message: "no_pending_queue_item"}
		}
		id = pending[0].ID
	}
	before, err := p.queue.Get(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return result{}, &failure{Message: "queue_item_not_found", Data: map[string]any{"queue_id": id}}
	}
	if err != nil {
		return result{}, err
	}
	it, err := p.queue.Approve(ctx, tenantID, id, c.actor.UserID)
	if errors.Is(err, approval.ErrInvalidTransition) {
		return result{}, &failure{Message: "approve_not_allowed", Data: map[string]any{"queue_id": id, "status": string(before.Status)}}
	}
	if err != nil {
		return result{}, err
	}
	msg := "approved"
	if before.Status == it.Status {
		msg = "approve_idempotent"
	}
	return result{Message: msg, Data: map[string]any{"queue_id": id, "status": string(it.Status)}}, nil
}

func (p *Plane) reject(ctx context.Context, c call) (result, error) {
	if len(c.cmd.Args) == 0 {
		return result{}, &failure{Message: "usage: /reject <queue_id>"}
	}
	id := c.cmd.Args[0]
	it, err := p.queue.Reject(ctx, c.env.TenantID, id, c.actor.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return result{}, &failure{Message: "queue_item_not_found", Data: map[string]any{"queue_id": id}}
	case errors.Is(err, approval.ErrInvalidTransition):
		return result{}, &failure{Message: "reject_not_allowed", Data: map[string]any{"queue_id": id}}
	case err != nil:
		return result{}, err
	}
	return result{Message: "rejected", Data: map[string]any{"queue_id": id, "status": string(it.Status)}}, nil
}

func (p *Plane) pause(ctx context.Context, c call) (result, error) {
	return p.setPaused(ctx, c.env.TenantID, true)
}

func (p *Plane) resume(ctx context.Context, c call) (result, error) {
	return p.setPaused(ctx, c.env.TenantID, false)
}

func (p *Plane) setPaused(ctx context.Context, tenantID string, paused bool) (result, error) {
	if err := p.repo.SetTenantPaused(ctx, tenantID, paused); err != nil {
		return result{}, err
	}
	msg := "tenant_resumed"
	if paused {
		msg = "tenant_paused"
	}
	return result{Message: msg, Data: map[string]any{"tenant_id": tenantID, "paused": paused}}, nil
}

// run accepts "/run", "/run outreach", "/run dry_run" and "/run outreach dry_run=true".
func (p *Plane) run(ctx context.Context, c call) (result, error) {
	pipelineName := scheduler.DefaultPipeline
	dryRun := false
	for _, a := range c.cmd.Args {
		switch strings.ToLower(a) {
		case "dry_run", "dry-run", "dry_run=true", "--dry-run":
			dryRun = true
		case "dry_run=false":
		default:
			pipelineName = a
		}
	}
	tr, err := p.runner.RunTenant(ctx, c.env.TenantID, pipelineName, dryRun)
	if errors.Is(err, scheduler.ErrUnknownPipeline) {
		return result{}, &failure{Message: "unknown_pipeline", Data: map[string]any{"pipeline": pipelineName}}
	}
	if err != nil {
		return result{}, err
	}
	data := map[string]any{
		"pipeline":  pipelineName,
		"dry_run":   dryRun,
		"outcome":   tr.Outcome,
		"run_id":    tr.RunID,
		"enqueued":  tr.Pipeline.Enqueued,
		"published": tr.Drain.Published,
	}
	if tr.SkipReason != "" {
		data["skip_reason"] = tr.SkipReason
	}
	if tr.Outcome == scheduler.OutcomeFailed {
		data["error"] = tr.Error
		return result{}, &failure{Message: "run_failed", Data: data}
	}
	return result{Message: "run_" + tr.Outcome, Data: data}, nil
}

// set persists a tenant setting, or applies it as a runtime override when a ttl is given.
// Free-text keys take every remaining word as the value; their ttl must be spelled ttl=<duration>.
func (p *Plane) set(ctx context.Context, c call) (result, error) {
	if len(c.cmd.Args) < 2 {
		return result{}, &failure{Message: "usage: /set <key> <value> [ttl]"}
	}
	key, rest := strings.ToLower(c.cmd.Args[0]), c.cmd.Args[1:]
	var ttlArg string
	if last := rest[len(rest)-1]; len(rest) > 1 && strings.HasPrefix(strings.ToLower(last), "ttl=") {
		ttlArg, rest = last[len("ttl="):], rest[:len(rest)-1]
	}
	value := rest[0]
	switch {
	case freeText[key]:
		value = strings.Join(rest, " ")
	case len(rest) == 2 && ttlArg == "":
		ttlArg = rest[1]
	case len(rest) > 1:
		return result{}, &failure{Message: "usage: /set <key> <value> [ttl]"}
	}
	if err := settings.Check(key, value); err != nil {
		return result{}, &failure{Message: "invalid_setting", Data: map[string]any{"key": key, "value": value}}
	}
	data := map[string]any{"key": key, "value": value}
	if ttlArg != "" {
		ttl, err := time.ParseDuration(ttlArg)
		if err != nil || ttl <= 0 {
			return result{}, &failure{Message: "invalid_ttl", Data: map[string]any{"ttl": ttlArg}}
		}
		if err := p.settings.SetOverride(ctx, c.env.TenantID, key, value, ttl); err != nil {
			return result{}, err
		}
		data["ttl"] = ttl.String()
		return result{Message: "override_set", Data: data}, nil
	}
	if err := p.settings.Persist(ctx, c.env.TenantID, key, value); err != nil {
		return result{}, err
	}
	return result{Message: "setting_saved", Data: data}, nil
}

// freeText lists setting keys whose values may contain spaces.
var freeText = map[string]bool{settings.KeySearchQuery: true}

// logs lists the tenant's most recent admin actions, newest first.
func (p *Plane) logs(ctx context.Context, c call) (result, error) {
	actions, err := p.repo.ListAdminActions(ctx, c.env.TenantID, logsLimit)
	if err != nil {
		return result{}, err
	}
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		entry := map[string]any{
			"command":    a.Command,
			"actor_id":   a.ActorID,
			"status":     a.Status,
			"summary":    a.ResultSummary,
			"created_at": a.CreatedAt.Format(time.RFC3339),
		}
		if len(a.Args) > 0 {
			entry["args"] = a.Args
		}
		out = append(out, entry)
	}
	return result{Message: "logs_ok", Data: map[string]any{"count": len(out), "actions": out}}, nil
}

// limits reports today's usage against the daily cap and the configured cooldowns.
func (p *Plane) limits(ctx context.Context, c call) (result, error) {
	tenantID := c.env.TenantID
	eff, err := p.settings.Resolve(ctx, tenantID)
	if err != nil {
		return result{}, err
	}
	now := p.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	used, err := p.repo.CountPublishAudits(ctx, tenantID, models.AuditSuccess, midnight)
	if err != nil {
		return result{}, err
	}
	data := map[string]any{
		"daily_cap":       eff.DailyPublishCap,
		"published_today": used,
		"resets_at":       midnight.Add(24 * time.Hour).Format(time.RFC3339),
		"thread_cooldown": eff.ThreadCooldown.String(),
		"author_cooldown": eff.AuthorCooldown.String(),
	}
	if eff.DailyPublishCap > 0 {
		data["remaining_today"] = max(eff.DailyPublishCap-used, 0)
	}
	return result{Message: "limits_ok", Data: data}, nil
}

// report shows the most recent pipeline run and its stats.
func (p *Plane) report(ctx context.Context, c call) (result, error) {
	runs, err := p.repo.ListRuns(ctx, c.env.TenantID, 1)
	if err != nil {
		return result{}, err
	}
	if len(runs) == 0 {
		return result{}, &failure{Message: "no_runs_yet"}
	}
	run := runs[0]
	data := map[string]any{
		"run_id":     run.ID,
		"pipeline":   run.Pipeline,
		"dry_run":    run.DryRun,
		"status":     run.Status,
		"worker_id":  run.WorkerID,
		"started_at": run.StartedAt.Format(time.RFC3339),
		"stats":      run.Stats,
	}
	if run.FinishedAt != nil {
		data["finished_at"] = run.FinishedAt.Format(time.RFC3339)
	}
	if run.Error != nil {
		data["error"] = *run.Error
	}
	return result{Message: "report_ok", Data: data}, nil
}

func (p *Plane) killSwitch(ctx context.Context, c call) (result, error) {
	if len(c.cmd.Args) == 0 {
		return result{}, &failure{Message: "usage: /killswitch on|off"}
	}
	var enabled bool
	switch strings.ToLower(c.cmd.Args[0]) {
	case "on", "enable", "true":
		enabled = true
	case "off", "disable", "false":
	default:
		return result{}, &failure{Message: "usage: /killswitch on|off"}
	}
	ks, err := p.flags.SetKillSwitch(ctx, enabled, c.actor.UserID)
	if err != nil {
		return result{}, err
	}
	msg := "kill_switch_disabled"
	if enabled {
		msg = "kill_switch_enabled"
	}
	return result{Message: msg, Data: map[string]any{"enabled": ks.Enabled, "version": ks.Version}}, nil
}

func countMap(counts map[models.QueueStatus]int) map[string]any {
	out := make(map[string]any, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	return out
}

// summarize renders a queue item for chat; text is truncated to maxRunes when maxRunes > 0.
func summarize(it models.QueueItem, maxRunes int) map[string]any {
	text := it.Payload.Text
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes-1]) + "…"
	}
	out := map[string]any{
		"id":     it.ID,
		"kind":   it.Kind,
		"status": string(it.Status),
		"intent": it.Payload.Intent,
		"score":  it.Payload.Score,
		"text":   text,
	}
	if it.Payload.InReplyTo != "" {
		out["in_reply_to"] = it.Payload.InReplyTo
	}
	return out
}
