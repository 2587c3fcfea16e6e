package control

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/credentials"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/scheduler"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/state"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// Response statuses.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusUnauthorized = "unauthorized"
	StatusDuplicate    = "duplicate"
	StatusIgnored      = "ignored"
)

type Repo interface {
	store.TenantRepo
	store.RunRepo
	store.AuditRepo
	store.AdminActionRepo
}

type TenantRunner interface {
	RunTenant(ctx context.Context, tenantID, pipeline string, dryRun bool) (scheduler.TenantResult, error)
}

type Flags interface {
	KillSwitch(ctx context.Context) (state.KillSwitch, error)
	SetKillSwitch(ctx context.Context, enabled bool, actor string) (state.KillSwitch, error)
}

type SettingsWriter interface {
	settings.Source
	SetOverride(ctx context.Context, tenantID, key, value string, ttl time.Duration) error
	Persist(ctx context.Context, tenantID, key, value string) error
}

type CredentialStatus interface {
	Status(ctx context.Context, tenantID, provider string) (credentials.Status, error)
}

// Options wires a Plane. Credentials may be nil.
type Options struct {
	Repo        Repo
	Queue       *approval.Queue
	Runner      TenantRunner
	Flags       Flags
	Settings    SettingsWriter
	Credentials CredentialStatus
	Provider    string
	Directory   *Directory
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Response is returned to the chat webhook.
type Response struct {
	Accepted  bool           `json:"accepted"`
	TenantID  string         `json:"tenant_id"`
	RequestID string         `json:"request_id"`
	Command   string         `json:"command,omitempty"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// result is what a handler produces on success.
type result struct {
	Message string
	Data    map[string]any
}

// failure is a handler outcome that is a refusal rather than a crash; it is recorded as an
// error action with Message as the summary.
type failure struct {
	Message string
	Data    map[string]any
}

func (f *failure) Error() string { return f.Message }

type call struct {
	env   Envelope
	cmd   Command
	actor Actor
}

type handler func(ctx context.Context, c call) (result, error)

type Plane struct {
	repo      Repo
	queue     *approval.Queue
	runner    TenantRunner
	flags     Flags
	settings  SettingsWriter
	creds     CredentialStatus
	provider  string
	directory *Directory
	logger    logrus.FieldLogger
	now       func() time.Time
	handlers  map[string]handler
}

func New(o Options) *Plane {
	p := &Plane{
		repo:      o.Repo,
		queue:     o.Queue,
		runner:    o.Runner,
		flags:     o.Flags,
		settings:  o.Settings,
		creds:     o.Credentials,
		provider:  o.Provider,
		directory: o.Directory,
		logger:    o.Logger,
		now:       o.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	if p.directory == nil {
		p.directory, _ = ParseDirectory(nil)
	}
	p.handlers = map[string]handler{
		"help":       p.help,
		"status":     p.status,
		"metrics":    p.metrics,
		"queue":      p.queueList,
		"preview":    p.preview,
		"approve":    p.approve,
		"reject":     p.reject,
		"pause":      p.pause,
		"resume":     p.resume,
		"run":        p.run,
		"set":        p.set,
		"killswitch": p.killSwitch,
		"logs":       p.logs,
		"limits":     p.limits,
		"report":     p.report,
	}
	return p
}

// Handle authorizes and executes one chat message. Every message that parses as a command
// produces exactly one AdminAction, whatever the outcome.
func (p *Plane) Handle(ctx context.Context, env Envelope) Response {
	started := time.Now()
	resp := Response{TenantID: env.TenantID, RequestID: "ctl-" + uuid.NewString()}

	cmd, ok := ParseCommand(env.Text)
	if !ok {
		resp.Status = StatusIgnored
		resp.Message = "message_is_not_command"
		return resp
	}
	resp.Command = cmd.Name
	action := models.AdminAction{
		ID:             uuid.NewString(),
		ActorID:        "chat:" + env.ChatUserID,
		TenantID:       env.TenantID,
		Command:        cmd.Name,
		Args:           cmd.Args,
		RequestID:      resp.RequestID,
		IdempotencyKey: IdempotencyKey(env.UpdateID, cmd.Raw),
	}
	finish := func(status, summary string, data map[string]any, err error) Response {
		action.Status = status
		action.ResultSummary = summary
		action.Result = data
		if err != nil {
			msg := err.Error()
			action.Error = &msg
		}
		action.DurationMS = time.Since(started).Milliseconds()
		p.record(ctx, action)

		resp.Status = status
		if status == models.ActionSuccess {
			resp.Status = StatusOK
		}
		resp.Accepted = status == models.ActionSuccess || status == models.ActionDuplicate
		resp.Message = summary
		resp.Data = data
		return resp
	}

	actor, err := p.directory.Resolve(ctx, p.repo, env.TenantID, env.ChatUserID)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			return finish(models.ActionUnauthorized, "unauthorized", map[string]any{"reason": ae.Reason}, err)
		}
		return finish(models.ActionError, "execution_error", nil, err)
	}
	action.ActorID = actor.UserID

	spec, known := Lookup(cmd.Name)
	if !known {
		return finish(models.ActionError, "unknown_command", map[string]any{"command": cmd.Name}, errors.New("unknown command"))
	}
	if err := Authorize(actor.Role, spec); err != nil {
		return finish(models.ActionUnauthorized, "unauthorized", map[string]any{"reason": err.Error(), "required_role": spec.MinRole}, err)
	}

	if spec.Mutating {
		prev, err := p.repo.FindAdminAction(ctx, env.TenantID, action.IdempotencyKey, models.ActionSuccess)
		if err == nil {
			return finish(models.ActionDuplicate, prev.ResultSummary, prev.Result, nil)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return finish(models.ActionError, "execution_error", nil, err)
		}
	}

	res, err := p.handlers[cmd.Name](ctx, call{env: env, cmd: cmd, actor: actor})
	if err != nil {
		var f *failure
		if errors.As(err, &f) {
			return finish(models.ActionError, f.Message, f.Data, err)
		}
		logging.LogError(p.logger, "control", "Handle", "command failed", map[string]any{"command": cmd.Name, "tenant_id": env.TenantID}, err)
		return finish(models.ActionError, "execution_error", map[string]any{"error": err.Error()}, err)
	}
	return finish(models.ActionSuccess, res.Message, res.Data, nil)
}

// Refuse records a command that failed transport authentication (bad webhook secret) as an
// unauthorized action without resolving the actor.
func (p *Plane) Refuse(ctx context.Context, env Envelope, reason string) Response {
	resp := Response{TenantID: env.TenantID, RequestID: "ctl-" + uuid.NewString(), Status: StatusUnauthorized, Message: "unauthorized"}
	cmd, ok := ParseCommand(env.Text)
	if !ok {
		resp.Status = StatusIgnored
		resp.Message = "message_is_not_command"
		return resp
	}
	resp.Command = cmd.Name
	resp.Data = map[string]any{"reason": reason}
	msg := reason
	p.record(ctx, models.AdminAction{
		ID:             uuid.NewString(),
		ActorID:        "chat:" + env.ChatUserID,
		TenantID:       env.TenantID,
		Command:        cmd.Name,
		Args:           cmd.Args,
		Status:         models.ActionUnauthorized,
		ResultSummary:  "unauthorized",
		Result:         resp.Data,
		Error:          &msg,
		RequestID:      resp.RequestID,
		IdempotencyKey: IdempotencyKey(env.UpdateID, cmd.Raw),
	})
	return resp
}

func (p *Plane) record(ctx context.Context, a models.AdminAction) {
	a.CreatedAt = p.now().UTC()
	telemetry.AdminActions.WithLabelValues(a.Command, a.Status).Inc()
	if err := p.repo.AppendAdminAction(context.WithoutCancel(ctx), a); err != nil {
		logging.LogError(p.logger, "control", "record", "append admin action", map[string]any{"request_id": a.RequestID}, err)
	}
}
