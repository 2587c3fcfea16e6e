package models

import "time"

// Tenant statuses.
const (
	TenantActive   = "active"
	TenantDisabled = "disabled"
)

// Tenant is the isolation boundary. Tenants are soft-disabled, never deleted.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Roles ordered by privilege.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// RoleRank orders roles; unknown roles rank below member.
func RoleRank(role string) int {
	switch role {
	case RoleMember:
		return 1
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 3
	}
	return 0
}

// TenantMember binds a user to a tenant with a role.
type TenantMember struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// PipelineRun statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// PipelineRun records one scheduler execution for a tenant.
type PipelineRun struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Pipeline   string         `json:"pipeline"`
	DryRun     bool           `json:"dry_run"`
	WorkerID   string         `json:"worker_id"`
	Status     string         `json:"status"`
	Stats      map[string]any `json:"stats"`
	Error      *string        `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
