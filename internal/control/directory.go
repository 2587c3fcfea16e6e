package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"outreach-orchestrator/internal/store"
)

// AuthError is an authorization failure with a machine-readable reason.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// Binding maps a chat user to an application user.
type Binding struct {
	ChatUserID   string   `yaml:"chat_user_id"`
	UserID       string   `yaml:"user_id"`
	AllowedRoles []string `yaml:"allowed_roles"`
}

type directoryFile struct {
	AllowedChatIDs []string  `yaml:"allowed_chat_ids"`
	Admins         []Binding `yaml:"admins"`
}

// Directory is the static allow-list of chat operators.
type Directory struct {
	allowed  map[string]bool
	bindings map[string]Binding
}

// Actor is an authenticated operator with their tenant role.
type Actor struct {
	ChatUserID string
	UserID     string
	Role       string
}

// LoadDirectory reads the YAML admin directory. A missing file yields an empty directory,
// which authorizes nobody.
func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ParseDirectory(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read admin directory: %w", err)
	}
	return ParseDirectory(raw)
}

func ParseDirectory(raw []byte) (*Directory, error) {
	var f directoryFile
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse admin directory: %w", err)
		}
	}
	d := &Directory{allowed: map[string]bool{}, bindings: map[string]Binding{}}
	for _, id := range f.AllowedChatIDs {
		if id = strings.TrimSpace(id); id != "" {
			d.allowed[id] = true
		}
	}
	for _, b := range f.Admins {
		b.ChatUserID = strings.TrimSpace(b.ChatUserID)
		b.UserID = strings.TrimSpace(b.UserID)
		if b.ChatUserID == "" || b.UserID == "" {
			continue
		}
		roles := make([]string, 0, len(b.AllowedRoles))
		for _, r := range b.AllowedRoles {
			if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
				roles = append(roles, r)
			}
		}
		b.AllowedRoles = roles
		d.bindings[b.ChatUserID] = b
	}
	return d, nil
}

// Size is the number of allowed chat ids.
func (d *Directory) Size() int { return len(d.allowed) }

// Resolve authenticates chatUserID and looks up its role in the tenant.
func (d *Directory) Resolve(ctx context.Context, tenants store.TenantRepo, tenantID, chatUserID string) (Actor, error) {
	if !d.allowed[chatUserID] {
		return Actor{}, &AuthError{Reason: "chat_user_not_allowed"}
	}
	b, ok := d.bindings[chatUserID]
	if !ok {
		return Actor{}, &AuthError{Reason: "missing_user_binding"}
	}
	role, err := tenants.MemberRole(ctx, tenantID, b.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return Actor{}, &AuthError{Reason: "tenant_membership_not_found"}
	}
	if err != nil {
		return Actor{}, fmt.Errorf("resolve role: %w", err)
	}
	role = strings.ToLower(role)
	if len(b.AllowedRoles) > 0 && !contains(b.AllowedRoles, role) {
		return Actor{}, &AuthError{Reason: "role_not_allowed_for_binding"}
	}
	return Actor{ChatUserID: chatUserID, UserID: b.UserID, Role: role}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
