// Package control is the chat-style operator surface. It authorizes an actor against a static
// command matrix, forwards the command to the queue, scheduler and flag operations, and records
// exactly one AdminAction per invocation.
package control

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"outreach-orchestrator/internal/models"
)

// ErrForbidden means the actor's role ranks below the command's minimum.
var ErrForbidden = errors.New("insufficient_role")

// Spec describes one command variant. The permission matrix is exactly this table.
type Spec struct {
	Name     string
	MinRole  string
	Mutating bool
	Usage    string
}

var specs = map[string]Spec{}

func init() {
	for _, s := range []Spec{
		{Name: "help", MinRole: models.RoleMember, Usage: "/help"},
		{Name: "status", MinRole: models.RoleMember, Usage: "/status"},
		{Name: "metrics", MinRole: models.RoleMember, Usage: "/metrics"},
		{Name: "queue", MinRole: models.RoleMember, Usage: "/queue"},
		{Name: "preview", MinRole: models.RoleMember, Usage: "/preview <queue_id>"},
		{Name: "logs", MinRole: models.RoleMember, Usage: "/logs"},
		{Name: "limits", MinRole: models.RoleMember, Usage: "/limits"},
		{Name: "report", MinRole: models.RoleMember, Usage: "/report"},
		{Name: "approve", MinRole: models.RoleAdmin, Mutating: true, Usage: "/approve [queue_id]"},
		{Name: "reject", MinRole: models.RoleAdmin, Mutating: true, Usage: "/reject <queue_id>"},
		{Name: "pause", MinRole: models.RoleAdmin, Mutating: true, Usage: "/pause [global]"},
		{Name: "resume", MinRole: models.RoleAdmin, Mutating: true, Usage: "/resume [global]"},
		{Name: "run", MinRole: models.RoleAdmin, Mutating: true, Usage: "/run [pipeline] [dry_run]"},
		{Name: "set", MinRole: models.RoleAdmin, Mutating: true, Usage: "/set <key> <value> [ttl]; /set search_query <words...> [ttl=<d>]"},
		{Name: "killswitch", MinRole: models.RoleOwner, Mutating: true, Usage: "/killswitch on|off"},
	} {
		specs[s.Name] = s
	}
}

// Lookup returns the spec registered under name.
func Lookup(name string) (Spec, bool) {
	s, ok := specs[name]
	return s, ok
}

// Specs lists every command, sorted by name.
func Specs() []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Authorize is the single permission check for every command.
func Authorize(role string, s Spec) error {
	if models.RoleRank(role) == 0 || models.RoleRank(role) < models.RoleRank(s.MinRole) {
		return ErrForbidden
	}
	return nil
}

// Command is a parsed chat command.
type Command struct {
	Name string
	Args []string
	Raw  string
}

// ParseCommand reads "/name[@bot] args...". Plain text is not a command.
// "/pause global" and "/resume global" are the kill switch spelled the old way.
func ParseCommand(text string) (Command, bool) {
	raw := strings.TrimSpace(text)
	if !strings.HasPrefix(raw, "/") {
		return Command{}, false
	}
	fields := strings.Fields(raw)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return Command{}, false
	}
	cmd := Command{Name: name, Args: fields[1:], Raw: raw}
	if (name == "pause" || name == "resume") && len(cmd.Args) > 0 && strings.EqualFold(cmd.Args[0], "global") {
		cmd.Name = "killswitch"
		if name == "pause" {
			cmd.Args = []string{"on"}
		} else {
			cmd.Args = []string{"off"}
		}
	}
	return cmd, true
}

// IdempotencyKey derives the key for a chat delivery. Redelivery of the same update yields the same key.
func IdempotencyKey(updateID, text string) string {
	sum := sha1.Sum([]byte(updateID + ":" + strings.TrimSpace(text)))
	return "cmd-" + hex.EncodeToString(sum[:])
}
