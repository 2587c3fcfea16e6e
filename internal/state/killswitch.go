// Package state holds process-wide control flags shared by every worker through Redis.
package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach-orchestrator/internal/telemetry"
)

const killSwitchKey = "flags:kill_switch"

// KillSwitch is the versioned global publishing halt flag.
type KillSwitch struct {
	Enabled   bool      `json:"enabled"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Flags reads and writes control flags. Nothing is cached: every check hits Redis so all
// workers observe a change on their next precondition check.
type Flags struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewFlags(client redis.Cmdable) *Flags {
	return &Flags{client: client, now: time.Now}
}

// KillSwitch returns the current flag. A missing key means disengaged at version 0.
func (f *Flags) KillSwitch(ctx context.Context) (KillSwitch, error) {
	vals, err := f.client.HGetAll(ctx, killSwitchKey).Result()
	if err != nil {
		return KillSwitch{}, fmt.Errorf("read kill switch: %w", err)
	}
	ks := KillSwitch{
		Enabled:   vals["enabled"] == "1",
		UpdatedBy: vals["updated_by"],
	}
	if v, ok := vals["version"]; ok {
		ks.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["updated_at"]; ok {
		ks.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if ks.Enabled {
		telemetry.KillSwitchGauge.Set(1)
	} else {
		telemetry.KillSwitchGauge.Set(0)
	}
	return ks, nil
}

// Engaged is a convenience for precondition checks.
func (f *Flags) Engaged(ctx context.Context) (bool, error) {
	ks, err := f.KillSwitch(ctx)
	return ks.Enabled, err
}

// SetKillSwitch writes the flag and bumps its version atomically.
func (f *Flags) SetKillSwitch(ctx context.Context, enabled bool, actor string) (KillSwitch, error) {
	now := f.now().UTC()
	flag := "0"
	if enabled {
		flag = "1"
	}
	pipe := f.client.TxPipeline()
	version := pipe.HIncrBy(ctx, killSwitchKey, "version", 1)
	pipe.HSet(ctx, killSwitchKey, "enabled", flag, "updated_by", actor, "updated_at", now.Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return KillSwitch{}, fmt.Errorf("write kill switch: %w", err)
	}
	if enabled {
		telemetry.KillSwitchGauge.Set(1)
	} else {
		telemetry.KillSwitchGauge.Set(0)
	}
	return KillSwitch{Enabled: enabled, Version: version.Val(), UpdatedBy: actor, UpdatedAt: now}, nil
}
