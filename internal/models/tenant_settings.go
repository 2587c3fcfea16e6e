package models

import "time"

// TenantSettings is the persisted per-tenant override layer. Keys mirror the setting names
// resolved by the settings package; values are stored as strings.
type TenantSettings struct {
	TenantID  string            `json:"tenant_id"`
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at"`
}
