// Package store holds the core-owned persistent tables: config,
// security_audit, ai_audit_logs, auto_group_logs, aiban_whitelist. Table
// names are contractual (SPEC_FULL.md §6.5) — external tools introspect
// them, so they are not renamed even though this is a rewrite.
package store

import "time"

// ConfigEntry is a mutable, user-editable configuration row (AI settings,
// auto-group rules, selected models, theme, ...).
type ConfigEntry struct {
	Key         string    `gorm:"column:key;primaryKey"`
	Value       string    `gorm:"column:value"`
	Description string    `gorm:"column:description"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ConfigEntry) TableName() string { return "config" }

// SecurityAudit is the append-only record of every Writer mutation.
type SecurityAudit struct {
	ID        int       `gorm:"column:id;primaryKey;autoIncrement"`
	Action    string    `gorm:"column:action"`
	UserID    int       `gorm:"column:user_id;index"`
	Username  string    `gorm:"column:username"`
	Operator  string    `gorm:"column:operator"`
	Reason    string    `gorm:"column:reason"`
	Context   string    `gorm:"column:context"` // JSON blob
	CreatedAt int64     `gorm:"column:created_at"`
}

func (SecurityAudit) TableName() string { return "security_audit" }

const (
	AuditActionBan     = "ban"
	AuditActionUnban   = "unban"
	AuditActionAIWarn  = "ai_warn"
	AuditActionMove    = "move_group"
)

// AIAuditLog summarizes one AutoBanPipeline scan.
type AIAuditLog struct {
	ID             int     `gorm:"column:id;primaryKey;autoIncrement"`
	ScanID         string  `gorm:"column:scan_id;index"`
	Status         string  `gorm:"column:status"` // success|partial|failed|empty
	Window         string  `gorm:"column:window"`
	Candidates     int     `gorm:"column:candidates"`
	Banned         int     `gorm:"column:banned"`
	Warned         int     `gorm:"column:warned"`
	Skipped        int     `gorm:"column:skipped"`
	Errors         int     `gorm:"column:errors"`
	DryRun         bool    `gorm:"column:dry_run"`
	ElapsedSeconds float64 `gorm:"column:elapsed_seconds"`
	Details        string  `gorm:"column:details"` // JSON blob, per-user detail
	CreatedAt      int64   `gorm:"column:created_at"`
}

func (AIAuditLog) TableName() string { return "ai_audit_logs" }

// AutoGroupLog records one AutoGroupPipeline move or revert.
type AutoGroupLog struct {
	ID        int    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int    `gorm:"column:user_id;index"`
	Username  string `gorm:"column:username"`
	OldGroup  string `gorm:"column:old_group"`
	NewGroup  string `gorm:"column:new_group"`
	Action    string `gorm:"column:action"` // assign|revert
	Source    string `gorm:"column:source"`
	Operator  string `gorm:"column:operator"`
	CreatedAt int64  `gorm:"column:created_at"`
}

func (AutoGroupLog) TableName() string { return "auto_group_logs" }

const (
	AutoGroupActionAssign = "assign"
	AutoGroupActionRevert = "revert"
)

// AIBanWhitelist is the closed set of users exempt from auto-ban
// consideration (invariant 3: id 1 and every role ≥ 10 admin).
type AIBanWhitelist struct {
	ID        int        `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int        `gorm:"column:user_id;uniqueIndex"`
	Reason    string     `gorm:"column:reason"`
	AddedBy   string     `gorm:"column:added_by"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (AIBanWhitelist) TableName() string { return "aiban_whitelist" }

func (w *AIBanWhitelist) IsExpired() bool {
	return w.ExpiresAt != nil && w.ExpiresAt.Before(time.Now())
}

// GenericCache and SlotCache describe CacheTier's two namespaces in the
// local SQL store (§6.5). CacheTier manages slot_cache directly via raw
// SQL (see internal/cachetier) rather than through GORM's ORM path; its
// generic namespace lives in a table named cache, and generic_cache is
// not read or written by it. These struct shapes exist mainly for
// documentation/migration purposes.
type GenericCache struct {
	Key          string `gorm:"column:key;primaryKey"`
	Data         []byte `gorm:"column:data"`
	SnapshotTime int64  `gorm:"column:snapshot_time"`
	ExpiresAt    int64  `gorm:"column:expires_at"`
}

func (GenericCache) TableName() string { return "generic_cache" }

type SlotCache struct {
	Metric    string `gorm:"column:metric;primaryKey"`
	Window    string `gorm:"column:window;primaryKey"`
	SlotStart int64  `gorm:"column:slot_start;primaryKey"`
	SlotEnd   int64  `gorm:"column:slot_end"`
	Data      []byte `gorm:"column:data"`
	CreatedAt int64  `gorm:"column:created_at"`
	ExpiresAt int64  `gorm:"column:expires_at"`
}

func (SlotCache) TableName() string { return "slot_cache" }
