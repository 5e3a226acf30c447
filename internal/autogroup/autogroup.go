// Package autogroup implements the scheduled re-grouping pipeline: move
// users still sitting in the "default" group into a configured target
// group, either uniformly (simple mode) or by inferred registration
// source (by_source mode). Every effectful move is reversible and
// produces an AutoGroupLog row.
package autogroup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/apperr"
	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/database"
	"github.com/new-api-tools/sidecar/internal/logger"
	"github.com/new-api-tools/sidecar/internal/models"
	"github.com/new-api-tools/sidecar/internal/store"
)

const configKey = "autogroup:config"

// Mode selects how the target group for a pending user is decided.
type Mode string

const (
	ModeSimple   Mode = "simple"
	ModeBySource Mode = "by_source"
)

// sourceOrder is the priority order in which external-ID columns are
// checked; the first non-empty one wins. "password" is the fallback.
var sourceOrder = []struct {
	field, name string
}{
	{"github", "github"}, {"wechat", "wechat"}, {"telegram", "telegram"},
	{"discord", "discord"}, {"oidc", "oidc"}, {"linux_do", "linux_do"},
}

// Config is the persisted AutoGroupPipeline configuration.
type Config struct {
	Enabled             bool              `json:"enabled"`
	Mode                Mode              `json:"mode"`
	TargetGroup         string            `json:"target_group"`
	SourceRules         map[string]string `json:"source_rules"`
	ScanIntervalMinutes int               `json:"scan_interval_minutes"`
	AutoScanEnabled     bool              `json:"auto_scan_enabled"`
	WhitelistIDs        []int             `json:"whitelist_ids"`
	LastScanTime        int64             `json:"last_scan_time"`
}

func defaultConfig() Config {
	return Config{
		Mode:                ModeSimple,
		SourceRules:         map[string]string{},
		ScanIntervalMinutes: 60,
	}
}

// Engine runs AutoGroupPipeline scans.
type Engine struct {
	gw    *gorm.DB
	local *gorm.DB
	cache *cachetier.Tier
}

func New(cache *cachetier.Tier) *Engine {
	return &Engine{gw: database.Gateway(), local: database.Local(), cache: cache}
}

// GetConfig reads the pipeline's config, defaulting any unset fields.
func (e *Engine) GetConfig(ctx context.Context) (Config, error) {
	var row store.ConfigEntry
	err := e.local.WithContext(ctx).First(&row, "key = ?", configKey).Error
	if err == gorm.ErrRecordNotFound {
		return defaultConfig(), nil
	}
	if err != nil {
		return Config{}, apperr.Permanent(apperr.QueryFailed, "autogroup config read failed", err)
	}
	cfg := defaultConfig()
	if err := json.Unmarshal([]byte(row.Value), &cfg); err != nil {
		return defaultConfig(), nil
	}
	return cfg, nil
}

// SaveConfig persists the pipeline's config.
func (e *Engine) SaveConfig(ctx context.Context, cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return apperr.Permanent(apperr.InvalidParams, "autogroup config encode failed", err)
	}
	entry := store.ConfigEntry{Key: configKey, Value: string(data), UpdatedAt: time.Now()}
	if err := e.local.WithContext(ctx).Save(&entry).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "autogroup config write failed", err)
	}
	return nil
}

func detectSource(u models.User) string {
	fields := map[string]string{
		"github": u.GitHubID, "wechat": u.WeChatID, "telegram": u.TelegramID,
		"discord": u.DiscordID, "oidc": u.OIDCID, "linux_do": u.LinuxDoID,
	}
	for _, s := range sourceOrder {
		if fields[s.field] != "" {
			return s.name
		}
	}
	return "password"
}

func targetGroupFor(cfg Config, source string) string {
	if cfg.Mode == ModeBySource {
		return cfg.SourceRules[source]
	}
	return cfg.TargetGroup
}

// PendingUsers returns active, non-whitelisted users still in the
// default group, page by page.
func (e *Engine) PendingUsers(ctx context.Context, cfg Config, page, pageSize int) ([]models.User, int64, error) {
	groupCol := database.QuoteGroup()
	q := e.gw.WithContext(ctx).Model(&models.User{}).
		Where(fmt.Sprintf("(COALESCE(%s, 'default') = 'default' OR %s = '')", groupCol, groupCol)).
		Where("deleted_at IS NULL AND status = ?", models.UserStatusEnabled)
	if len(cfg.WhitelistIDs) > 0 {
		q = q.Where("id NOT IN ?", cfg.WhitelistIDs)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, apperr.Permanent(apperr.QueryFailed, "pending users count failed", err)
	}

	var users []models.User
	offset := (page - 1) * pageSize
	if err := q.Order("id DESC").Limit(pageSize).Offset(offset).Find(&users).Error; err != nil {
		return nil, 0, apperr.Permanent(apperr.QueryFailed, "pending users query failed", err)
	}
	return users, total, nil
}

// ScanResult summarizes one runScan invocation.
type ScanResult struct {
	DryRun         bool           `json:"dry_run"`
	Total          int            `json:"total"`
	Assigned       int            `json:"assigned"`
	Skipped        int            `json:"skipped"`
	Errors         int            `json:"errors"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	Results        []MoveOutcome  `json:"results"`
}

// MoveOutcome is one user's outcome within a scan or batch move.
type MoveOutcome struct {
	UserID      int    `json:"user_id"`
	Username    string `json:"username"`
	Source      string `json:"source"`
	TargetGroup string `json:"target_group,omitempty"`
	Action      string `json:"action"` // assigned|would_assign|skipped|error
	Message     string `json:"message"`
}

// RunScan finds every pending user and either reports what would happen
// (dry_run) or performs the move, batching the simple-mode UPDATE into
// one statement instead of one UPDATE per user.
func (e *Engine) RunScan(ctx context.Context, dryRun bool) (ScanResult, error) {
	cfg, err := e.GetConfig(ctx)
	if err != nil {
		return ScanResult{}, err
	}
	if cfg.Mode == ModeSimple && cfg.TargetGroup == "" {
		return ScanResult{}, apperr.Permanent(apperr.InvalidParams, "no target group configured", nil)
	}

	start := time.Now()
	users, _, err := e.PendingUsers(ctx, cfg, 1, 5000)
	if err != nil {
		return ScanResult{}, err
	}

	result := ScanResult{DryRun: dryRun, Total: len(users)}
	if len(users) == 0 {
		result.ElapsedSeconds = time.Since(start).Seconds()
		return result, nil
	}

	if cfg.Mode == ModeSimple && !dryRun {
		result.Results, result.Assigned, err = e.batchAssignSimple(ctx, cfg, users)
		if err != nil {
			return ScanResult{}, err
		}
	} else {
		for _, u := range users {
			source := detectSource(u)
			target := targetGroupFor(cfg, source)
			if target == "" {
				result.Skipped++
				result.Results = append(result.Results, MoveOutcome{
					UserID: u.ID, Username: u.Username, Source: source,
					Action: "skipped", Message: fmt.Sprintf("no target group configured for source %q", source),
				})
				continue
			}
			if dryRun {
				result.Assigned++
				result.Results = append(result.Results, MoveOutcome{
					UserID: u.ID, Username: u.Username, Source: source, TargetGroup: target,
					Action: "would_assign", Message: "dry run",
				})
				continue
			}
			if err := e.assignUser(ctx, u, target, source, "system"); err != nil {
				result.Errors++
				result.Results = append(result.Results, MoveOutcome{
					UserID: u.ID, Username: u.Username, Source: source, Action: "error", Message: err.Error(),
				})
				continue
			}
			result.Assigned++
			result.Results = append(result.Results, MoveOutcome{
				UserID: u.ID, Username: u.Username, Source: source, TargetGroup: target, Action: "assigned",
			})
		}
	}

	result.ElapsedSeconds = time.Since(start).Seconds()
	cfg.LastScanTime = time.Now().Unix()
	if err := e.SaveConfig(ctx, cfg); err != nil {
		logger.Warn("autogroup: failed to persist last scan time", zap.Error(err))
	}
	_, _ = e.cache.ClearPrefix(ctx, "dashboard:")
	return result, nil
}

func (e *Engine) batchAssignSimple(ctx context.Context, cfg Config, users []models.User) ([]MoveOutcome, int, error) {
	ids := make([]int, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	// gorm quotes the "group" identifier itself per dialect; no manual
	// QuoteGroup() needed outside raw-SQL WHERE clauses.
	res := e.gw.WithContext(ctx).Model(&models.User{}).
		Where("id IN ?", ids).
		Update("group", cfg.TargetGroup)
	if res.Error != nil {
		outcomes := make([]MoveOutcome, len(users))
		for i, u := range users {
			outcomes[i] = MoveOutcome{UserID: u.ID, Username: u.Username, Action: "error", Message: res.Error.Error()}
		}
		return outcomes, 0, nil
	}

	outcomes := make([]MoveOutcome, 0, len(users))
	for _, u := range users {
		source := detectSource(u)
		oldGroup := u.Group
		if oldGroup == "" {
			oldGroup = "default"
		}
		e.logMove(ctx, u.ID, u.Username, oldGroup, cfg.TargetGroup, store.AutoGroupActionAssign, source, "system")
		outcomes = append(outcomes, MoveOutcome{
			UserID: u.ID, Username: u.Username, Source: source, TargetGroup: cfg.TargetGroup, Action: "assigned",
		})
	}
	return outcomes, int(res.RowsAffected), nil
}

func (e *Engine) assignUser(ctx context.Context, u models.User, target, source, operator string) error {
	oldGroup := u.Group
	if oldGroup == "" {
		oldGroup = "default"
	}
	if err := e.gw.WithContext(ctx).Model(&models.User{}).Where("id = ?", u.ID).
		Update("group", target).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "group update failed", err)
	}
	e.logMove(ctx, u.ID, u.Username, oldGroup, target, store.AutoGroupActionAssign, source, operator)
	return nil
}

// BatchMove moves an explicit list of users to target, bypassing the
// pending-users filter (admin-initiated).
func (e *Engine) BatchMove(ctx context.Context, userIDs []int, target string) ([]MoveOutcome, error) {
	if len(userIDs) == 0 || target == "" {
		return nil, apperr.Permanent(apperr.InvalidParams, "user_ids and target_group are required", nil)
	}
	var users []models.User
	if err := e.gw.WithContext(ctx).Where("id IN ? AND deleted_at IS NULL", userIDs).Find(&users).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "batch move lookup failed", err)
	}
	outcomes := make([]MoveOutcome, 0, len(users))
	for _, u := range users {
		source := detectSource(u)
		if err := e.assignUser(ctx, u, target, source, "admin"); err != nil {
			outcomes = append(outcomes, MoveOutcome{UserID: u.ID, Username: u.Username, Action: "error", Message: err.Error()})
			continue
		}
		outcomes = append(outcomes, MoveOutcome{UserID: u.ID, Username: u.Username, Source: source, TargetGroup: target, Action: "assigned"})
	}
	_, _ = e.cache.ClearPrefix(ctx, "dashboard:")
	return outcomes, nil
}

// Revert undoes a prior move, refusing if the user's current group no
// longer matches what the move recorded (someone else has since changed it).
func (e *Engine) Revert(ctx context.Context, logID int) error {
	var entry store.AutoGroupLog
	if err := e.local.WithContext(ctx).First(&entry, "id = ?", logID).Error; err != nil {
		return apperr.Permanent(apperr.NotFound, "auto group log not found", err)
	}
	if entry.Action == store.AutoGroupActionRevert {
		return apperr.Permanent(apperr.InvalidParams, "log entry is itself a revert", nil)
	}

	var u models.User
	if err := e.gw.WithContext(ctx).First(&u, "id = ?", entry.UserID).Error; err != nil {
		return apperr.Permanent(apperr.NotFound, "user not found", err)
	}
	if u.Group != entry.NewGroup {
		return apperr.Permanent(apperr.InvalidParams, "user's current group no longer matches the recorded post-state", nil)
	}

	if err := e.gw.WithContext(ctx).Model(&models.User{}).Where("id = ?", u.ID).
		Update("group", entry.OldGroup).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "revert update failed", err)
	}
	e.logMove(ctx, u.ID, u.Username, entry.NewGroup, entry.OldGroup, store.AutoGroupActionRevert, entry.Source, "admin")
	_, _ = e.cache.ClearPrefix(ctx, "dashboard:")
	return nil
}

func (e *Engine) logMove(ctx context.Context, userID int, username, oldGroup, newGroup, action, source, operator string) {
	row := store.AutoGroupLog{
		UserID: userID, Username: username, OldGroup: oldGroup, NewGroup: newGroup,
		Action: action, Source: source, Operator: operator, CreatedAt: time.Now().Unix(),
	}
	if err := e.local.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Warn("autogroup: failed to write audit log", zap.Int("user_id", userID), zap.Error(err))
	}
}

// Logs returns a page of AutoGroupLog rows, optionally filtered by
// action and/or user.
func (e *Engine) Logs(ctx context.Context, page, pageSize int, action string, userID *int) ([]store.AutoGroupLog, int64, error) {
	q := e.local.WithContext(ctx).Model(&store.AutoGroupLog{})
	if action != "" {
		q = q.Where("action = ?", action)
	}
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, apperr.Permanent(apperr.QueryFailed, "auto group logs count failed", err)
	}

	var rows []store.AutoGroupLog
	offset := (page - 1) * pageSize
	if err := q.Order("id DESC").Limit(pageSize).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, apperr.Permanent(apperr.QueryFailed, "auto group logs query failed", err)
	}
	return rows, total, nil
}
