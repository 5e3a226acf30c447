// Package autoban implements the AutoBanPipeline: pull the requests
// leaderboard, run each candidate through RiskEngine.Analyze, skip the
// ones that don't clear the suspicion bar, ask an OpenAI-compatible LLM
// to assess the remainder, and execute its verdict (ban/warn/monitor/
// skip) through Writer. A circuit breaker suspends the LLM client after
// repeated failures instead of hammering a dead endpoint.
package autoban

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/apperr"
	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/database"
	"github.com/new-api-tools/sidecar/internal/logger"
	"github.com/new-api-tools/sidecar/internal/logstore"
	"github.com/new-api-tools/sidecar/internal/models"
	"github.com/new-api-tools/sidecar/internal/risk"
	"github.com/new-api-tools/sidecar/internal/store"
	"github.com/new-api-tools/sidecar/internal/writer"
	"go.uber.org/zap"
)

const (
	assessmentCooldown = 24 * time.Hour
	minRequests         = 50
	excludedRatioLimit  = 0.8
	candidateLimit      = 50
	configKey           = "autoban:config"
)

// Config is the persisted AutoBanPipeline configuration.
type Config struct {
	Enabled             bool     `json:"enabled"`
	DryRun              bool     `json:"dry_run"`
	AutoBanEnabled      bool     `json:"auto_ban_enabled"`
	BaseURL             string   `json:"base_url"`
	APIKey              string   `json:"api_key"`
	Model               string   `json:"model"`
	CustomPrompt        string   `json:"custom_prompt"`
	ScanIntervalMinutes int      `json:"scan_interval_minutes"`
	WhitelistIPs        []string `json:"whitelist_ips"`
	BlacklistIPs        []string `json:"blacklist_ips"`
	ExcludedModels      []string `json:"excluded_models"`
	ExcludedGroups      []string `json:"excluded_groups"`
	WhitelistIDs        []int    `json:"whitelist_ids"`
}

func defaultConfig() Config {
	return Config{
		DryRun:              true,
		Model:               "gpt-4o-mini",
		ScanIntervalMinutes: 30,
	}
}

// GetConfig reads the pipeline's config, defaulting any unset fields.
func (e *Engine) GetConfig(ctx context.Context) (Config, error) {
	var row store.ConfigEntry
	err := e.local.WithContext(ctx).First(&row, "key = ?", configKey).Error
	if err == gorm.ErrRecordNotFound {
		return defaultConfig(), nil
	}
	if err != nil {
		return Config{}, apperr.Permanent(apperr.QueryFailed, "autoban config read failed", err)
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
		return apperr.Permanent(apperr.InvalidParams, "autoban config encode failed", err)
	}
	entry := store.ConfigEntry{Key: configKey, Value: string(data), UpdatedAt: time.Now()}
	if err := e.local.WithContext(ctx).Save(&entry).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "autoban config write failed", err)
	}
	return nil
}

// Engine runs AutoBanPipeline scans.
type Engine struct {
	gw, local *gorm.DB
	cache     *cachetier.Tier
	store     *logstore.Store
	risk      *risk.Engine
	writer    *writer.Writer
	client    *llmClient
	breaker   *breaker
}

func New(cache *cachetier.Tier, lstore *logstore.Store, riskEngine *risk.Engine, w *writer.Writer) *Engine {
	return &Engine{
		gw: database.Gateway(), local: database.Local(),
		cache: cache, store: lstore, risk: riskEngine, writer: w,
		breaker: newBreaker(),
	}
}

// EnsureWhitelistBootstrap seeds the closed whitelist set (invariant 3):
// user id 1 and every user whose role >= RoleAdmin. Idempotent — safe to
// call on every startup and before every scan.
func (e *Engine) EnsureWhitelistBootstrap(ctx context.Context) error {
	var admins []models.User
	if err := e.gw.WithContext(ctx).Where("role >= ? OR id = 1", models.RoleAdmin).Find(&admins).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "load admin users failed", err)
	}
	for _, u := range admins {
		entry := store.AIBanWhitelist{UserID: u.ID, Reason: "admin/root bootstrap", AddedBy: "system"}
		if err := e.local.WithContext(ctx).Where("user_id = ?", u.ID).
			Attrs(entry).FirstOrCreate(&store.AIBanWhitelist{}).Error; err != nil {
			logger.Warn("autoban: whitelist bootstrap failed", zap.Int("user_id", u.ID), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) isWhitelisted(ctx context.Context, userID int, role int, cfg Config) bool {
	if userID == 1 || role >= models.RoleAdmin {
		return true
	}
	for _, id := range cfg.WhitelistIDs {
		if id == userID {
			return true
		}
	}
	var count int64
	e.local.WithContext(ctx).Model(&store.AIBanWhitelist{}).Where("user_id = ?", userID).Count(&count)
	return count > 0
}

func (e *Engine) onCooldown(ctx context.Context, userID int) bool {
	blob, err := e.cache.Get(ctx, cooldownKey(userID))
	return err == nil && blob != nil
}

func (e *Engine) setCooldown(ctx context.Context, userID int) {
	_ = e.cache.Set(ctx, cooldownKey(userID), []byte("1"), assessmentCooldown)
}

func cooldownKey(userID int) string {
	return "autoban:cooldown:" + itoa(userID)
}

// UserOutcome is one candidate's processing result, recorded in the
// scan's AIAuditLog.Details blob.
type UserOutcome struct {
	UserID    int     `json:"user_id"`
	Username  string  `json:"username"`
	Action    string  `json:"action"` // ban|warn|monitor|skip|error
	Executed  bool    `json:"executed"`
	Message   string  `json:"message"`
	RiskScore int     `json:"risk_score,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ScanResult is the outcome of one run.
type ScanResult struct {
	Status    string        `json:"status"` // success|partial|failed|empty|disabled|suspended
	ScanID    string        `json:"scan_id"`
	DryRun    bool          `json:"dry_run"`
	Window    string        `json:"window"`
	Candidates int          `json:"candidates"`
	Banned    int           `json:"banned"`
	Warned    int           `json:"warned"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Elapsed   time.Duration `json:"elapsed"`
	Results   []UserOutcome `json:"results"`
	Message   string        `json:"message,omitempty"`
}

// Scan runs one AutoBanPipeline pass over the `window` requests
// leaderboard (limit candidateLimit). The scheduler is responsible for
// taking the per-scan-kind lock (spec §5) before calling this.
func (e *Engine) Scan(ctx context.Context, cfg Config, window string, scanID string) (ScanResult, error) {
	start := time.Now()

	if !cfg.Enabled {
		return ScanResult{Status: "disabled", Message: "autoban pipeline disabled"}, nil
	}
	if suspended, remaining := e.breaker.suspended(); suspended {
		return ScanResult{Status: "suspended", Message: "LLM circuit breaker open, remaining " + remaining.String()}, nil
	}

	boards, err := e.risk.Leaderboards(ctx, []string{window}, candidateLimit, "requests")
	if err != nil {
		return ScanResult{}, err
	}
	candidates := boards[window]

	result := ScanResult{ScanID: scanID, DryRun: cfg.DryRun, Window: window}
	var outcomes []UserOutcome

	for _, c := range candidates {
		userID := parseIntOrZero(c.Key)
		if userID == 0 {
			continue
		}
		outcome, processed := e.processCandidate(ctx, cfg, userID, c.Label, window)
		if !processed {
			continue
		}
		outcomes = append(outcomes, outcome)
	}

	result.Candidates = len(outcomes)
	for _, o := range outcomes {
		switch o.Action {
		case "ban":
			if o.Executed {
				result.Banned++
			}
		case "warn":
			result.Warned++
		case "skip", "monitor":
			result.Skipped++
		case "error":
			result.Errors++
		}
	}
	result.Results = outcomes
	result.Elapsed = time.Since(start)

	switch {
	case result.Errors > 0 && result.Errors == len(outcomes):
		result.Status = "failed"
	case result.Errors > 0:
		result.Status = "partial"
	case len(outcomes) == 0:
		result.Status = "empty"
	default:
		result.Status = "success"
	}

	if len(outcomes) > 0 {
		e.writeAuditLog(ctx, result)
	}
	return result, nil
}

// processCandidate returns (outcome, true) if the candidate was actually
// processed (i.e. passed every pre-filter and reached the LLM stage);
// returns (_, false) for candidates filtered out before that point,
// including those whose user lookup or analysis failed —
// those never appear in the audit details, matching the original's
// "suspicious users" pre-filter.
func (e *Engine) processCandidate(ctx context.Context, cfg Config, userID int, username, window string) (UserOutcome, bool) {
	if e.onCooldown(ctx, userID) {
		return UserOutcome{}, false
	}

	var user models.User
	if err := e.gw.WithContext(ctx).First(&user, userID).Error; err != nil {
		return UserOutcome{}, false
	}

	analysis, err := e.risk.Analyze(ctx, userID, windowSeconds(window), time.Now().Unix())
	if err != nil {
		return UserOutcome{}, false
	}
	if analysis.TotalRequests < minRequests {
		return UserOutcome{}, false
	}
	if excludedByModelOrGroup(cfg, analysis, user) {
		return UserOutcome{}, false
	}
	if len(analysis.RiskFlags) == 0 {
		return UserOutcome{}, false
	}
	if e.isWhitelisted(ctx, userID, user.Role, cfg) {
		return UserOutcome{}, false
	}

	username = firstNonEmpty(username, user.Username)
	outcome := UserOutcome{UserID: userID, Username: username}

	prompt := buildPrompt(cfg, user, analysis)
	verdict, err := e.assess(ctx, cfg, prompt)
	e.setCooldown(ctx, userID)

	if err != nil {
		outcome.Action = "error"
		outcome.Message = err.Error()
		return outcome, true
	}

	outcome.Action = string(verdict.Action)
	outcome.RiskScore = verdict.RiskScore
	outcome.Confidence = verdict.Confidence

	switch verdict.Action {
	case ActionBan:
		outcome.Message = "ai verdict: ban — " + verdict.Reason
		if !cfg.DryRun {
			if execErr := e.ban(ctx, userID, username, verdict); execErr != nil {
				outcome.Action = "error"
				outcome.Message = execErr.Error()
			} else {
				outcome.Executed = true
			}
		} else {
			outcome.Message = "[dry-run] would ban — " + verdict.Reason
			e.auditIntentOnly(ctx, userID, username, verdict)
		}
	case ActionWarn:
		outcome.Message = "risk warning: " + verdict.Reason
		e.warn(ctx, userID, username, verdict)
	case ActionMonitor:
		outcome.Message = "continue monitoring: " + verdict.Reason
	default:
		outcome.Message = "skip: " + verdict.Reason
	}

	return outcome, true
}

func (e *Engine) ban(ctx context.Context, userID int, username string, v Verdict) error {
	extra := map[string]any{
		"source": "ai_auto_ban", "risk_score": v.RiskScore, "confidence": v.Confidence, "ai_reason": v.Reason,
	}
	if err := e.writer.BanUser(ctx, userID, "[AI自动封禁] "+v.Reason, true, "AI自动封禁", extra); err != nil {
		return apperr.Permanent(apperr.ExecutorRefused, "ban execution failed", err)
	}
	return nil
}

func (e *Engine) warn(ctx context.Context, userID int, username string, v Verdict) {
	e.audit(ctx, store.AuditActionAIWarn, userID, username, "AI自动封禁", v.Reason, map[string]any{
		"source": "ai_auto_ban", "risk_score": v.RiskScore, "confidence": v.Confidence,
	})
}

func (e *Engine) auditIntentOnly(ctx context.Context, userID int, username string, v Verdict) {
	e.audit(ctx, store.AuditActionBan, userID, username, "AI自动封禁[dry-run]", v.Reason, map[string]any{
		"source": "ai_auto_ban", "dry_run": true, "risk_score": v.RiskScore, "confidence": v.Confidence,
	})
}

func (e *Engine) audit(ctx context.Context, action string, userID int, username, operator, reason string, extra map[string]any) {
	blob, _ := marshalContext(extra)
	row := store.SecurityAudit{
		Action: action, UserID: userID, Username: username, Operator: operator,
		Reason: reason, Context: blob, CreatedAt: time.Now().Unix(),
	}
	_ = e.local.WithContext(ctx).Create(&row).Error
}

func (e *Engine) writeAuditLog(ctx context.Context, r ScanResult) {
	details, _ := marshalDetails(r.Results)
	row := store.AIAuditLog{
		ScanID: r.ScanID, Status: r.Status, Window: r.Window,
		Candidates: r.Candidates, Banned: r.Banned, Warned: r.Warned,
		Skipped: r.Skipped, Errors: r.Errors, DryRun: r.DryRun,
		ElapsedSeconds: r.Elapsed.Seconds(), Details: details,
		CreatedAt: time.Now().Unix(),
	}
	if err := e.local.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Error("autoban: failed to write scan audit log", zap.Error(err))
	}
}

func windowSeconds(window string) int64 {
	switch window {
	case "1h":
		return 3600
	case "6h":
		return 6 * 3600
	case "24h":
		return 24 * 3600
	case "3d":
		return 3 * 24 * 3600
	case "7d":
		return 7 * 24 * 3600
	default:
		return 3600
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func parseIntOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
