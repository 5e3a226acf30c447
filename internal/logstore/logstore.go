// Package logstore is the only package that writes raw SQL against the
// gateway database. Every other engine gets typed rows back; none of
// them knows whether the gateway is MySQL or Postgres.
package logstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/new-api-tools/sidecar/internal/apperr"
	"github.com/new-api-tools/sidecar/internal/database"
)

// Store is the typed read-only query surface over the gateway DB.
type Store struct {
	db   *gorm.DB
	isPG bool
}

func New() *Store {
	return &Store{db: database.Gateway(), isPG: database.IsPostgres()}
}

// UsageStats is the aggregate returned by UsageStats.
type UsageStats struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalQuota       int64   `json:"total_quota"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	AvgUseTimeMS     float64 `json:"avg_use_time_ms"`
}

// CountActiveUsers counts distinct active, non-deleted users with a
// successful request in [start,end).
func (s *Store) CountActiveUsers(ctx context.Context, start, end int64) (int64, error) {
	var n int64
	q := `SELECT COUNT(DISTINCT l.user_id) FROM logs l
		JOIN users u ON u.id = l.user_id
		WHERE l.created_at >= ? AND l.created_at < ? AND l.type = 2
		AND u.deleted_at IS NULL AND u.status = 1`
	if err := s.scalar(ctx, q, &n, start, end); err != nil {
		return 0, err
	}
	return n, nil
}

// CountActiveTokens counts distinct active, non-deleted tokens with a
// successful request in [start,end).
func (s *Store) CountActiveTokens(ctx context.Context, start, end int64) (int64, error) {
	var n int64
	q := `SELECT COUNT(DISTINCT l.token_id) FROM logs l
		JOIN tokens t ON t.id = l.token_id
		WHERE l.created_at >= ? AND l.created_at < ? AND l.type = 2
		AND t.deleted_at IS NULL AND t.status = 1`
	if err := s.scalar(ctx, q, &n, start, end); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) scalar(ctx context.Context, query string, dest interface{}, args ...interface{}) error {
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error; err != nil {
		return apperr.Permanent(apperr.QueryFailed, "scalar query failed", err)
	}
	return nil
}

// UsageStats aggregates successful-request counters over [start,end).
func (s *Store) UsageStats(ctx context.Context, start, end int64) (UsageStats, error) {
	var row UsageStats
	q := `SELECT COUNT(*) as total_requests,
		COALESCE(SUM(quota),0) as total_quota,
		COALESCE(SUM(prompt_tokens),0) as prompt_tokens,
		COALESCE(SUM(completion_tokens),0) as completion_tokens,
		COALESCE(AVG(use_time),0) as avg_use_time_ms
		FROM logs WHERE created_at >= ? AND created_at < ? AND type = 2`
	if err := s.db.WithContext(ctx).Raw(q, start, end).Scan(&row).Error; err != nil {
		return UsageStats{}, apperr.Permanent(apperr.QueryFailed, "usage stats query failed", err)
	}
	return row, nil
}

// ModelUsageRow is one row of ModelUsage.
type ModelUsageRow struct {
	ModelName        string `json:"model_name"`
	RequestCount     int64  `json:"request_count"`
	QuotaUsed        int64  `json:"quota_used"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// ModelUsage groups successful requests by model, ordered by request
// count descending, ties broken by model name.
func (s *Store) ModelUsage(ctx context.Context, start, end int64, limit int) ([]ModelUsageRow, error) {
	q := `SELECT model_name,
		COUNT(*) as request_count,
		COALESCE(SUM(quota),0) as quota_used,
		COALESCE(SUM(prompt_tokens),0) as prompt_tokens,
		COALESCE(SUM(completion_tokens),0) as completion_tokens
		FROM logs WHERE created_at >= ? AND created_at < ? AND type = 2
		GROUP BY model_name
		ORDER BY request_count DESC, model_name ASC
		LIMIT ?`
	var out []ModelUsageRow
	if err := s.db.WithContext(ctx).Raw(q, start, end, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "model usage query failed", err)
	}
	return out, nil
}

// TopUserRow is one row of TopUsers.
type TopUserRow struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	RequestCount int64  `json:"request_count"`
	QuotaUsed    int64  `json:"quota_used"`
}

// TopUsers groups requests by user, ordered by quota used descending,
// ties broken by request count then user id.
func (s *Store) TopUsers(ctx context.Context, start, end int64, limit int) ([]TopUserRow, error) {
	castExpr := "CAST(l.user_id AS CHAR)"
	if s.isPG {
		castExpr = "CAST(l.user_id AS TEXT)"
	}
	q := fmt.Sprintf(`SELECT l.user_id,
		COALESCE(u.username, %s) as username,
		COUNT(*) as request_count,
		COALESCE(SUM(l.quota),0) as quota_used
		FROM logs l LEFT JOIN users u ON u.id = l.user_id
		WHERE l.created_at >= ? AND l.created_at < ? AND l.type IN (2,5)
		GROUP BY l.user_id, u.username
		ORDER BY quota_used DESC, request_count DESC, l.user_id ASC
		LIMIT ?`, castExpr)
	var out []TopUserRow
	if err := s.db.WithContext(ctx).Raw(q, start, end, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "top users query failed", err)
	}
	return out, nil
}

// UserLeaderboardRow is one user's aggregate counters for a leaderboard
// window; FailureCount lets the caller derive failure_rate without a
// dialect-fragile division inside the aggregate query itself.
type UserLeaderboardRow struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	RequestCount int64  `json:"request_count"`
	QuotaUsed    int64  `json:"quota_used"`
	FailureCount int64  `json:"failure_count"`
}

// UserLeaderboard aggregates per-user request/quota/failure counters over
// [start,end), returning up to `cap` rows ordered by request_count
// descending — callers needing a different sort_by (quota, failure_rate)
// re-sort this candidate set in-process, the same oversample-then-re-rank
// shape used by the incremental slot merge.
func (s *Store) UserLeaderboard(ctx context.Context, start, end int64, cap int) ([]UserLeaderboardRow, error) {
	castExpr := "CAST(l.user_id AS CHAR)"
	if s.isPG {
		castExpr = "CAST(l.user_id AS TEXT)"
	}
	q := fmt.Sprintf(`SELECT l.user_id,
		COALESCE(u.username, %s) as username,
		COUNT(*) as request_count,
		COALESCE(SUM(l.quota),0) as quota_used,
		SUM(CASE WHEN l.type = 5 THEN 1 ELSE 0 END) as failure_count
		FROM logs l LEFT JOIN users u ON u.id = l.user_id
		WHERE l.created_at >= ? AND l.created_at < ? AND l.type IN (2,5)
		GROUP BY l.user_id, u.username
		ORDER BY request_count DESC
		LIMIT ?`, castExpr)
	var out []UserLeaderboardRow
	if err := s.db.WithContext(ctx).Raw(q, start, end, cap).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "user leaderboard query failed", err)
	}
	return out, nil
}

// LogRow is one row of a per-user log scan, ordered by created_at ASC.
type LogRow struct {
	ID        int
	CreatedAt int64
	Type      int
	TokenID   int
	TokenName string
	ModelName string
	IP        string
	Quota     int64
}

// UserLogsInWindow returns every log row for user_id in [start,end),
// oldest first; RiskEngine needs the exact sequence to walk IP switches.
func (s *Store) UserLogsInWindow(ctx context.Context, userID int, start, end int64) ([]LogRow, error) {
	q := `SELECT id, created_at, type, token_id, token_name, model_name, ip, quota
		FROM logs WHERE user_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`
	var out []LogRow
	if err := s.db.WithContext(ctx).Raw(q, userID, start, end).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "user logs query failed", err)
	}
	return out, nil
}

// SharedIPCandidate is a single IP shared across minTokens+ distinct
// tokens — the HAVING-stage result, before the detail fetch.
type SharedIPCandidate struct {
	IP         string
	TokenCount int64
}

// SharedIPs returns IPs used by at least minTokens distinct tokens.
func (s *Store) SharedIPs(ctx context.Context, start, end int64, minTokens, limit int) ([]SharedIPCandidate, error) {
	q := `SELECT ip, COUNT(DISTINCT token_id) as token_count
		FROM logs WHERE created_at >= ? AND created_at < ? AND type IN (2,5)
		AND ip IS NOT NULL AND ip <> ''
		GROUP BY ip HAVING COUNT(DISTINCT token_id) >= ?
		ORDER BY token_count DESC LIMIT ?`
	var out []SharedIPCandidate
	if err := s.db.WithContext(ctx).Raw(q, start, end, minTokens, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "shared ips query failed", err)
	}
	return out, nil
}

// IPUsageDetail is the secondary detail-fetch row for a given IP.
type IPUsageDetail struct {
	IP        string
	TokenID   int
	UserID    int
	RequestCount int64
}

// IPUsageDetails fetches the per-(ip,token) breakdown for a set of IPs,
// in one batched query — never call per-candidate in a loop.
func (s *Store) IPUsageDetails(ctx context.Context, start, end int64, ips []string) ([]IPUsageDetail, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	q := `SELECT ip, token_id, user_id, COUNT(*) as request_count
		FROM logs WHERE created_at >= ? AND created_at < ? AND type IN (2,5) AND ip IN (?)
		GROUP BY ip, token_id, user_id`
	var out []IPUsageDetail
	if err := s.db.WithContext(ctx).Raw(q, start, end, ips).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "ip usage details query failed", err)
	}
	return out, nil
}

// TokenIPCandidate is a single token observed from at least minIPs
// distinct IPs.
type TokenIPCandidate struct {
	TokenID int
	UserID  int
	IPCount int64
}

// MultiIPTokens returns tokens used from at least minIPs distinct IPs.
func (s *Store) MultiIPTokens(ctx context.Context, start, end int64, minIPs, limit int) ([]TokenIPCandidate, error) {
	q := `SELECT token_id, user_id, COUNT(DISTINCT ip) as ip_count
		FROM logs WHERE created_at >= ? AND created_at < ? AND type IN (2,5)
		AND ip IS NOT NULL AND ip <> ''
		GROUP BY token_id, user_id HAVING COUNT(DISTINCT ip) >= ?
		ORDER BY ip_count DESC LIMIT ?`
	var out []TokenIPCandidate
	if err := s.db.WithContext(ctx).Raw(q, start, end, minIPs, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "multi ip tokens query failed", err)
	}
	return out, nil
}

// UserIPCandidate is a single user observed from at least minIPs
// distinct IPs.
type UserIPCandidate struct {
	UserID  int
	IPCount int64
}

// MultiIPUsers returns users observed from at least minIPs distinct IPs.
func (s *Store) MultiIPUsers(ctx context.Context, start, end int64, minIPs, limit int) ([]UserIPCandidate, error) {
	q := `SELECT user_id, COUNT(DISTINCT ip) as ip_count
		FROM logs WHERE created_at >= ? AND created_at < ? AND type IN (2,5)
		AND ip IS NOT NULL AND ip <> ''
		GROUP BY user_id HAVING COUNT(DISTINCT ip) >= ?
		ORDER BY ip_count DESC LIMIT ?`
	var out []UserIPCandidate
	if err := s.db.WithContext(ctx).Raw(q, start, end, minIPs, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "multi ip users query failed", err)
	}
	return out, nil
}

// ModelStatusBucket is one (model,slot) bucket of ModelStatusSlots.
type ModelStatusBucket struct {
	ModelName string
	Slot      int64
	Total     int64
	Success   int64
	Failure   int64
}

// ModelStatusSlots buckets logs for the given models into
// floor((created_at-windowStart)/slotSeconds) slots, counting success
// (type=2) vs failure (type=5) per bucket, in one batched aggregate.
func (s *Store) ModelStatusSlots(ctx context.Context, models []string, windowStart, now, slotSeconds int64) ([]ModelStatusBucket, error) {
	if len(models) == 0 || slotSeconds <= 0 {
		return nil, nil
	}
	q := `SELECT model_name,
		CAST((created_at - ?) / ? AS INTEGER) as slot,
		COUNT(*) as total,
		SUM(CASE WHEN type = 2 THEN 1 ELSE 0 END) as success,
		SUM(CASE WHEN type = 5 THEN 1 ELSE 0 END) as failure
		FROM logs
		WHERE model_name IN (?) AND created_at >= ? AND created_at < ? AND type IN (2,5)
		GROUP BY model_name, slot
		ORDER BY model_name ASC, slot ASC`
	var out []ModelStatusBucket
	if err := s.db.WithContext(ctx).Raw(q, windowStart, slotSeconds, models, windowStart, now).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "model status slots query failed", err)
	}
	return out, nil
}

// ChannelRow mirrors one dashboard channel-status entry.
type ChannelRow struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Type      int     `json:"type"`
	Status    int     `json:"status"`
	UsedQuota int64   `json:"used_quota"`
	Balance   float64 `json:"balance"`
	Priority  int     `json:"priority"`
}

// ChannelStatus returns all non-deleted channels ordered by priority.
func (s *Store) ChannelStatus(ctx context.Context) ([]ChannelRow, error) {
	q := `SELECT id, name, type, status, COALESCE(used_quota,0) as used_quota,
		COALESCE(balance,0) as balance, priority
		FROM channels ORDER BY priority DESC, id ASC`
	var out []ChannelRow
	if err := s.db.WithContext(ctx).Raw(q).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "channel status query failed", err)
	}
	return out, nil
}

// SystemOverview is the set of scalar counters for the overview page.
type SystemOverview struct {
	TotalUsers        int64 `json:"total_users"`
	ActiveUsers       int64 `json:"active_users"`
	TotalTokens       int64 `json:"total_tokens"`
	ActiveTokens      int64 `json:"active_tokens"`
	TotalChannels     int64 `json:"total_channels"`
	ActiveChannels    int64 `json:"active_channels"`
	TotalModels       int64 `json:"total_models"`
	TotalRedemptions  int64 `json:"total_redemptions"`
	UnusedRedemptions int64 `json:"unused_redemptions"`
}

// SystemOverview gathers the overview counters; individual sub-queries
// that fail are left at zero rather than failing the whole call, since
// none of them is load-bearing for the others.
func (s *Store) SystemOverview(ctx context.Context, activeSince int64) SystemOverview {
	var o SystemOverview
	_ = s.scalar(ctx, `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`, &o.TotalUsers)
	_ = s.scalar(ctx, `SELECT COUNT(DISTINCT user_id) FROM logs WHERE created_at >= ? AND type IN (2,5)`, &o.ActiveUsers, activeSince)
	_ = s.scalar(ctx, `SELECT COUNT(*) FROM tokens WHERE deleted_at IS NULL`, &o.TotalTokens)
	_ = s.scalar(ctx, `SELECT COUNT(*) FROM tokens WHERE deleted_at IS NULL AND status = 1`, &o.ActiveTokens)
	_ = s.scalar(ctx, `SELECT COUNT(*) FROM channels`, &o.TotalChannels)
	_ = s.scalar(ctx, `SELECT COUNT(*) FROM channels WHERE status = 1`, &o.ActiveChannels)
	_ = s.scalar(ctx, `SELECT COUNT(DISTINCT a.model) FROM abilities a JOIN channels c ON c.id = a.channel_id WHERE c.status = 1`, &o.TotalModels)
	_ = s.scalar(ctx, `SELECT COUNT(*) FROM redemptions WHERE deleted_at IS NULL`, &o.TotalRedemptions)
	_ = s.scalar(ctx, `SELECT COUNT(*) FROM redemptions WHERE deleted_at IS NULL AND status = 1`, &o.UnusedRedemptions)
	return o
}

// IPTrafficRow is a distinct-IP traffic row for ip-distribution scans.
type IPTrafficRow struct {
	IP           string
	RequestCount int64
	UserCount    int64
}

// IPTraffic returns distinct IPs with request/user counts in [start,end),
// capped at 3000 rows (the distribution aggregation's practical ceiling).
func (s *Store) IPTraffic(ctx context.Context, start, end int64) ([]IPTrafficRow, error) {
	q := `SELECT ip, COUNT(*) as request_count, COUNT(DISTINCT user_id) as user_count
		FROM logs WHERE created_at >= ? AND created_at < ? AND type IN (2,5)
		AND ip IS NOT NULL AND ip <> ''
		GROUP BY ip ORDER BY request_count DESC LIMIT 3000`
	var out []IPTrafficRow
	if err := s.db.WithContext(ctx).Raw(q, start, end).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "ip traffic query failed", err)
	}
	return out, nil
}

// TokenRotationCandidate is a user whose distinct-token count meets the
// tokenRotation detector's minimum.
type TokenRotationCandidate struct {
	UserID        int
	TokenCount    int64
	TotalRequests int64
}

// TokenRotationCandidates finds users touching at least minTokens
// distinct tokens in [start,end), phase 1 of the tokenRotation detector.
func (s *Store) TokenRotationCandidates(ctx context.Context, start, end int64, minTokens, limit int) ([]TokenRotationCandidate, error) {
	q := `SELECT user_id, COUNT(DISTINCT token_id) as token_count, COUNT(*) as total_requests
		FROM logs WHERE created_at >= ? AND created_at < ? AND type IN (2,5)
		AND user_id IS NOT NULL AND token_id IS NOT NULL AND token_id > 0
		GROUP BY user_id HAVING COUNT(DISTINCT token_id) >= ?
		ORDER BY token_count DESC, total_requests DESC LIMIT ?`
	var out []TokenRotationCandidate
	if err := s.db.WithContext(ctx).Raw(q, start, end, minTokens, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "token rotation candidates query failed", err)
	}
	return out, nil
}

// TokenDetail is one token's usage summary within a user's window, used
// for the tokenRotation detector's per-candidate detail (top 10).
type TokenDetail struct {
	TokenID   int    `json:"token_id"`
	TokenName string `json:"token_name"`
	Requests  int64  `json:"requests"`
	FirstUsed int64  `json:"first_used"`
	LastUsed  int64  `json:"last_used"`
}

// UserTokenDetails returns the top-10-by-requests token breakdown for a
// single user in [start,end).
func (s *Store) UserTokenDetails(ctx context.Context, start, end int64, userID int) ([]TokenDetail, error) {
	q := `SELECT token_id, MAX(token_name) as token_name, COUNT(*) as requests,
		MIN(created_at) as first_used, MAX(created_at) as last_used
		FROM logs WHERE created_at >= ? AND created_at < ? AND user_id = ?
		AND token_id IS NOT NULL AND token_id > 0 AND type IN (2,5)
		GROUP BY token_id ORDER BY requests DESC LIMIT 10`
	var out []TokenDetail
	if err := s.db.WithContext(ctx).Raw(q, start, end, userID).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "user token details query failed", err)
	}
	return out, nil
}

// InviterCandidate is an inviter with at least minInvited non-deleted
// invitees, phase 1 of the affiliatedAccounts detector.
type InviterCandidate struct {
	InviterID    int
	InvitedCount int64
}

// InviterCandidates groups non-deleted users by inviter_id.
func (s *Store) InviterCandidates(ctx context.Context, minInvited, limit int) ([]InviterCandidate, error) {
	q := `SELECT inviter_id, COUNT(*) as invited_count FROM users
		WHERE inviter_id IS NOT NULL AND inviter_id <> 0 AND deleted_at IS NULL AND status <> 3
		GROUP BY inviter_id HAVING COUNT(*) >= ?
		ORDER BY invited_count DESC LIMIT ?`
	var out []InviterCandidate
	if err := s.db.WithContext(ctx).Raw(q, minInvited, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "inviter candidates query failed", err)
	}
	return out, nil
}

// InvitedUser is one user invited by an affiliatedAccounts candidate.
type InvitedUser struct {
	InviterID int    `json:"inviter_id"`
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	CreatedAt int64  `json:"created_at"`
}

// InvitedUsersByInviters fetches every invited user for a batch of
// inviter IDs in one query, never one query per inviter.
func (s *Store) InvitedUsersByInviters(ctx context.Context, inviterIDs []int) ([]InvitedUser, error) {
	if len(inviterIDs) == 0 {
		return nil, nil
	}
	q := `SELECT inviter_id, id as user_id, username, created_at FROM users
		WHERE inviter_id IN (?) AND deleted_at IS NULL
		ORDER BY inviter_id, created_at ASC`
	var out []InvitedUser
	if err := s.db.WithContext(ctx).Raw(q, inviterIDs).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "invited users query failed", err)
	}
	return out, nil
}

// SameIPCandidate is an IP shared by at least minUsers users' earliest
// request in the window, phase 1 of the sameIPRegistrations detector.
type SameIPCandidate struct {
	IP        string
	UserCount int64
}

// SameIPCandidates finds IPs that are the first-seen IP for at least
// minUsers distinct users in [start,end), in one batched query (no
// per-user lookup loop).
func (s *Store) SameIPCandidates(ctx context.Context, start, end int64, minUsers, limit int) ([]SameIPCandidate, error) {
	q := `SELECT l.ip as ip, COUNT(*) as user_count
		FROM logs l
		JOIN (
			SELECT user_id, MIN(created_at) as first_ts
			FROM logs WHERE created_at >= ? AND created_at < ? AND user_id IS NOT NULL AND ip IS NOT NULL AND ip <> ''
			GROUP BY user_id
		) f ON f.user_id = l.user_id AND f.first_ts = l.created_at
		GROUP BY l.ip HAVING COUNT(*) >= ?
		ORDER BY user_count DESC LIMIT ?`
	var out []SameIPCandidate
	if err := s.db.WithContext(ctx).Raw(q, start, end, minUsers, limit).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "same ip candidates query failed", err)
	}
	return out, nil
}

// SameIPUser is one user behind a sameIPRegistrations candidate IP.
type SameIPUser struct {
	UserID    int   `json:"user_id"`
	FirstSeen int64 `json:"first_seen"`
}

// SameIPUsers returns the users whose first-seen IP in [start,end) is ip.
func (s *Store) SameIPUsers(ctx context.Context, start, end int64, ip string) ([]SameIPUser, error) {
	q := `SELECT f.user_id as user_id, f.first_ts as first_seen FROM (
			SELECT user_id, MIN(created_at) as first_ts
			FROM logs WHERE created_at >= ? AND created_at < ? AND user_id IS NOT NULL AND ip IS NOT NULL AND ip <> ''
			GROUP BY user_id
		) f
		JOIN logs l ON l.user_id = f.user_id AND l.created_at = f.first_ts
		WHERE l.ip = ?
		ORDER BY f.first_ts ASC`
	var out []SameIPUser
	if err := s.db.WithContext(ctx).Raw(q, start, end, ip).Scan(&out).Error; err != nil {
		return nil, apperr.Permanent(apperr.QueryFailed, "same ip users query failed", err)
	}
	return out, nil
}
