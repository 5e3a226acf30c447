// Package risk 实现风控引擎：单用户 IP 切换分析、排行榜（含增量合并）、
// 以及六个批量探测器（共享 IP、多 IP 令牌、多 IP 用户、令牌轮换、关联账号、
// 同 IP 注册）。探测器先用一条 HAVING 聚合查询取候选集；共享 IP 与关联账号
// 再用一次批量明细查询补全所有候选，多 IP 令牌与多 IP 用户不查明细，令牌
// 轮换与同 IP 注册则对每个候选各发一次明细查询。
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/new-api-tools/sidecar/internal/apperr"
	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/geoip"
	"github.com/new-api-tools/sidecar/internal/logstore"
	"github.com/new-api-tools/sidecar/internal/slotplanner"
)

// rapidSwitchThreshold：两次请求 IP 不同且间隔小于此值视为“快速切换”。
// 60 秒，精确取自规格；教师实现用的是 300 秒，此处不沿用。
const rapidSwitchThreshold = 60

// Engine 组合日志存储、缓存层与 GeoIP 服务，提供风控相关的只读分析。
type Engine struct {
	store *logstore.Store
	cache *cachetier.Tier
	geo   *geoip.Service
	scale func() cachetier.Scale
}

func New(store *logstore.Store, cache *cachetier.Tier, geo *geoip.Service, scale func() cachetier.Scale) *Engine {
	return &Engine{store: store, cache: cache, geo: geo, scale: scale}
}

func (e *Engine) ttl(window string) time.Duration {
	return cachetier.GenericTTL(window, e.scale())
}

// ---------- 单用户分析 ----------

// IPSwitch 记录一次 IP 切换的细节。
type IPSwitch struct {
	FromIP      string `json:"from_ip"`
	ToIP        string `json:"to_ip"`
	AtUnix      int64  `json:"at"`
	IntervalS   int64  `json:"interval_s"`
	DualStack   bool   `json:"dual_stack"`
	RealSwitch  bool   `json:"real_switch"` // 排除纯哑铃式双栈切换后的“真实”切换
	RapidSwitch bool   `json:"rapid_switch"`
}

// UserAnalysis 是 §4.5.1 单用户风险分析的结果。
type UserAnalysis struct {
	UserID            int        `json:"user_id"`
	WindowSeconds     int64      `json:"window_seconds"`
	EndTime           int64      `json:"end_time"`
	TotalRequests     int64      `json:"total_requests"`
	DistinctIPs       int        `json:"distinct_ips"`
	TopIPs            []ipCount  `json:"top_ips"`
	TopModels         []namedCnt `json:"top_models"`
	SwitchCount       int        `json:"switch_count"`
	RealSwitchCount   int        `json:"real_switch_count"`
	DualStackSwitches int        `json:"dual_stack_switches"`
	RapidSwitchCount  int        `json:"rapid_switch_count"`
	AvgIPDurationS    float64    `json:"avg_ip_duration_s"`
	MinSwitchInterval int64      `json:"min_switch_interval_s"`
	Switches          []IPSwitch `json:"switches"`
	RiskFlags         []string   `json:"risk_flags"`
}

type ipCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

type namedCnt struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Analyze 对单用户在 [end_time-window, end_time) 内的请求做 IP 切换走查。
func (e *Engine) Analyze(ctx context.Context, userID int, windowSeconds, endTime int64) (UserAnalysis, error) {
	start := endTime - windowSeconds
	rows, err := e.store.UserLogsInWindow(ctx, userID, start, endTime)
	if err != nil {
		return UserAnalysis{}, err
	}

	out := UserAnalysis{UserID: userID, WindowSeconds: windowSeconds, EndTime: endTime, TotalRequests: int64(len(rows))}

	ipSeen := make(map[string]bool)
	ipTotal := make(map[string]int64)
	modelTotal := make(map[string]int64)
	var minInterval int64 = -1

	var lastIP string
	var lastSeenAt int64
	ipFirstSeenAt := make(map[string]int64)
	ipLastSeenAt := make(map[string]int64)

	for _, r := range rows {
		if r.IP != "" {
			ipSeen[r.IP] = true
			ipTotal[r.IP]++
			if _, ok := ipFirstSeenAt[r.IP]; !ok {
				ipFirstSeenAt[r.IP] = r.CreatedAt
			}
			ipLastSeenAt[r.IP] = r.CreatedAt
		}
		if r.ModelName != "" {
			modelTotal[r.ModelName]++
		}

		if r.IP != "" && lastIP != "" && r.IP != lastIP {
			interval := r.CreatedAt - lastSeenAt
			dual := e.geo != nil && e.geo.IsDualStackPair(lastIP, r.IP)
			rapid := !dual && interval >= 0 && interval < rapidSwitchThreshold

			out.SwitchCount++
			if !dual {
				out.RealSwitchCount++
			} else {
				out.DualStackSwitches++
			}
			if rapid {
				out.RapidSwitchCount++
			}
			if minInterval < 0 || (interval >= 0 && interval < minInterval) {
				minInterval = interval
			}
			out.Switches = append(out.Switches, IPSwitch{
				FromIP: lastIP, ToIP: r.IP, AtUnix: r.CreatedAt, IntervalS: interval,
				DualStack: dual, RealSwitch: !dual, RapidSwitch: rapid,
			})
		}
		if r.IP != "" {
			lastIP = r.IP
			lastSeenAt = r.CreatedAt
		}
	}

	out.DistinctIPs = len(ipSeen)
	if minInterval < 0 {
		minInterval = 0
	}
	out.MinSwitchInterval = minInterval

	var totalDuration int64
	for ip := range ipSeen {
		totalDuration += ipLastSeenAt[ip] - ipFirstSeenAt[ip]
	}
	if len(ipSeen) > 0 {
		out.AvgIPDurationS = float64(totalDuration) / float64(len(ipSeen))
	}

	out.TopIPs = topIP(ipTotal, 10)
	out.TopModels = topName(modelTotal, 10)
	out.RiskFlags = riskFlags(out)

	return out, nil
}

// riskFlags 应用 §4.5.1 的三条精确阈值。
func riskFlags(a UserAnalysis) []string {
	var flags []string
	if a.DistinctIPs >= 10 {
		flags = append(flags, "MANY_IPS")
	}
	if a.RapidSwitchCount >= 3 {
		flags = append(flags, "IP_RAPID_SWITCH")
	}
	if a.AvgIPDurationS < 30 && a.RealSwitchCount >= 3 {
		flags = append(flags, "IP_HOPPING")
	}
	return flags
}

func topIP(m map[string]int64, k int) []ipCount {
	out := make([]ipCount, 0, len(m))
	for ip, c := range m {
		out = append(out, ipCount{IP: ip, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func topName(m map[string]int64, k int) []namedCnt {
	out := make([]namedCnt, 0, len(m))
	for name, c := range m {
		out = append(out, namedCnt{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// ---------- 排行榜（支持增量合并） ----------

// LeaderboardItem 是任意指标排行榜的一行。
type LeaderboardItem struct {
	Key   string  `json:"key"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Leaderboards 返回 windows 中每个窗口、按 sortBy 排序的 top-limit 榜单。
// 3d/7d/14d 走增量槽位合并路径，其余窗口整窗重算。每个窗口按
// slotplanner.MaxSupportedTopK 计算并缓存，再裁剪到 limit；limit 超过
// MaxSupportedTopK 时返回 InvalidParams 错误。
func (e *Engine) Leaderboards(ctx context.Context, windows []string, limit int, sortBy string) (map[string][]LeaderboardItem, error) {
	if limit > slotplanner.MaxSupportedTopK {
		return nil, apperr.Permanent(apperr.InvalidParams, fmt.Sprintf("limit must not exceed %d", slotplanner.MaxSupportedTopK), nil)
	}
	out := make(map[string][]LeaderboardItem, len(windows))
	for _, w := range windows {
		key := fmt.Sprintf("risk:lb:%s:%s", w, sortBy)
		var items []LeaderboardItem
		cached, err := e.cache.GetOrCompute(ctx, key, e.ttl(w), func() ([]byte, error) {
			items, err := e.computeLeaderboard(ctx, w, slotplanner.MaxSupportedTopK, sortBy)
			if err != nil {
				return nil, err
			}
			return json.Marshal(items)
		})
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cached, &items); err != nil {
			return nil, apperr.Permanent(apperr.QueryFailed, "leaderboard cache decode failed", err)
		}
		if len(items) > limit {
			items = items[:limit]
		}
		out[w] = items
	}
	return out, nil
}

func (e *Engine) computeLeaderboard(ctx context.Context, window string, limit int, sortBy string) ([]LeaderboardItem, error) {
	now := time.Now()
	if !slotplanner.IsIncremental(window) {
		return e.leaderboardSlice(ctx, now.Unix()-windowDuration(window), now.Unix(), limit, sortBy)
	}
	return e.incrementalLeaderboard(ctx, window, now, limit, sortBy)
}

func windowDuration(window string) int64 {
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
	case "14d":
		return 14 * 24 * 3600
	default:
		return 3600
	}
}

func (e *Engine) leaderboardSlice(ctx context.Context, start, end int64, limit int, sortBy string) ([]LeaderboardItem, error) {
	oversample := limit * 5
	if oversample < slotplanner.TopKOversampleCap {
		oversample = slotplanner.TopKOversampleCap
	}
	rows, err := e.store.UserLeaderboard(ctx, start, end, oversample)
	if err != nil {
		return nil, err
	}
	items := make([]LeaderboardItem, 0, len(rows))
	for _, r := range rows {
		var score float64
		switch sortBy {
		case "quota":
			score = float64(r.QuotaUsed)
		case "failure_rate":
			if r.RequestCount > 0 {
				score = float64(r.FailureCount) / float64(r.RequestCount)
			}
		default:
			score = float64(r.RequestCount)
		}
		items = append(items, LeaderboardItem{Key: strconv.Itoa(r.UserID), Label: r.Username, Score: score})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// slotLeaderboard 是单槽内序列化存储的部分榜单——增量合并的单元。每个用户
// 同时携带请求数/额度/失败数三个可加计数，这样 sum-then-rank 对
// requests/quota/failure_rate 三种 sort_by 都成立（失败率必须在合并之后
// 才能除出来，不能按槽分别算再求平均）。
type slotLeaderboard struct {
	Requests map[string]float64 `json:"requests"`
	Quota    map[string]float64 `json:"quota"`
	Failures map[string]float64 `json:"failures"`
	Labels   map[string]string  `json:"labels"`
}

func scoreFor(sl slotLeaderboard, key, sortBy string) float64 {
	switch sortBy {
	case "quota":
		return sl.Quota[key]
	case "failure_rate":
		if sl.Requests[key] == 0 {
			return 0
		}
		return sl.Failures[key] / sl.Requests[key]
	default:
		return sl.Requests[key]
	}
}

// incrementalLeaderboard 按 slotplanner 切槽，已落盘的槽直接复用，仅实时槽
// 重新计算，最终合并计数、重新排序并裁剪到 top-limit。
func (e *Engine) incrementalLeaderboard(ctx context.Context, window string, now time.Time, limit int, sortBy string) ([]LeaderboardItem, error) {
	metric := "risk:lb:user"
	slots := slotplanner.Plan(window, now)
	starts := slotplanner.Starts(slotplanner.Finalized(slots))

	missing, cached := e.cache.MissingSlots(ctx, metric, window, starts)
	for _, start := range missing {
		end := start + slotplanner.SlotSeconds(window)
		blob, err := e.buildSlotLeaderboard(ctx, start, end)
		if err != nil {
			return nil, err
		}
		if err := e.cache.SetSlot(ctx, metric, window, start, end, blob); err != nil {
			return nil, err
		}
		cached[start] = cachetier.SlotBlob{SlotStart: start, SlotEnd: end, Value: blob}
	}

	merged := slotLeaderboard{Requests: map[string]float64{}, Quota: map[string]float64{}, Failures: map[string]float64{}, Labels: map[string]string{}}
	mergeIn := func(blob []byte) {
		if len(blob) == 0 {
			return
		}
		var sl slotLeaderboard
		if json.Unmarshal(blob, &sl) != nil {
			return
		}
		for k, v := range sl.Requests {
			merged.Requests[k] += v
		}
		for k, v := range sl.Quota {
			merged.Quota[k] += v
		}
		for k, v := range sl.Failures {
			merged.Failures[k] += v
		}
		for k, v := range sl.Labels {
			merged.Labels[k] = v
		}
	}
	for _, start := range starts {
		mergeIn(cached[start].Value)
	}

	if live, ok := slotplanner.LiveSlot(slots); ok {
		liveBlob, err := e.buildSlotLeaderboard(ctx, live.Start, live.End)
		if err != nil {
			return nil, err
		}
		mergeIn(liveBlob)
	}

	items := make([]LeaderboardItem, 0, len(merged.Requests))
	for k := range merged.Requests {
		items = append(items, LeaderboardItem{Key: k, Label: merged.Labels[k], Score: scoreFor(merged, k, sortBy)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if top := slotplanner.MaxSupportedTopK; limit > top {
		limit = top
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (e *Engine) buildSlotLeaderboard(ctx context.Context, start, end int64) ([]byte, error) {
	rows, err := e.store.UserLeaderboard(ctx, start, end, slotplanner.TopKOversampleCap)
	if err != nil {
		return nil, err
	}
	sl := slotLeaderboard{Requests: map[string]float64{}, Quota: map[string]float64{}, Failures: map[string]float64{}, Labels: map[string]string{}}
	for _, r := range rows {
		key := strconv.Itoa(r.UserID)
		sl.Requests[key] += float64(r.RequestCount)
		sl.Quota[key] += float64(r.QuotaUsed)
		sl.Failures[key] += float64(r.FailureCount)
		sl.Labels[key] = r.Username
	}
	return json.Marshal(sl)
}

// ---------- 探测器 ----------

// Finding 是单个风控探测器输出的一条结果。
type Finding struct {
	Subject string         `json:"subject"` // IP / token_id / user_id / inviter_id 等主体标识
	Detail  map[string]any `json:"detail"`
}

// DetectorResult 是一个探测器完整的输出。
type DetectorResult struct {
	Items []Finding `json:"items"`
	Total int       `json:"total"`
}

func (e *Engine) cachedDetector(ctx context.Context, name, window string, compute func() (DetectorResult, error)) (DetectorResult, error) {
	key := fmt.Sprintf("risk:det:%s:%s", name, window)
	var out DetectorResult
	blob, err := e.cache.GetOrCompute(ctx, key, e.ttl(window), func() ([]byte, error) {
		res, err := compute()
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return DetectorResult{}, err
	}
	if err := json.Unmarshal(blob, &out); err != nil {
		return DetectorResult{}, apperr.Permanent(apperr.QueryFailed, "detector cache decode failed", err)
	}
	return out, nil
}

// SharedIPs 找出被至少 minTokens 个不同令牌使用的 IP。
func (e *Engine) SharedIPs(ctx context.Context, window string, minTokens, limit int) (DetectorResult, error) {
	return e.cachedDetector(ctx, "shared_ips", window, func() (DetectorResult, error) {
		start, end := e.bounds(window)
		candidates, err := e.store.SharedIPs(ctx, start, end, minTokens, limit)
		if err != nil {
			return DetectorResult{}, err
		}
		if len(candidates) == 0 {
			return DetectorResult{}, nil
		}
		ips := make([]string, len(candidates))
		for i, c := range candidates {
			ips[i] = c.IP
		}
		details, err := e.store.IPUsageDetails(ctx, start, end, ips)
		if err != nil {
			return DetectorResult{}, err
		}
		byIP := make(map[string][]logstore.IPUsageDetail)
		for _, d := range details {
			byIP[d.IP] = append(byIP[d.IP], d)
		}

		items := make([]Finding, 0, len(candidates))
		for _, c := range candidates {
			tokenSet := map[int]bool{}
			userSet := map[int]bool{}
			var requests int64
			for _, d := range byIP[c.IP] {
				tokenSet[d.TokenID] = true
				userSet[d.UserID] = true
				requests += d.RequestCount
			}
			items = append(items, Finding{Subject: c.IP, Detail: map[string]any{
				"token_count": c.TokenCount, "token_ids": intKeys(tokenSet), "user_ids": intKeys(userSet), "request_count": requests,
			}})
		}
		return DetectorResult{Items: items, Total: len(items)}, nil
	})
}

// MultiIPTokens 找出从至少 minIPs 个不同 IP 使用过的令牌。
func (e *Engine) MultiIPTokens(ctx context.Context, window string, minIPs, limit int) (DetectorResult, error) {
	return e.cachedDetector(ctx, "multi_ip_tokens", window, func() (DetectorResult, error) {
		start, end := e.bounds(window)
		candidates, err := e.store.MultiIPTokens(ctx, start, end, minIPs, limit)
		if err != nil {
			return DetectorResult{}, err
		}
		items := make([]Finding, 0, len(candidates))
		for _, c := range candidates {
			items = append(items, Finding{Subject: fmt.Sprintf("%d", c.TokenID), Detail: map[string]any{
				"token_id": c.TokenID, "user_id": c.UserID, "ip_count": c.IPCount,
			}})
		}
		return DetectorResult{Items: items, Total: len(items)}, nil
	})
}

// MultiIPUsers 找出从至少 minIPs 个不同 IP 发起请求的用户。
func (e *Engine) MultiIPUsers(ctx context.Context, window string, minIPs, limit int) (DetectorResult, error) {
	return e.cachedDetector(ctx, "multi_ip_users", window, func() (DetectorResult, error) {
		start, end := e.bounds(window)
		candidates, err := e.store.MultiIPUsers(ctx, start, end, minIPs, limit)
		if err != nil {
			return DetectorResult{}, err
		}
		items := make([]Finding, 0, len(candidates))
		for _, c := range candidates {
			items = append(items, Finding{Subject: fmt.Sprintf("%d", c.UserID), Detail: map[string]any{
				"user_id": c.UserID, "ip_count": c.IPCount,
			}})
		}
		return DetectorResult{Items: items, Total: len(items)}, nil
	})
}

// TokenRotation 找出短时间内轮换使用大量令牌的用户。
func (e *Engine) TokenRotation(ctx context.Context, window string, minTokens, limit int) (DetectorResult, error) {
	return e.cachedDetector(ctx, "token_rotation", window, func() (DetectorResult, error) {
		start, end := e.bounds(window)
		candidates, err := e.store.TokenRotationCandidates(ctx, start, end, minTokens, limit)
		if err != nil {
			return DetectorResult{}, err
		}
		items := make([]Finding, 0, len(candidates))
		for _, c := range candidates {
			// 明细查询按候选人逐个发出，每用户限定 top-10 令牌。
			tokens, err := e.store.UserTokenDetails(ctx, start, end, c.UserID)
			if err != nil {
				return DetectorResult{}, err
			}
			items = append(items, Finding{Subject: fmt.Sprintf("%d", c.UserID), Detail: map[string]any{
				"user_id": c.UserID, "token_count": c.TokenCount, "total_requests": c.TotalRequests, "tokens": tokens,
			}})
		}
		return DetectorResult{Items: items, Total: len(items)}, nil
	})
}

// AffiliatedAccounts 找出邀请了至少 minInvited 个用户的邀请人及其被邀请人列表。
func (e *Engine) AffiliatedAccounts(ctx context.Context, minInvited, limit int) (DetectorResult, error) {
	return e.cachedDetector(ctx, "affiliated_accounts", "static", func() (DetectorResult, error) {
		candidates, err := e.store.InviterCandidates(ctx, minInvited, limit)
		if err != nil {
			return DetectorResult{}, err
		}
		if len(candidates) == 0 {
			return DetectorResult{}, nil
		}
		inviterIDs := make([]int, len(candidates))
		for i, c := range candidates {
			inviterIDs[i] = c.InviterID
		}
		invited, err := e.store.InvitedUsersByInviters(ctx, inviterIDs)
		if err != nil {
			return DetectorResult{}, err
		}
		byInviter := make(map[int][]logstore.InvitedUser)
		for _, u := range invited {
			byInviter[u.InviterID] = append(byInviter[u.InviterID], u)
		}
		items := make([]Finding, 0, len(candidates))
		for _, c := range candidates {
			items = append(items, Finding{Subject: fmt.Sprintf("%d", c.InviterID), Detail: map[string]any{
				"inviter_id": c.InviterID, "invited_count": c.InvitedCount, "invited": byInviter[c.InviterID],
			}})
		}
		return DetectorResult{Items: items, Total: len(items)}, nil
	})
}

// SameIPRegistrations 找出首次请求的 IP 被至少 minUsers 个不同用户共享的情况。
func (e *Engine) SameIPRegistrations(ctx context.Context, window string, minUsers, limit int) (DetectorResult, error) {
	return e.cachedDetector(ctx, "same_ip_registrations", window, func() (DetectorResult, error) {
		start, end := e.bounds(window)
		candidates, err := e.store.SameIPCandidates(ctx, start, end, minUsers, limit)
		if err != nil {
			return DetectorResult{}, err
		}
		items := make([]Finding, 0, len(candidates))
		for _, c := range candidates {
			users, err := e.store.SameIPUsers(ctx, start, end, c.IP)
			if err != nil {
				return DetectorResult{}, err
			}
			items = append(items, Finding{Subject: c.IP, Detail: map[string]any{
				"ip": c.IP, "user_count": c.UserCount, "users": users,
			}})
		}
		return DetectorResult{Items: items, Total: len(items)}, nil
	})
}

func (e *Engine) bounds(window string) (int64, int64) {
	now := time.Now().Unix()
	return now - windowDuration(window), now
}

func intKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
