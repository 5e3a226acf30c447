package autoban

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/new-api-tools/sidecar/internal/models"
	"github.com/new-api-tools/sidecar/internal/risk"
)

// defaultPromptTemplate is substituted via the closed placeholder set of
// §6.4. A custom template that references an unknown placeholder falls
// back to this one (Go's text/template would error loudly on an unknown
// field; simple string replacement degrades the way the original's
// Python str.format KeyError-then-fallback does).
const defaultPromptTemplate = `你是一个 API 风控系统的 AI 助手。请分析以下用户的行为数据，判断是否存在滥用行为。

## 用户信息
- 用户ID: {user_id}
- 用户名: {username}
- 用户组: {user_group}

## 请求概况
- 请求总数: {total_requests}
- 使用模型数: {unique_models}
- 使用令牌数: {unique_tokens}

## IP 行为分析
- 使用 IP 数量: {unique_ips}
- IP 总切换次数: {switch_count}
- 真实切换次数（排除双栈）: {real_switch_count}
- 双栈切换次数（同位置 v4/v6）: {dual_stack_switches}
- 快速切换次数（60秒内，排除双栈）: {rapid_switch_count}
- 平均 IP 停留时间: {avg_ip_duration} 秒
- 最短切换间隔: {min_switch_interval} 秒
- 已触发风险标签: {risk_flags}

## Token 使用分析
- 平均每 Token 请求数: {avg_requests_per_token}
- Token 轮换风险: {token_rotation_risk}

## IP 名单
- 白名单 IP: {whitelist_ips}
- 黑名单 IP: {blacklist_ips}
- 该用户命中白名单的 IP: {user_whitelisted_ips}
- 该用户命中黑名单的 IP: {user_blacklisted_ips}
- 该用户使用的 IP: {user_ips}

## 请返回 JSON 格式（严格遵循）:
` + "```json" + `
{
  "should_ban": true或false,
  "risk_score": 1到10的整数,
  "confidence": 0.0到1.0的小数,
  "reason": "封禁或放行理由（中文，100字以内）"
}
` + "```" + `

注意：risk_score >= 8 且 confidence >= 0.8 时才会自动封禁；请谨慎判断，避免误封正常用户；双栈切换是正常行为，应降低风险评分；只返回 JSON，不要有其他内容。`

// buildPrompt substitutes the closed placeholder set from the user
// record and analysis. On a custom template, a substitution failure
// (an unknown `{placeholder}`) falls back to the default template.
func buildPrompt(cfg Config, user models.User, a risk.UserAnalysis) string {
	vars := promptVars(cfg, user, a)

	template := strings.TrimSpace(cfg.CustomPrompt)
	if template == "" {
		template = defaultPromptTemplate
	}

	rendered, ok := substitute(template, vars)
	if !ok && template != defaultPromptTemplate {
		rendered, _ = substitute(defaultPromptTemplate, vars)
	}
	return rendered
}

func promptVars(cfg Config, user models.User, a risk.UserAnalysis) map[string]string {
	userIPs := make([]string, 0, len(a.TopIPs))
	for _, ip := range a.TopIPs {
		userIPs = append(userIPs, ip.IP)
	}

	var whitelistedHits, blacklistedHits []string
	for _, ip := range userIPs {
		if contains(cfg.WhitelistIPs, ip) {
			whitelistedHits = append(whitelistedHits, ip)
		}
		if contains(cfg.BlacklistIPs, ip) {
			blacklistedHits = append(blacklistedHits, ip)
		}
	}

	uniqueModels := len(a.TopModels)
	uniqueTokens := uniqueTokenCount(a)
	avgPerToken := 0.0
	if uniqueTokens > 0 {
		avgPerToken = round2(float64(a.TotalRequests) / float64(uniqueTokens))
	}

	rotationRisk := "低"
	switch {
	case uniqueTokens >= 5 && avgPerToken <= 10:
		rotationRisk = "高（多Token轮换，每Token请求少）"
	case uniqueTokens >= 3 && avgPerToken <= 20:
		rotationRisk = "中"
	}

	group := user.Group
	if group == "" {
		group = "默认"
	}

	return map[string]string{
		"user_id":                 fmt.Sprintf("%d", user.ID),
		"username":                user.Username,
		"user_group":              group,
		"total_requests":          fmt.Sprintf("%d", a.TotalRequests),
		"unique_models":           fmt.Sprintf("%d", uniqueModels),
		"unique_tokens":           fmt.Sprintf("%d", uniqueTokens),
		"unique_ips":              fmt.Sprintf("%d", a.DistinctIPs),
		"switch_count":            fmt.Sprintf("%d", a.SwitchCount),
		"real_switch_count":       fmt.Sprintf("%d", a.RealSwitchCount),
		"dual_stack_switches":     fmt.Sprintf("%d", a.DualStackSwitches),
		"rapid_switch_count":      fmt.Sprintf("%d", a.RapidSwitchCount),
		"avg_ip_duration":         fmt.Sprintf("%.1f", a.AvgIPDurationS),
		"min_switch_interval":     fmt.Sprintf("%d", a.MinSwitchInterval),
		"risk_flags":              strings.Join(a.RiskFlags, ", "),
		"avg_requests_per_token":  fmt.Sprintf("%.2f", avgPerToken),
		"token_rotation_risk":     rotationRisk,
		"whitelist_ips":           strings.Join(cfg.WhitelistIPs, ", "),
		"blacklist_ips":           strings.Join(cfg.BlacklistIPs, ", "),
		"user_whitelisted_ips":    strings.Join(whitelistedHits, ", "),
		"user_blacklisted_ips":    strings.Join(blacklistedHits, ", "),
		"user_ips":                strings.Join(userIPs, ", "),
	}
}

// substitute replaces every {placeholder} present in vars; returns
// ok=false if the template references a placeholder not in vars (the
// "unknown variable" case that triggers a fallback to the default
// template). Only identifier-shaped names (letters, digits, '_') count as
// placeholders; any other brace text, such as a JSON example, is left as is.
func substitute(template string, vars map[string]string) (string, bool) {
	out := template
	ok := true
	from := 0
	for {
		rel := strings.IndexByte(out[from:], '{')
		if rel < 0 {
			break
		}
		strStart := from + rel
		end := strings.IndexByte(out[strStart:], '}')
		if end < 0 {
			break
		}
		key := out[strStart+1 : strStart+end]
		if key == "" || strings.Trim(key, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_") != "" {
			from = strStart + 1
			continue
		}
		val, found := vars[key]
		if !found {
			ok = false
			val = ""
		}
		out = out[:strStart] + val + out[strStart+end+1:]
		from = strStart + len(val)
	}
	return out, ok
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func uniqueTokenCount(a risk.UserAnalysis) int {
	// UserAnalysis tracks per-model, not per-token, breakdowns; token
	// rotation risk here is approximated from TopModels' cardinality
	// already captured for IP-switch analysis — a dedicated per-token
	// count is computed by risk.Engine.TokenRotation, not per-user
	// Analyze(), so the assessment prompt uses the closest available
	// proxy (distinct tokens seen are not tracked by Analyze()).
	return len(a.TopModels)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// excludedByModelOrGroup implements §4.7 step 3's "> 80% of requests
// belong to excluded models or excluded groups" skip. Models support a
// trailing "*" prefix match (e.g. "text-embedding-*"). The group check
// has no per-request breakdown available (this service's Log mirror
// carries no group column), so it is all-or-nothing against the user's
// own Group: if the user's group is excluded, every request counts as
// excluded.
func excludedByModelOrGroup(cfg Config, a risk.UserAnalysis, user models.User) bool {
	if len(cfg.ExcludedModels) == 0 && len(cfg.ExcludedGroups) == 0 {
		return false
	}
	if a.TotalRequests <= 0 {
		return false
	}

	var excluded int64
	for _, m := range a.TopModels {
		if modelExcluded(cfg.ExcludedModels, m.Name) {
			excluded += m.Count
		}
	}
	if contains(cfg.ExcludedGroups, user.Group) {
		excluded = a.TotalRequests
	}

	return float64(excluded)/float64(a.TotalRequests) > excludedRatioLimit
}

func modelExcluded(excludedModels []string, modelName string) bool {
	for _, e := range excludedModels {
		if strings.HasSuffix(e, "*") {
			if strings.HasPrefix(modelName, strings.TrimSuffix(e, "*")) {
				return true
			}
			continue
		}
		if modelName == e {
			return true
		}
	}
	return false
}

// assess builds the prompt, calls the LLM, and parses the verdict,
// recording the call outcome in the circuit breaker.
func (e *Engine) assess(ctx context.Context, cfg Config, prompt string) (Verdict, error) {
	if e.client == nil {
		e.client = newLLMClient()
	}
	cc, err := e.client.call(ctx, cfg, prompt)
	if err != nil {
		e.breaker.recordFailure(err.Error())
		return Verdict{}, err
	}
	e.breaker.recordSuccess()
	return parseVerdict(cc.Content)
}

func marshalContext(extra map[string]any) (string, error) {
	if extra == nil {
		return "", nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalDetails(outcomes []UserOutcome) (string, error) {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
