package autoban

import (
	"testing"

	"github.com/new-api-tools/sidecar/internal/models"
	"github.com/new-api-tools/sidecar/internal/risk"
)

func TestSubstituteOK(t *testing.T) {
	out, ok := substitute("hello {name}, you are {age}", map[string]string{"name": "alice", "age": "30"})
	if !ok {
		t.Fatalf("期望 ok=true")
	}
	if out != "hello alice, you are 30" {
		t.Errorf("替换结果错误: %q", out)
	}
}

func TestSubstituteUnknownPlaceholder(t *testing.T) {
	out, ok := substitute("hello {name}, {unknown}", map[string]string{"name": "alice"})
	if ok {
		t.Fatalf("期望 ok=false，因为 {unknown} 不在 vars 中")
	}
	if out != "hello alice, " {
		t.Errorf("未知占位符应替换为空字符串，实际 %q", out)
	}
}

func TestBuildPromptFallsBackOnBadCustomTemplate(t *testing.T) {
	cfg := Config{CustomPrompt: "risk={risk_score_typo}"}
	user := models.User{ID: 1, Username: "bob"}
	a := risk.UserAnalysis{TotalRequests: 10}

	rendered := buildPrompt(cfg, user, a)
	if rendered == "" {
		t.Fatalf("期望回退到默认模板，而不是空字符串")
	}
	if rendered == "risk=" {
		t.Errorf("自定义模板替换失败时应回退到默认模板")
	}
}

func TestBuildPromptUsesCustomTemplateWhenValid(t *testing.T) {
	cfg := Config{CustomPrompt: "用户 {username} 请求数 {total_requests}"}
	user := models.User{ID: 1, Username: "bob"}
	a := risk.UserAnalysis{TotalRequests: 42}

	rendered := buildPrompt(cfg, user, a)
	if rendered != "用户 bob 请求数 42" {
		t.Errorf("自定义模板渲染结果错误: %q", rendered)
	}
}

func TestModelExcludedExactAndWildcard(t *testing.T) {
	excluded := []string{"gpt-4", "text-embedding-*"}

	if !modelExcluded(excluded, "gpt-4") {
		t.Errorf("gpt-4 应被精确匹配排除")
	}
	if !modelExcluded(excluded, "text-embedding-ada-002") {
		t.Errorf("text-embedding-ada-002 应被通配符排除")
	}
	if modelExcluded(excluded, "gpt-3.5-turbo") {
		t.Errorf("gpt-3.5-turbo 不应被排除")
	}
}

func TestExcludedByModelOrGroupNoConfig(t *testing.T) {
	cfg := Config{}
	a := risk.UserAnalysis{TotalRequests: 100}
	user := models.User{Group: "default"}

	if excludedByModelOrGroup(cfg, a, user) {
		t.Errorf("未配置排除规则时不应排除")
	}
}

func TestExcludedByModelOrGroupZeroRequests(t *testing.T) {
	cfg := Config{ExcludedGroups: []string{"vip"}}
	a := risk.UserAnalysis{TotalRequests: 0}
	user := models.User{Group: "vip"}

	if excludedByModelOrGroup(cfg, a, user) {
		t.Errorf("零请求数不应触发排除判断")
	}
}

func TestExcludedByModelOrGroupAllOrNothingOnGroup(t *testing.T) {
	cfg := Config{ExcludedGroups: []string{"vip"}}
	a := risk.UserAnalysis{TotalRequests: 50}
	user := models.User{Group: "vip"}

	if !excludedByModelOrGroup(cfg, a, user) {
		t.Errorf("命中排除组时应全量排除（all-or-nothing）")
	}

	user.Group = "default"
	if excludedByModelOrGroup(cfg, a, user) {
		t.Errorf("未命中排除组时不应排除")
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{1.006, 1.01},
		{1.004, 1.0},
		{0, 0},
	}
	for _, c := range cases {
		if got := round2(c.in); got != c.want {
			t.Errorf("round2(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestContains(t *testing.T) {
	list := []string{"a", "b", "c"}
	if !contains(list, "b") {
		t.Errorf("期望包含 b")
	}
	if contains(list, "z") {
		t.Errorf("不应包含 z")
	}
}
