package autoban

import "testing"

func TestParseVerdictPlainJSON(t *testing.T) {
	content := `{"should_ban": true, "risk_score": 9, "confidence": 0.95, "reason": "suspicious pattern"}`
	v, err := parseVerdict(content)
	if err != nil {
		t.Fatalf("parseVerdict 失败: %v", err)
	}
	if !v.ShouldBan || v.RiskScore != 9 || v.Confidence != 0.95 {
		t.Errorf("解析结果错误: %+v", v)
	}
	if v.Action != ActionBan {
		t.Errorf("期望 action=ban, 实际 %s", v.Action)
	}
}

func TestParseVerdictFencedJSON(t *testing.T) {
	content := "这是我的分析：\n```json\n{\"should_ban\": false, \"risk_score\": 3, \"confidence\": 0.4, \"reason\": \"normal usage\"}\n```\n谢谢"
	v, err := parseVerdict(content)
	if err != nil {
		t.Fatalf("parseVerdict 失败: %v", err)
	}
	if v.ShouldBan || v.RiskScore != 3 {
		t.Errorf("解析结果错误: %+v", v)
	}
	if v.Action != ActionSkip {
		t.Errorf("期望 action=skip, 实际 %s", v.Action)
	}
}

func TestParseVerdictBracesWithoutFence(t *testing.T) {
	content := `prefix text {"should_ban": true, "risk_score": 6, "confidence": 0.5, "reason": "borderline"} suffix text`
	v, err := parseVerdict(content)
	if err != nil {
		t.Fatalf("parseVerdict 失败: %v", err)
	}
	if v.Action != ActionWarn {
		t.Errorf("期望 action=warn (should_ban=true), 实际 %s", v.Action)
	}
}

func TestParseVerdictMissingShouldBan(t *testing.T) {
	content := `{"risk_score": 9, "confidence": 0.9, "reason": "no verdict field"}`
	if _, err := parseVerdict(content); err == nil {
		t.Fatalf("期望 should_ban 缺失时返回错误")
	}
}

func TestParseVerdictInvalidJSON(t *testing.T) {
	if _, err := parseVerdict("not json at all"); err == nil {
		t.Fatalf("期望非 JSON 内容返回错误")
	}
}

func TestParseVerdictClampsOutOfRangeValues(t *testing.T) {
	content := `{"should_ban": true, "risk_score": 99, "confidence": 5.0, "reason": "overflow"}`
	v, err := parseVerdict(content)
	if err != nil {
		t.Fatalf("parseVerdict 失败: %v", err)
	}
	if v.RiskScore != 10 {
		t.Errorf("risk_score 应被夹紧到 10, 实际 %d", v.RiskScore)
	}
	if v.Confidence != 1 {
		t.Errorf("confidence 应被夹紧到 1, 实际 %v", v.Confidence)
	}
}

func TestParseVerdictActionMapping(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    Action
	}{
		{"ban", `{"should_ban": true, "risk_score": 10, "confidence": 1.0, "reason": "r"}`, ActionBan},
		{"warn-low-confidence", `{"should_ban": true, "risk_score": 9, "confidence": 0.5, "reason": "r"}`, ActionWarn},
		{"warn-high-score", `{"should_ban": false, "risk_score": 7, "confidence": 0.3, "reason": "r"}`, ActionWarn},
		{"monitor", `{"should_ban": false, "risk_score": 5, "confidence": 0.1, "reason": "r"}`, ActionMonitor},
		{"skip", `{"should_ban": false, "risk_score": 1, "confidence": 0.0, "reason": "r"}`, ActionSkip},
	}
	for _, c := range cases {
		v, err := parseVerdict(c.content)
		if err != nil {
			t.Fatalf("%s: parseVerdict 失败: %v", c.name, err)
		}
		if v.Action != c.want {
			t.Errorf("%s: 期望 action=%s, 实际 %s", c.name, c.want, v.Action)
		}
	}
}

func TestClampIntAndFloat(t *testing.T) {
	if got := clampInt(-5, 1, 10); got != 1 {
		t.Errorf("clampInt(-5,1,10) = %d, want 1", got)
	}
	if got := clampInt(50, 1, 10); got != 10 {
		t.Errorf("clampInt(50,1,10) = %d, want 10", got)
	}
	if got := clampFloat(-0.5, 0, 1); got != 0 {
		t.Errorf("clampFloat(-0.5,0,1) = %v, want 0", got)
	}
	if got := clampFloat(2.5, 0, 1); got != 1 {
		t.Errorf("clampFloat(2.5,0,1) = %v, want 1", got)
	}
}
