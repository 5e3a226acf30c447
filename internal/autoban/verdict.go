package autoban

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/new-api-tools/sidecar/internal/apperr"
)

// Action is the mapped verdict action (§4.7.2).
type Action string

const (
	ActionBan     Action = "ban"
	ActionWarn    Action = "warn"
	ActionMonitor Action = "monitor"
	ActionSkip    Action = "skip"
)

// Verdict is a parsed, validated AI assessment.
type Verdict struct {
	ShouldBan  bool
	RiskScore  int
	Confidence float64
	Reason     string
	Action     Action
}

type rawVerdict struct {
	ShouldBan  bool        `json:"should_ban"`
	RiskScore  json.Number `json:"risk_score"`
	Confidence json.Number `json:"confidence"`
	Reason     string      `json:"reason"`
}

var shouldBanKeyRe = regexp.MustCompile(`"should_ban"`)

// extractJSON tries, in order: the whole string; a ```json fenced block;
// any ``` fenced block; the substring from the first `{` to the last
// `}`; a brace-balanced scan outward from the `"should_ban"` key. This
// mirrors the original's 5-method extraction exactly — LLMs are
// inconsistent about wrapping JSON in prose or markdown fences.
func extractJSON(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return trimmed, true
	}

	if block, ok := fencedBlock(content, "```json"); ok {
		return block, true
	}
	if block, ok := fencedBlock(content, "```"); ok {
		return block, true
	}

	if first := strings.IndexByte(content, '{'); first >= 0 {
		if last := strings.LastIndexByte(content, '}'); last > first {
			candidate := content[first : last+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}

	if loc := shouldBanKeyRe.FindStringIndex(content); loc != nil {
		braceStart := strings.LastIndexByte(content[:loc[0]], '{')
		if braceStart >= 0 {
			depth := 0
			for i := braceStart; i < len(content); i++ {
				switch content[i] {
				case '{':
					depth++
				case '}':
					depth--
					if depth == 0 {
						candidate := content[braceStart : i+1]
						if json.Valid([]byte(candidate)) {
							return candidate, true
						}
						i = len(content) // balanced but invalid JSON, stop scanning
					}
				}
			}
		}
	}

	return content, false
}

func fencedBlock(content, fence string) (string, bool) {
	idx := strings.Index(content, fence)
	if idx < 0 {
		return "", false
	}
	rest := content[idx+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	candidate := strings.TrimSpace(rest[:end])
	return candidate, json.Valid([]byte(candidate))
}

// parseVerdict parses a chat-completion content string into a Verdict,
// per §4.7.2's validation and action-mapping rules. A malformed or
// should_ban-missing payload returns a VerdictParseFailed error; the
// caller records it as a per-user error entry and continues the scan.
func parseVerdict(content string) (Verdict, error) {
	jsonStr, _ := extractJSON(content)

	var raw rawVerdict
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return Verdict{}, apperr.Permanent(apperr.VerdictParseFailed, "verdict is not valid JSON", err)
	}
	if !strings.Contains(jsonStr, `"should_ban"`) {
		return Verdict{}, apperr.Permanent(apperr.VerdictParseFailed, "verdict missing required field should_ban", nil)
	}

	riskScoreF, _ := raw.RiskScore.Float64()
	confidenceF, _ := raw.Confidence.Float64()
	riskScore := clampInt(int64(riskScoreF), 1, 10)
	confidence := clampFloat(confidenceF, 0, 1)

	v := Verdict{ShouldBan: raw.ShouldBan, RiskScore: riskScore, Confidence: confidence, Reason: raw.Reason}

	switch {
	case v.ShouldBan && v.RiskScore >= 8 && v.Confidence >= 0.8:
		v.Action = ActionBan
	case v.ShouldBan || v.RiskScore >= 6:
		v.Action = ActionWarn
	case v.RiskScore >= 4:
		v.Action = ActionMonitor
	default:
		v.Action = ActionSkip
	}
	return v, nil
}

func clampInt(n int64, lo, hi int) int {
	v := int(n)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(f float64, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
